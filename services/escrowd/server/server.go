// Package server exposes the escrow engine over an authenticated JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"p2pescrow/native/escrow"
	"p2pescrow/observability"
	"p2pescrow/services/escrowd/notify"
)

const maxBodyBytes = 64 << 10

// Engine is the subset of escrow.Engine served over HTTP.
type Engine interface {
	Create(ctx context.Context, coin escrow.Coin, sender, recipient string, value decimal.Decimal, contract string) (*escrow.Escrow, error)
	Join(ctx context.Context, id, actor string) (escrow.DepositInstructions, error)
	Release(ctx context.Context, id, actor string) (*escrow.Escrow, error)
	Refund(ctx context.Context, id, actor string) (*escrow.Escrow, error)
	Lock(ctx context.Context, id, actor string) (*escrow.Escrow, error)
	Unlock(ctx context.Context, id, actor string) (*escrow.Escrow, error)
	Withdraw(ctx context.Context, id, actor, destination string, override *escrow.FeeRate) (string, error)
	Lookup(ctx context.Context, id string) (*escrow.Escrow, error)
	ListRecent(ctx context.Context, window time.Duration) ([]*escrow.Escrow, error)
	EstimateFee(ctx context.Context, coin escrow.Coin) (escrow.FeeRate, error)
	IsAdmin(actor string) bool
}

// Config wires the server dependencies.
type Config struct {
	Engine         Engine
	Hub            *notify.Hub
	Health         func(context.Context) error
	Auth           AuthConfig
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
	Logger         *slog.Logger
}

// Server hosts the escrow API.
type Server struct {
	engine  Engine
	hub     *notify.Hub
	health  func(context.Context) error
	auth    *Authenticator
	limiter *RateLimiter
	origins []string
	logger  *slog.Logger
	router  chi.Router
}

// New constructs the HTTP server.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return nil, errors.New("auth secret required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = notify.NewHub(0)
	}
	s := &Server{
		engine:  cfg.Engine,
		hub:     hub,
		health:  cfg.Health,
		auth:    NewAuthenticator(cfg.Auth, logger),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		origins: cfg.AllowedOrigins,
		logger:  logger,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe(s.logger))
	r.Use(cors(s.origins))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(false))
			r.Use(s.limiter.Middleware)

			r.Post("/escrows", s.handleCreate)
			r.With(s.requireAdmin).Get("/escrows", s.handleList)
			r.Get("/escrows/{id}", s.handleGet)
			r.Post("/escrows/{id}/join", s.handleJoin)
			r.Post("/escrows/{id}/release", s.handleRelease)
			r.Post("/escrows/{id}/refund", s.handleRefund)
			r.Post("/escrows/{id}/lock", s.handleLock)
			r.Post("/escrows/{id}/unlock", s.handleUnlock)
			r.Post("/escrows/{id}/withdraw", s.handleWithdraw)
			r.Get("/fees/{coin}", s.handleFee)
		})
		r.With(s.auth.Middleware(true), s.requireAdmin).Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok || !(id.HasScope(AdminScope) || s.engine.IsAdmin(id.Subject)) {
			writeError(w, http.StatusForbidden, "admin scope required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createRequest struct {
	Coin      string `json:"coin"`
	Recipient string `json:"recipient"`
	Value     string `json:"value"`
	Contract  string `json:"contract"`
}

type withdrawRequest struct {
	Address string `json:"address"`
	FeeRate *int64 `json:"fee_rate,omitempty"`
}

type escrowView struct {
	ID             string `json:"id"`
	Coin           string `json:"coin"`
	State          string `json:"state"`
	StateCode      int    `json:"stateCode"`
	Sender         string `json:"sender"`
	Recipient      string `json:"recipient"`
	Contract       string `json:"contract"`
	Value          string `json:"value"`
	RequestedValue string `json:"requestedValue"`
	DepositAddress string `json:"depositAddress,omitempty"`
	PayoutTx       string `json:"payoutTx,omitempty"`
	CreatedAt      string `json:"createdAt"`
	LastActivity   string `json:"lastActivity"`
}

type depositView struct {
	EscrowID        string `json:"escrowId"`
	Coin            string `json:"coin"`
	Address         string `json:"address"`
	Amount          string `json:"amount"`
	RequestedAmount string `json:"requestedAmount"`
	Adjusted        bool   `json:"adjusted"`
}

func newEscrowView(esc *escrow.Escrow) escrowView {
	return escrowView{
		ID:             esc.ID,
		Coin:           esc.Coin.String(),
		State:          esc.State.String(),
		StateCode:      int(esc.State),
		Sender:         esc.Sender,
		Recipient:      esc.Recipient,
		Contract:       esc.Contract,
		Value:          escrow.FormatValue(esc.Value, esc.Coin),
		RequestedValue: escrow.FormatValue(esc.RequestedValue, esc.Coin),
		DepositAddress: esc.DepositAddress,
		PayoutTx:       esc.PayoutTx,
		CreatedAt:      esc.CreatedAt.UTC().Format(time.RFC3339),
		LastActivity:   esc.LastActivity.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	coin, err := escrow.ParseCoin(req.Coin)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	value, err := escrow.ParseValue(req.Value, coin)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	esc, err := s.engine.Create(r.Context(), coin, identity.Subject, req.Recipient, value, req.Contract)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEscrowView(esc))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	esc, err := s.engine.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !s.canView(identity, esc) {
		s.writeEngineError(w, r, escrow.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowView(esc))
}

func (s *Server) canView(identity Identity, esc *escrow.Escrow) bool {
	if identity.HasScope(AdminScope) || s.engine.IsAdmin(identity.Subject) {
		return true
	}
	actor, err := escrow.NormalizeParty(identity.Subject)
	if err != nil {
		return false
	}
	return actor == esc.Sender || actor == esc.Recipient
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	window := escrow.DefaultRecentWindow
	if raw := strings.TrimSpace(r.URL.Query().Get("window")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = parsed
	}
	escrows, err := s.engine.ListRecent(r.Context(), window)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	views := make([]escrowView, 0, len(escrows))
	for _, esc := range escrows {
		views = append(views, newEscrowView(esc))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escrows": views})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	instr, err := s.engine.Join(r.Context(), chi.URLParam(r, "id"), identity.Subject)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depositView{
		EscrowID:        instr.EscrowID,
		Coin:            instr.Coin.String(),
		Address:         instr.Address,
		Amount:          escrow.FormatValue(instr.Amount, instr.Coin),
		RequestedAmount: escrow.FormatValue(instr.RequestedAmount, instr.Coin),
		Adjusted:        instr.Adjusted,
	})
}

type transition func(ctx context.Context, id, actor string) (*escrow.Escrow, error)

func (s *Server) runTransition(op transition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		esc, err := op(r.Context(), chi.URLParam(r, "id"), identity.Subject)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newEscrowView(esc))
	}
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.runTransition(s.engine.Release)(w, r)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.runTransition(s.engine.Refund)(w, r)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	s.runTransition(s.engine.Lock)(w, r)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	s.runTransition(s.engine.Unlock)(w, r)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	var req withdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var override *escrow.FeeRate
	if req.FeeRate != nil {
		rate := escrow.FeeRate(*req.FeeRate)
		override = &rate
	}
	id := chi.URLParam(r, "id")
	coin := ""
	if esc, err := s.engine.Lookup(r.Context(), id); err == nil {
		coin = esc.Coin.String()
	}
	start := time.Now()
	txid, err := s.engine.Withdraw(r.Context(), id, identity.Subject, req.Address, override)
	if coin != "" {
		observability.Escrowd().ObservePayout(coin, time.Since(start), err)
	}
	if err != nil {
		if txid != "" {
			s.logger.Error("withdrawal broadcast but not recorded",
				slog.String("escrow", id),
				slog.String("txid", txid),
				slog.Any("error", err))
		}
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"escrowId": id, "txid": txid})
}

func (s *Server) handleFee(w http.ResponseWriter, r *http.Request) {
	coin, err := escrow.ParseCoin(chi.URLParam(r, "coin"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	rate, err := s.engine.EstimateFee(r.Context(), coin)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"coin": coin.String(), "feeRate": int64(rate)})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrUnsupportedCoin),
		errors.Is(err, escrow.ErrInvalidContract),
		errors.Is(err, escrow.ErrInvalidValue),
		errors.Is(err, escrow.ErrInvalidParty):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrProviderTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, escrow.ErrPayout):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("escrow request failed",
			slog.String("route", r.URL.Path),
			slog.String("reason", observability.ErrorReason(err)),
			slog.Any("error", err))
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeError(w, status, message)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
