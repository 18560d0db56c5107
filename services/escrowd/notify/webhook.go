package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"p2pescrow/native/escrow"
	"p2pescrow/observability"
)

const (
	sinkWebhook = "webhook"

	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-Escrow-Signature"
	// DeliveryHeader carries a per-delivery id that is stable across retries.
	DeliveryHeader = "X-Escrow-Delivery"

	defaultMaxAttempts = 5
	maxBackoff         = 5 * time.Minute
)

// WebhookOptions configures a Webhook sink.
type WebhookOptions struct {
	URL         string
	Secret      string
	Client      *http.Client
	Queue       *Queue
	MaxAttempts int
	Logger      *slog.Logger
}

// Webhook delivers events as signed JSON POSTs with exponential backoff.
type Webhook struct {
	url         string
	secret      []byte
	client      *http.Client
	queue       *Queue
	maxAttempts int
	logger      *slog.Logger
	nowFn       func() time.Time
	backoffBase time.Duration
}

var _ escrow.Emitter = (*Webhook)(nil)

// NewWebhook constructs a webhook sink. Call Run to start delivering.
func NewWebhook(opts WebhookOptions) (*Webhook, error) {
	target := strings.TrimSpace(opts.URL)
	if target == "" {
		return nil, fmt.Errorf("notify: webhook url required")
	}
	w := &Webhook{
		url:         target,
		secret:      []byte(opts.Secret),
		client:      opts.Client,
		queue:       opts.Queue,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		nowFn:       time.Now,
		backoffBase: time.Second,
	}
	if w.client == nil {
		w.client = &http.Client{Timeout: 10 * time.Second}
	}
	if w.queue == nil {
		w.queue = NewQueue()
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w, nil
}

// Emit queues evt for delivery. It never blocks on the network.
func (w *Webhook) Emit(evt escrow.Event) {
	w.queue.push(task{payload: NewPayload(evt), deliveryID: uuid.NewString()})
}

// Run processes queued deliveries until the context is cancelled.
func (w *Webhook) Run(ctx context.Context) {
	for {
		next, ok := w.queue.pop(ctx)
		if !ok {
			return
		}
		w.deliver(ctx, next)
	}
}

func (w *Webhook) deliver(ctx context.Context, t task) {
	body, err := json.Marshal(t.payload)
	if err != nil {
		w.logger.Error("encode webhook payload", slog.Any("error", err))
		return
	}
	if err := w.post(ctx, t.deliveryID, body); err != nil {
		observability.Events().RecordDelivery(sinkWebhook, false)
		w.retryLater(t, err)
		return
	}
	observability.Events().RecordDelivery(sinkWebhook, true)
}

func (w *Webhook) post(ctx context.Context, deliveryID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, deliveryID)
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	return nil
}

func (w *Webhook) retryLater(t task, cause error) {
	t.attempt++
	log := w.logger.With(slog.String("escrow", t.payload.EscrowID), slog.String("event", t.payload.Type))
	if t.attempt >= w.maxAttempts {
		log.Warn("webhook delivery abandoned", slog.Int("attempts", t.attempt), slog.Any("error", cause))
		observability.Events().RecordDrop(sinkWebhook, "attempts")
		return
	}
	t.notBefore = w.nowFn().Add(w.backoff(t.attempt))
	t.enqueuedAt = time.Time{}
	log.Debug("webhook delivery failed", slog.Int("attempt", t.attempt), slog.Any("error", cause))
	w.queue.push(t)
}

func (w *Webhook) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := w.backoffBase * time.Duration(1<<uint(attempt-1))
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
