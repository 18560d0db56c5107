package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"p2pescrow/services/escrowd/notify"
)

const wsWriteTimeout = 10 * time.Second

// handleEvents streams the hub backlog followed by live events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns(s.origins)})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	backlog, live, cancel := s.hub.Subscribe()
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, backlog, live); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			s.logger.Debug("event stream closed", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, backlog []notify.Payload, live <-chan notify.Payload) error {
	for _, payload := range backlog {
		if err := writePayload(ctx, conn, payload); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-live:
			if !ok {
				return nil
			}
			if err := writePayload(ctx, conn, payload); err != nil {
				return err
			}
		}
	}
}

func writePayload(ctx context.Context, conn *websocket.Conn, payload notify.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// originPatterns turns configured origins into the host patterns the
// websocket handshake expects.
func originPatterns(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			origin = parsed.Host
		}
		out = append(out, origin)
	}
	return out
}
