package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"p2pescrow/native/escrow"
	"p2pescrow/observability"
)

const sinkNATS = "nats"

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes each event to <prefix>.<event type>.
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

var _ escrow.Emitter = (*NATSPublisher)(nil)

// DialNATS connects to url with reconnect defaults suitable for a daemon.
func DialNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect nats: %w", err)
	}
	return conn, nil
}

// NewNATSPublisher wraps conn.
func NewNATSPublisher(conn Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "escrowd"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject evt is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *NATSPublisher) Emit(evt escrow.Event) {
	data, err := json.Marshal(NewPayload(evt))
	if err != nil {
		p.logger.Error("encode nats payload", slog.Any("error", err))
		return
	}
	if err := p.conn.Publish(p.Subject(evt.Type), data); err != nil {
		observability.Events().RecordDelivery(sinkNATS, false)
		p.logger.Warn("nats publish failed", slog.String("event", evt.Type), slog.Any("error", err))
		return
	}
	observability.Events().RecordDelivery(sinkNATS, true)
}
