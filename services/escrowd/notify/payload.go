// Package notify fans engine events out to webhooks, NATS and websocket
// subscribers.
package notify

import (
	"time"

	"p2pescrow/native/escrow"
)

// Payload is the wire form of an engine event shared by every sink.
type Payload struct {
	Type       string            `json:"type"`
	EscrowID   string            `json:"escrowId"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  string            `json:"timestamp"`
}

// NewPayload converts evt. Attributes are copied.
func NewPayload(evt escrow.Event) Payload {
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	at := evt.Time
	if at.IsZero() {
		at = time.Now()
	}
	return Payload{
		Type:       evt.Type,
		EscrowID:   evt.EscrowID,
		Attributes: attrs,
		Timestamp:  at.UTC().Format(time.RFC3339Nano),
	}
}
