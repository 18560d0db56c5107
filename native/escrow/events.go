package escrow

import (
	"strconv"
	"time"
)

const (
	EventTypeEscrowCreated       = "escrow.created"
	EventTypeEscrowJoined        = "escrow.joined"
	EventTypeEscrowValueAdjusted = "escrow.value_adjusted"
	EventTypeEscrowFunded        = "escrow.funded"
	EventTypeEscrowReleased      = "escrow.released"
	EventTypeEscrowRefunded      = "escrow.refunded"
	EventTypeEscrowLocked        = "escrow.locked"
	EventTypeEscrowUnlocked      = "escrow.unlocked"
	EventTypeEscrowWithdrawn     = "escrow.withdrawn"
	EventTypeEscrowAbandoned     = "escrow.abandoned"
)

// Event is a state change notification handed to the boundary layer.
type Event struct {
	Type       string
	EscrowID   string
	Attributes map[string]string
	Time       time.Time
}

// Emitter receives engine events. Implementations must not block for long.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans events out to each member in order.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(evt Event) { f(evt) }

// newEscrowEvent builds the canonical payload for esc. The credential is
// never included.
func newEscrowEvent(eventType string, esc *Escrow, at time.Time) Event {
	attrs := map[string]string{
		"id":           esc.ID,
		"coin":         esc.Coin.String(),
		"state":        esc.State.String(),
		"stateCode":    strconv.Itoa(int(esc.State)),
		"sender":       esc.Sender,
		"recipient":    esc.Recipient,
		"value":        FormatValue(esc.Value, esc.Coin),
		"lastActivity": strconv.FormatInt(esc.LastActivity.Unix(), 10),
	}
	if esc.DepositAddress != "" {
		attrs["depositAddress"] = esc.DepositAddress
	}
	if esc.PayoutTx != "" {
		attrs["payoutTx"] = esc.PayoutTx
	}
	return Event{Type: eventType, EscrowID: esc.ID, Attributes: attrs, Time: at}
}
