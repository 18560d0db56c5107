package notify

import (
	"sync"

	"p2pescrow/native/escrow"
	"p2pescrow/observability"
)

const (
	sinkStream = "stream"

	defaultBacklog   = 64
	subscriberBuffer = 32
)

// Hub broadcasts events to in-process subscribers such as websocket clients.
// Slow subscribers lose events rather than blocking the engine.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan Payload
	nextID  int
	backlog ring[Payload]
}

var _ escrow.Emitter = (*Hub)(nil)

// NewHub returns a hub retaining the last backlog events for new subscribers.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{subs: make(map[int]chan Payload), backlog: newRing[Payload](backlog)}
}

func (h *Hub) Emit(evt escrow.Event) {
	payload := NewPayload(evt)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backlog.push(payload)
	for _, ch := range h.subs {
		select {
		case ch <- payload:
			observability.Events().RecordDelivery(sinkStream, true)
		default:
			observability.Events().RecordDrop(sinkStream, "slow_subscriber")
		}
	}
}

// Subscribe registers a subscriber. It returns the retained backlog, the live
// channel and a cancel func that must be called once.
func (h *Hub) Subscribe() ([]Payload, <-chan Payload, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Payload, subscriberBuffer)
	h.subs[id] = ch
	backlog := make([]Payload, 0, h.backlog.len())
	h.backlog.forEach(func(p Payload) { backlog = append(backlog, p) })
	var once sync.Once
	return backlog, ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
