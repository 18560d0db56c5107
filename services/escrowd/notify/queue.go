package notify

import (
	"context"
	"sync"
	"time"

	"p2pescrow/observability"
)

// task is one pending webhook delivery.
type task struct {
	payload    Payload
	deliveryID string
	attempt    int
	notBefore  time.Time
	enqueuedAt time.Time
}

// QueueOption adjusts the behaviour of the queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
)

// WithQueueCapacity sets the maximum number of pending deliveries.
func WithQueueCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithQueueTTL configures how long queued items remain eligible for delivery.
func WithQueueTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withClock overrides the clock used for TTL evaluation (test only).
func withClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue is a bounded FIFO of webhook deliveries. On overflow the oldest task
// is dropped.
type Queue struct {
	mu    sync.Mutex
	tasks ring[task]
	ttl   time.Duration
	now   func() time.Time
	wake  chan struct{}
}

// NewQueue constructs a queue with optional customisation.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{capacity: defaultQueueCapacity, ttl: defaultQueueTTL, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		tasks: newRing[task](cfg.capacity),
		ttl:   cfg.ttl,
		now:   cfg.now,
		wake:  make(chan struct{}, 1),
	}
}

func (q *Queue) push(t task) {
	now := q.now()
	if t.enqueuedAt.IsZero() {
		t.enqueuedAt = now
	}
	q.mu.Lock()
	q.evictExpiredLocked(now)
	if _, dropped := q.tasks.push(t); dropped {
		observability.Events().RecordDrop(sinkWebhook, "overflow")
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

// pop waits for the next task whose retry time has passed. It returns false
// when ctx is cancelled.
func (q *Queue) pop(ctx context.Context) (task, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		next, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return task{}, false
			case <-q.wake:
				continue
			case <-time.After(250 * time.Millisecond):
				continue
			}
		}
		if delay := next.notBefore.Sub(q.now()); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return task{}, false
			case <-timer.C:
			}
		}
		return next, true
	}
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	for {
		head, ok := q.tasks.peek()
		if !ok || now.Sub(head.enqueuedAt) <= q.ttl {
			return
		}
		q.tasks.pop()
		observability.Events().RecordDrop(sinkWebhook, "ttl")
	}
}

// ring is a fixed-size ring buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	var zero T
	return zero, false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 || len(r.buf) == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}
