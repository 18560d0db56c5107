// Package monitor polls the chain adapters for deposits on escrows awaiting
// funding and abandons the ones left idle.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"p2pescrow/native/escrow"
	"p2pescrow/observability"
)

// Engine is the subset of escrow.Engine the monitor drives.
type Engine interface {
	Lookup(ctx context.Context, id string) (*escrow.Escrow, error)
	MarkFunded(ctx context.Context, id string) (*escrow.Escrow, error)
	Abandon(ctx context.Context, id string, threshold time.Duration) (*escrow.Escrow, error)
}

// Source supplies the working set on start.
type Source interface {
	ListAwaitingDeposit(ctx context.Context) ([]*escrow.Escrow, error)
}

// StateCounter is optionally implemented by Source to feed the per-state gauges.
type StateCounter interface {
	CountByState(ctx context.Context) (map[escrow.State]int64, error)
}

// Options tunes a Monitor. Zero values select defaults.
type Options struct {
	Interval     time.Duration
	CallTimeout  time.Duration
	AbandonAfter time.Duration
	Logger       *slog.Logger
	Metrics      *observability.EscrowdMetrics
	Now          func() time.Time
}

// Monitor is the single cooperative funding loop.
type Monitor struct {
	engine   Engine
	source   Source
	adapters *escrow.Registry

	interval     time.Duration
	callTimeout  time.Duration
	abandonAfter time.Duration
	logger       *slog.Logger
	metrics      *observability.EscrowdMetrics
	nowFn        func() time.Time

	mu      sync.Mutex
	watched map[string]*escrow.Escrow
}

// New constructs a monitor.
func New(engine Engine, source Source, adapters *escrow.Registry, opts Options) *Monitor {
	m := &Monitor{
		engine:       engine,
		source:       source,
		adapters:     adapters,
		interval:     opts.Interval,
		callTimeout:  opts.CallTimeout,
		abandonAfter: opts.AbandonAfter,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		nowFn:        opts.Now,
		watched:      make(map[string]*escrow.Escrow),
	}
	if m.interval <= 0 {
		m.interval = time.Minute
	}
	if m.callTimeout <= 0 {
		m.callTimeout = 20 * time.Second
	}
	if m.abandonAfter <= 0 {
		m.abandonAfter = escrow.DefaultAbandonAfter
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.nowFn == nil {
		m.nowFn = time.Now
	}
	return m
}

// Watch adds esc to the working set, replacing any stale copy.
func (m *Monitor) Watch(esc *escrow.Escrow) {
	if esc == nil || esc.State != escrow.StateAwaitingDeposit {
		return
	}
	m.mu.Lock()
	m.watched[esc.ID] = esc.Clone()
	n := len(m.watched)
	m.mu.Unlock()
	m.metrics.SetWatched(n)
}

// Watching reports whether id is in the working set.
func (m *Monitor) Watching(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watched[id]
	return ok
}

// Len returns the size of the working set.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watched)
}

func (m *Monitor) remove(id string) {
	m.mu.Lock()
	delete(m.watched, id)
	n := len(m.watched)
	m.mu.Unlock()
	m.metrics.SetWatched(n)
}

func (m *Monitor) snapshot() []*escrow.Escrow {
	m.mu.Lock()
	out := make([]*escrow.Escrow, 0, len(m.watched))
	for _, esc := range m.watched {
		out = append(out, esc.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load seeds the working set from the source.
func (m *Monitor) Load(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	pending, err := m.source.ListAwaitingDeposit(ctx)
	if err != nil {
		return err
	}
	for _, esc := range pending {
		m.Watch(esc)
	}
	m.logger.Info("funding monitor loaded", slog.Int("watched", m.Len()))
	return nil
}

// Run loads the working set and ticks until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Load(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one sweep over the working set.
func (m *Monitor) Tick(ctx context.Context) {
	start := time.Now()
	for _, esc := range m.snapshot() {
		if ctx.Err() != nil {
			return
		}
		m.check(ctx, esc)
	}
	m.metrics.ObserveSweep(time.Since(start))
	m.refreshStateCounts(ctx)
}

func (m *Monitor) check(ctx context.Context, esc *escrow.Escrow) {
	log := m.logger.With(slog.String("escrow", esc.ID), slog.String("coin", esc.Coin.String()))
	funded, err := m.isFunded(ctx, esc)
	if err != nil {
		m.metrics.RecordPollError(esc.Coin.String())
		log.Warn("funding check failed", slog.Any("error", err))
	}
	if funded {
		_, err := m.engine.MarkFunded(ctx, esc.ID)
		switch {
		case err == nil:
			log.Info("escrow funded")
			m.remove(esc.ID)
		case gone(err):
			m.remove(esc.ID)
		default:
			log.Error("mark funded failed", slog.Any("error", err))
		}
		return
	}
	if m.nowFn().Sub(esc.LastActivity) <= m.abandonAfter {
		return
	}
	_, err = m.engine.Abandon(ctx, esc.ID, m.abandonAfter)
	switch {
	case err == nil:
		log.Info("escrow abandoned", slog.Duration("idle", m.nowFn().Sub(esc.LastActivity)))
		m.remove(esc.ID)
	case errors.Is(err, escrow.ErrInvalidState):
		m.refresh(ctx, esc.ID)
	case gone(err):
		m.remove(esc.ID)
	default:
		log.Error("abandon failed", slog.Any("error", err))
	}
}

// refresh reloads id after a state conflict, keeping it only while it still
// awaits its deposit.
func (m *Monitor) refresh(ctx context.Context, id string) {
	current, err := m.engine.Lookup(ctx, id)
	if err != nil || current.State != escrow.StateAwaitingDeposit {
		m.remove(id)
		return
	}
	m.Watch(current)
}

func (m *Monitor) isFunded(ctx context.Context, esc *escrow.Escrow) (bool, error) {
	adapter, err := m.adapters.Lookup(esc.Coin)
	if err != nil {
		return false, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	return adapter.IsFunded(callCtx, esc)
}

func (m *Monitor) refreshStateCounts(ctx context.Context) {
	counter, ok := m.source.(StateCounter)
	if !ok || m.metrics == nil {
		return
	}
	counts, err := counter.CountByState(ctx)
	if err != nil {
		m.logger.Debug("count escrows by state failed", slog.Any("error", err))
		return
	}
	m.metrics.SetStateCounts(counts)
}

func gone(err error) bool {
	return errors.Is(err, escrow.ErrInvalidState) || errors.Is(err, escrow.ErrNotFound)
}
