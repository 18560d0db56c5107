package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"p2pescrow/native/escrow"
	"p2pescrow/services/escrowd/storage"
)

type scriptedAdapter struct {
	mu     sync.Mutex
	funded map[string]bool
	err    error
	calls  int
}

func (a *scriptedAdapter) Coin() escrow.Coin { return escrow.CoinBTC }

func (a *scriptedAdapter) NewCredential(context.Context) (escrow.Credential, error) {
	return escrow.Credential{Secret: "wif", Address: "bc1qescrow"}, nil
}

func (a *scriptedAdapter) DepositTarget(_ context.Context, esc *escrow.Escrow) (escrow.DepositTarget, error) {
	return escrow.DepositTarget{Address: esc.DepositAddress, Amount: esc.Value}, nil
}

func (a *scriptedAdapter) EstimateFee(context.Context) (escrow.FeeRate, error) { return 1, nil }

func (a *scriptedAdapter) IsFunded(_ context.Context, esc *escrow.Escrow) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return false, a.err
	}
	return a.funded[esc.ID], nil
}

func (a *scriptedAdapter) Payout(context.Context, *escrow.Escrow, string, *escrow.FeeRate) (string, error) {
	return "", errors.New("not used")
}

func (a *scriptedAdapter) fund(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funded[id] = true
}

func (a *scriptedAdapter) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine  *escrow.Engine
	store   *storage.Store
	adapter *scriptedAdapter
	monitor *Monitor
	clock   *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := storage.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := &clock{now: time.Unix(1_700_000_000, 0).UTC()}
	adapter := &scriptedAdapter{funded: map[string]bool{}}
	registry := escrow.NewRegistry(adapter)
	engine := escrow.NewEngine(store, registry)
	engine.SetNowFunc(clk.Now)
	mon := New(engine, store, registry, Options{
		CallTimeout: time.Second,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:         clk.Now,
	})
	engine.SetWatcher(mon)
	return &harness{engine: engine, store: store, adapter: adapter, monitor: mon, clock: clk}
}

func (h *harness) awaiting(t *testing.T) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	esc, err := h.engine.Create(ctx, escrow.CoinBTC, "alice", "bob", decimal.RequireFromString("0.001"), "")
	require.NoError(t, err)
	_, err = h.engine.Join(ctx, esc.ID, "bob")
	require.NoError(t, err)
	return esc
}

func (h *harness) state(t *testing.T, id string) escrow.State {
	t.Helper()
	esc, err := h.store.Lookup(context.Background(), id)
	require.NoError(t, err)
	return esc.State
}

func TestJoinRegistersWatch(t *testing.T) {
	h := newHarness(t)
	esc := h.awaiting(t)
	require.True(t, h.monitor.Watching(esc.ID))
}

func TestTickMarksFundedAndStopsWatching(t *testing.T) {
	h := newHarness(t)
	esc := h.awaiting(t)
	other := h.awaiting(t)

	h.adapter.fund(esc.ID)
	h.monitor.Tick(context.Background())

	require.Equal(t, escrow.StateFunded, h.state(t, esc.ID))
	require.False(t, h.monitor.Watching(esc.ID))
	require.Equal(t, escrow.StateAwaitingDeposit, h.state(t, other.ID))
	require.True(t, h.monitor.Watching(other.ID))
}

func TestTickAbandonsIdleEscrow(t *testing.T) {
	h := newHarness(t)
	esc := h.awaiting(t)

	h.clock.Advance(23 * time.Hour)
	h.monitor.Tick(context.Background())
	require.Equal(t, escrow.StateAwaitingDeposit, h.state(t, esc.ID))

	h.clock.Advance(2 * time.Hour)
	h.monitor.Tick(context.Background())
	require.Equal(t, escrow.StateAbandoned, h.state(t, esc.ID))
	require.False(t, h.monitor.Watching(esc.ID))
}

func TestFundingBeatsAbandonment(t *testing.T) {
	h := newHarness(t)
	esc := h.awaiting(t)
	h.clock.Advance(48 * time.Hour)
	h.adapter.fund(esc.ID)
	h.monitor.Tick(context.Background())
	require.Equal(t, escrow.StateFunded, h.state(t, esc.ID))
}

func TestProviderErrorsAreRetried(t *testing.T) {
	h := newHarness(t)
	esc := h.awaiting(t)

	h.adapter.fail(escrow.Transient(errors.New("explorer down")))
	h.monitor.Tick(context.Background())
	require.True(t, h.monitor.Watching(esc.ID))
	require.Equal(t, escrow.StateAwaitingDeposit, h.state(t, esc.ID))

	h.adapter.fail(nil)
	h.adapter.fund(esc.ID)
	h.monitor.Tick(context.Background())
	require.Equal(t, escrow.StateFunded, h.state(t, esc.ID))
}

func TestStaleEntriesAreDropped(t *testing.T) {
	h := newHarness(t)
	ghost := &escrow.Escrow{ID: "escmissing", Coin: escrow.CoinBTC, State: escrow.StateAwaitingDeposit, LastActivity: h.clock.Now()}
	h.monitor.Watch(ghost)
	h.adapter.fund(ghost.ID)
	h.monitor.Tick(context.Background())
	require.False(t, h.monitor.Watching(ghost.ID))

	unsupported := &escrow.Escrow{ID: "escltc", Coin: escrow.CoinLTC, State: escrow.StateAwaitingDeposit, LastActivity: h.clock.Now()}
	h.monitor.Watch(unsupported)
	h.monitor.Tick(context.Background())
	require.True(t, h.monitor.Watching(unsupported.ID), "lookup failures are retried, not dropped")
}

func TestAbandonConflictRefreshesActivity(t *testing.T) {
	h := newHarness(t)
	esc := h.awaiting(t)
	stale := esc.Clone()
	stale.State = escrow.StateAwaitingDeposit
	stale.LastActivity = h.clock.Now().Add(-48 * time.Hour)
	h.monitor.Watch(stale)

	h.monitor.Tick(context.Background())
	require.Equal(t, escrow.StateAwaitingDeposit, h.state(t, esc.ID))
	require.True(t, h.monitor.Watching(esc.ID))
}

func TestRunLoadsPendingEscrows(t *testing.T) {
	h := newHarness(t)
	esc := h.awaiting(t)

	fresh := New(h.engine, h.store, h.engine.Adapters(), Options{
		Interval: 5 * time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      h.clock.Now,
	})
	h.adapter.fund(esc.ID)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fresh.Run(ctx) }()

	require.Eventually(t, func() bool {
		current, err := h.store.Lookup(context.Background(), esc.ID)
		return err == nil && current.State == escrow.StateFunded
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestWatchIgnoresOtherStates(t *testing.T) {
	h := newHarness(t)
	h.monitor.Watch(&escrow.Escrow{ID: "esc1", State: escrow.StateFunded})
	h.monitor.Watch(nil)
	require.Zero(t, h.monitor.Len())
}
