package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]*Escrow
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*Escrow)}
}

func (s *memStore) Lookup(_ context.Context, id string) (*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return esc.Clone(), nil
}

func (s *memStore) Upsert(_ context.Context, esc *Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := esc.Clone()
	clone.Value = Quantize(clone.Value, clone.Coin)
	s.rows[clone.ID] = clone
	return nil
}

func (s *memStore) Bump(_ context.Context, id string, from State, at time.Time) (*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if esc.State != from {
		return nil, fmt.Errorf("%w: expected %s", ErrInvalidState, from)
	}
	esc.State++
	esc.LastActivity = at
	return esc.Clone(), nil
}

func (s *memStore) Transition(_ context.Context, id string, mutate func(*Escrow) error) (*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := esc.Clone()
	if err := mutate(clone); err != nil {
		return nil, err
	}
	clone.Value = Quantize(clone.Value, clone.Coin)
	s.rows[id] = clone
	return clone.Clone(), nil
}

func (s *memStore) ListRecent(_ context.Context, since time.Time) ([]*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Escrow
	for _, esc := range s.rows {
		if !esc.LastActivity.Before(since) {
			out = append(out, esc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) HasOpenDuplicate(_ context.Context, value decimal.Decimal, coin Coin, excludeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, esc := range s.rows {
		if id == excludeID || esc.Coin != coin || esc.State != StateAwaitingDeposit {
			continue
		}
		if esc.Value.Equal(value) {
			return true, nil
		}
	}
	return false, nil
}

type fakeAdapter struct {
	coin      Coin
	cred      Credential
	fee       FeeRate
	payoutErr error
	txid      string

	mu      sync.Mutex
	payouts []string
}

func (f *fakeAdapter) Coin() Coin { return f.coin }

func (f *fakeAdapter) NewCredential(context.Context) (Credential, error) { return f.cred, nil }

func (f *fakeAdapter) DepositTarget(_ context.Context, esc *Escrow) (DepositTarget, error) {
	return DepositTarget{Address: f.cred.Address, Amount: esc.Value}, nil
}

func (f *fakeAdapter) EstimateFee(context.Context) (FeeRate, error) { return f.fee, nil }

func (f *fakeAdapter) IsFunded(context.Context, *Escrow) (bool, error) { return false, nil }

func (f *fakeAdapter) Payout(_ context.Context, esc *Escrow, destination string, _ *FeeRate) (string, error) {
	if f.payoutErr != nil {
		return "", f.payoutErr
	}
	f.mu.Lock()
	f.payouts = append(f.payouts, esc.ID+"->"+destination)
	f.mu.Unlock()
	return f.txid, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) Emit(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}

type watchRecorder struct{ ids []string }

func (w *watchRecorder) Watch(esc *Escrow) { w.ids = append(w.ids, esc.ID) }

func newTestEngine(t *testing.T, adapters ...Adapter) (*Engine, *memStore, *recordingEmitter) {
	t.Helper()
	store := newMemStore()
	engine := NewEngine(store, NewRegistry(adapters...))
	emitter := &recordingEmitter{}
	engine.SetEmitter(emitter)
	engine.SetAdmins([]string{"moderator"})
	now := time.Unix(1_700_000_000, 0).UTC()
	engine.SetNowFunc(func() time.Time { return now })
	return engine, store, emitter
}

func btcAdapter() *fakeAdapter {
	return &fakeAdapter{
		coin: CoinBTC,
		cred: Credential{Secret: "L1aW4aubDFB7yfras2S1mN3bqg9nwySY8nkoLmJebSLD5BWv3ENZ", Address: "bc1qescrowaddress"},
		fee:  12,
		txid: "b7c3f1",
	}
}

func mustValue(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return v
}

func TestCreateRejectsUnsupportedCoin(t *testing.T) {
	engine, _, _ := newTestEngine(t, btcAdapter())
	_, err := engine.Create(context.Background(), CoinUSDT, "alice", "bob", mustValue(t, "10"), "")
	if !errors.Is(err, ErrUnsupportedCoin) {
		t.Fatalf("expected ErrUnsupportedCoin, got %v", err)
	}
}

func TestCreateValidatesInput(t *testing.T) {
	engine, _, _ := newTestEngine(t, btcAdapter())
	ctx := context.Background()
	cases := []struct {
		name      string
		sender    string
		recipient string
		value     string
		contract  string
		want      error
	}{
		{name: "delimiter", sender: "alice", recipient: "bob", value: "0.1", contract: "x'); drop table", want: ErrInvalidContract},
		{name: "comment", sender: "alice", recipient: "bob", value: "0.1", contract: "ok -- trailing", want: ErrInvalidContract},
		{name: "self", sender: "Alice", recipient: "u/alice", value: "0.1", want: ErrInvalidParty},
		{name: "zero", sender: "alice", recipient: "bob", value: "0", want: ErrInvalidValue},
		{name: "dust", sender: "alice", recipient: "bob", value: "0.000000001", want: ErrInvalidValue},
		{name: "negative", sender: "alice", recipient: "bob", value: "-1", want: ErrInvalidValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Create(ctx, CoinBTC, tc.sender, tc.recipient, mustValue(t, tc.value), tc.contract)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCreatePersistsQuantizedEscrow(t *testing.T) {
	engine, store, emitter := newTestEngine(t, btcAdapter())
	esc, err := engine.Create(context.Background(), CoinBTC, "Alice", "@Bob", mustValue(t, "0.123456789"), "one bike")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if esc.State != StateCreated {
		t.Fatalf("expected created, got %s", esc.State)
	}
	if esc.Sender != "alice" || esc.Recipient != "bob" {
		t.Fatalf("parties not normalised: %q %q", esc.Sender, esc.Recipient)
	}
	if got := FormatValue(esc.Value, CoinBTC); got != "0.12345679" {
		t.Fatalf("unexpected value %s", got)
	}
	stored, err := store.Lookup(context.Background(), esc.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !stored.Value.Equal(esc.Value) {
		t.Fatalf("stored value %s differs from %s", stored.Value, esc.Value)
	}
	if stored.Credential == "" || stored.DepositAddress != "bc1qescrowaddress" {
		t.Fatalf("credential not recorded: %+v", stored)
	}
	if got := emitter.types(); len(got) != 1 || got[0] != EventTypeEscrowCreated {
		t.Fatalf("unexpected events %v", got)
	}
	for key := range emitter.events[0].Attributes {
		if key == "credential" {
			t.Fatalf("credential leaked into event")
		}
	}
}

func TestJoinOnlyByRecipient(t *testing.T) {
	engine, _, _ := newTestEngine(t, btcAdapter())
	ctx := context.Background()
	esc, err := engine.Create(ctx, CoinBTC, "alice", "bob", mustValue(t, "0.001"), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Join(ctx, esc.ID, "alice"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := engine.Join(ctx, "escmissing", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := engine.Join(ctx, esc.ID, "BOB"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := engine.Join(ctx, esc.ID, "bob"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second join, got %v", err)
	}
}

func TestBTCLifecycleRefundAndWithdraw(t *testing.T) {
	adapter := btcAdapter()
	engine, _, emitter := newTestEngine(t, adapter)
	watcher := &watchRecorder{}
	engine.SetWatcher(watcher)
	ctx := context.Background()

	esc, err := engine.Create(ctx, CoinBTC, "alice", "bob", mustValue(t, "0.001"), "laptop")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	instructions, err := engine.Join(ctx, esc.ID, "bob")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if instructions.Address != "bc1qescrowaddress" || !instructions.Amount.Equal(mustValue(t, "0.001")) {
		t.Fatalf("unexpected instructions %+v", instructions)
	}
	if instructions.Adjusted {
		t.Fatalf("dedicated address escrows are never adjusted")
	}
	if len(watcher.ids) != 1 || watcher.ids[0] != esc.ID {
		t.Fatalf("watcher not notified: %v", watcher.ids)
	}

	funded, err := engine.MarkFunded(ctx, esc.ID)
	if err != nil {
		t.Fatalf("mark funded: %v", err)
	}
	if funded.State != StateFunded {
		t.Fatalf("expected funded, got %s", funded.State)
	}
	if _, err := engine.Refund(ctx, esc.ID, "alice"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("sender must not self-refund, got %v", err)
	}
	refunded, err := engine.Refund(ctx, esc.ID, "bob")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.State != StateRefunded {
		t.Fatalf("expected refunded, got %s", refunded.State)
	}
	if _, err := engine.Withdraw(ctx, esc.ID, "bob", "bc1qdest", nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("recipient cannot withdraw a refund, got %v", err)
	}
	txid, err := engine.Withdraw(ctx, esc.ID, "alice", " [bc1qdest] ", nil)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if txid != "b7c3f1" {
		t.Fatalf("unexpected txid %s", txid)
	}
	if len(adapter.payouts) != 1 || adapter.payouts[0] != esc.ID+"->bc1qdest" {
		t.Fatalf("unexpected payouts %v", adapter.payouts)
	}
	final, err := engine.Lookup(ctx, esc.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if final.State != StateWithdrawn || final.PayoutTx != "b7c3f1" {
		t.Fatalf("unexpected final escrow %+v", final)
	}
	want := []string{EventTypeEscrowCreated, EventTypeEscrowJoined, EventTypeEscrowFunded, EventTypeEscrowRefunded, EventTypeEscrowWithdrawn}
	got := emitter.types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected events %v", got)
	}
}

func fundedEscrow(t *testing.T, engine *Engine) *Escrow {
	t.Helper()
	ctx := context.Background()
	esc, err := engine.Create(ctx, CoinBTC, "alice", "bob", mustValue(t, "0.5"), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Join(ctx, esc.ID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	funded, err := engine.MarkFunded(ctx, esc.ID)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	return funded
}

func TestReleaseByRecipientIsUnauthorized(t *testing.T) {
	engine, store, _ := newTestEngine(t, btcAdapter())
	esc := fundedEscrow(t, engine)
	if _, err := engine.Release(context.Background(), esc.ID, "bob"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	stored, _ := store.Lookup(context.Background(), esc.ID)
	if stored.State != StateFunded {
		t.Fatalf("state changed to %s", stored.State)
	}
}

func TestAdminMayReleaseAndRefund(t *testing.T) {
	engine, _, _ := newTestEngine(t, btcAdapter())
	esc := fundedEscrow(t, engine)
	released, err := engine.Release(context.Background(), esc.ID, "Moderator")
	if err != nil {
		t.Fatalf("admin release: %v", err)
	}
	if released.State != StateReleased {
		t.Fatalf("expected released, got %s", released.State)
	}
	if _, err := engine.Refund(context.Background(), esc.ID, "moderator"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("refund after release must fail with ErrInvalidState, got %v", err)
	}
}

func TestWithAdminGrantsAuthority(t *testing.T) {
	engine, _, _ := newTestEngine(t, btcAdapter())
	esc := fundedEscrow(t, engine)
	ctx := context.Background()
	if _, err := engine.Lock(ctx, esc.ID, "ops"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("plain context must not grant admin, got %v", err)
	}
	admin := WithAdmin(ctx)
	if _, err := engine.Lock(admin, esc.ID, "ops"); err != nil {
		t.Fatalf("lock with admin authority: %v", err)
	}
	if _, err := engine.Unlock(admin, esc.ID, "ops"); err != nil {
		t.Fatalf("unlock with admin authority: %v", err)
	}
	refunded, err := engine.Refund(admin, esc.ID, "ops")
	if err != nil || refunded.State != StateRefunded {
		t.Fatalf("refund with admin authority: %+v, %v", refunded, err)
	}
	if engine.IsAdmin("ops") {
		t.Fatalf("context authority must not leak into IsAdmin")
	}
}

type keyRecorder struct {
	inner Locker
	keys  []string
}

func (k *keyRecorder) Lock(ctx context.Context, key string) (func(), error) {
	k.keys = append(k.keys, key)
	return k.inner.Lock(ctx, key)
}

func TestOperationsLockTrimmedID(t *testing.T) {
	engine, _, _ := newTestEngine(t, btcAdapter())
	esc := fundedEscrow(t, engine)
	rec := &keyRecorder{inner: NewLocalLocker()}
	engine.SetLocker(rec)
	ctx := context.Background()
	if _, err := engine.Release(ctx, "  "+esc.ID+" ", "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := engine.Lock(ctx, esc.ID+"\n", "moderator"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := engine.Unlock(ctx, " "+esc.ID, "moderator"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	for _, key := range rec.keys {
		if key != esc.ID {
			t.Fatalf("lock key %q, want %q", key, esc.ID)
		}
	}
	if len(rec.keys) != 3 {
		t.Fatalf("expected 3 lock acquisitions, got %v", rec.keys)
	}
}

func TestWithdrawFailureLeavesStateUnchanged(t *testing.T) {
	adapter := btcAdapter()
	adapter.payoutErr = ErrInsufficientFunds
	engine, _, _ := newTestEngine(t, adapter)
	esc := fundedEscrow(t, engine)
	ctx := context.Background()
	if _, err := engine.Release(ctx, esc.ID, "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, err := engine.Withdraw(ctx, esc.ID, "bob", "bc1qdest", nil)
	if !errors.Is(err, ErrPayout) || !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds payout error, got %v", err)
	}
	stored, _ := engine.Lookup(ctx, esc.ID)
	if stored.State != StateReleased {
		t.Fatalf("expected released after failed payout, got %s", stored.State)
	}

	adapter.payoutErr = Transient(errors.New("connection reset"))
	_, err = engine.Withdraw(ctx, esc.ID, "bob", "bc1qdest", nil)
	if !errors.Is(err, ErrPayout) || !errors.Is(err, ErrProviderTransient) {
		t.Fatalf("provider failures surface as payout errors, got %v", err)
	}
	if _, err := engine.Withdraw(ctx, esc.ID, "bob", "  ", nil); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("expected ErrInvalidDestination, got %v", err)
	}
}

func TestLockFreezesWithdrawAndUnlockRestores(t *testing.T) {
	engine, _, _ := newTestEngine(t, btcAdapter())
	esc := fundedEscrow(t, engine)
	ctx := context.Background()
	if _, err := engine.Release(ctx, esc.ID, "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := engine.Lock(ctx, esc.ID, "alice"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin lock must fail, got %v", err)
	}
	locked, err := engine.Lock(ctx, esc.ID, "moderator")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if locked.State != StateLocked || locked.PreLockState == nil || *locked.PreLockState != StateReleased {
		t.Fatalf("unexpected locked escrow %+v", locked)
	}
	if _, err := engine.Withdraw(ctx, esc.ID, "bob", "bc1qdest", nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("withdraw of a locked escrow must fail, got %v", err)
	}
	if _, err := engine.Lock(ctx, esc.ID, "moderator"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double lock must fail, got %v", err)
	}
	unlocked, err := engine.Unlock(ctx, esc.ID, "moderator")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if unlocked.State != StateReleased || unlocked.PreLockState != nil {
		t.Fatalf("expected restore to released, got %+v", unlocked)
	}
	if _, err := engine.Withdraw(ctx, esc.ID, "bob", "bc1qdest", nil); err != nil {
		t.Fatalf("withdraw after unlock: %v", err)
	}
}

func TestLockRejectsUnfundedEscrow(t *testing.T) {
	engine, _, _ := newTestEngine(t, btcAdapter())
	esc, err := engine.Create(context.Background(), CoinBTC, "alice", "bob", mustValue(t, "1"), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Lock(context.Background(), esc.ID, "moderator"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestETHJoinAppendsSuffix(t *testing.T) {
	eth := &fakeAdapter{coin: CoinETH, cred: Credential{Secret: "034", Address: "0xshared"}}
	engine, _, _ := newTestEngine(t, eth)
	ctx := context.Background()
	esc, err := engine.Create(ctx, CoinETH, "alice", "bob", mustValue(t, "0.01"), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	instructions, err := engine.Join(ctx, esc.ID, "bob")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := FormatValue(instructions.Amount, CoinETH); got != "0.01034" {
		t.Fatalf("expected 0.01034, got %s", got)
	}
	if !instructions.RequestedAmount.Equal(mustValue(t, "0.01")) {
		t.Fatalf("requested amount lost: %s", instructions.RequestedAmount)
	}
	if instructions.Adjusted {
		t.Fatalf("suffix alone is not an adjustment")
	}
}

func TestSharedJoinPerturbsDuplicateValues(t *testing.T) {
	eth := &fakeAdapter{coin: CoinETH, cred: Credential{Secret: "034", Address: "0xshared"}}
	usdt := &fakeAdapter{coin: CoinUSDT, cred: Credential{Address: "TShared"}}
	engine, store, emitter := newTestEngine(t, eth, usdt)
	ctx := context.Background()

	join := func(coin Coin, value string) DepositInstructions {
		t.Helper()
		esc, err := engine.Create(ctx, coin, "alice", "bob", mustValue(t, value), "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ins, err := engine.Join(ctx, esc.ID, "bob")
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		return ins
	}

	first := join(CoinETH, "0.01")
	second := join(CoinETH, "0.01")
	if first.Amount.Equal(second.Amount) {
		t.Fatalf("duplicate open deposit amounts %s", first.Amount)
	}
	if got := FormatValue(second.Amount, CoinETH); got != "0.01035" || !second.Adjusted {
		t.Fatalf("expected adjusted 0.01035, got %s adjusted=%v", got, second.Adjusted)
	}
	dup, err := store.HasOpenDuplicate(ctx, second.Amount, CoinETH, second.EscrowID)
	if err != nil || dup {
		t.Fatalf("second escrow still collides: dup=%v err=%v", dup, err)
	}

	a := join(CoinUSDT, "25")
	b := join(CoinUSDT, "25")
	c := join(CoinUSDT, "25")
	got := []string{FormatValue(a.Amount, CoinUSDT), FormatValue(b.Amount, CoinUSDT), FormatValue(c.Amount, CoinUSDT)}
	if fmt.Sprint(got) != "[25.00 25.01 25.02]" {
		t.Fatalf("unexpected usdt amounts %v", got)
	}
	adjustments := 0
	for _, typ := range emitter.types() {
		if typ == EventTypeEscrowValueAdjusted {
			adjustments++
		}
	}
	if adjustments != 3 {
		t.Fatalf("expected 3 adjustment events, got %d", adjustments)
	}
}

func TestAbandonHonoursThreshold(t *testing.T) {
	engine, _, _ := newTestEngine(t, btcAdapter())
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0).UTC()
	now := start
	engine.SetNowFunc(func() time.Time { return now })
	esc, err := engine.Create(ctx, CoinBTC, "alice", "bob", mustValue(t, "0.1"), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Join(ctx, esc.ID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	now = start.Add(23 * time.Hour)
	if _, err := engine.Abandon(ctx, esc.ID, DefaultAbandonAfter); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected escrow to remain active, got %v", err)
	}
	now = start.Add(25 * time.Hour)
	abandoned, err := engine.Abandon(ctx, esc.ID, DefaultAbandonAfter)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if abandoned.State != StateAbandoned || !abandoned.LastActivity.Equal(now) {
		t.Fatalf("unexpected abandoned escrow %+v", abandoned)
	}
}

func TestListRecentWindow(t *testing.T) {
	engine, _, _ := newTestEngine(t, btcAdapter())
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0).UTC()
	now := start
	engine.SetNowFunc(func() time.Time { return now })
	old, err := engine.Create(ctx, CoinBTC, "alice", "bob", mustValue(t, "0.1"), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	now = start.Add(48 * time.Hour)
	fresh, err := engine.Create(ctx, CoinBTC, "carol", "dave", mustValue(t, "0.2"), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	recent, err := engine.ListRecent(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != fresh.ID || recent[0].ID == old.ID {
		t.Fatalf("unexpected recent list %+v", recent)
	}
}

func TestEstimateFeeDispatchesByCoin(t *testing.T) {
	engine, _, _ := newTestEngine(t, btcAdapter())
	fee, err := engine.EstimateFee(context.Background(), CoinBTC)
	if err != nil || fee != 12 {
		t.Fatalf("unexpected fee %d err %v", fee, err)
	}
	if _, err := engine.EstimateFee(context.Background(), CoinDOGE); !errors.Is(err, ErrUnsupportedCoin) {
		t.Fatalf("expected ErrUnsupportedCoin, got %v", err)
	}
}
