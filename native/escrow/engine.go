package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultAbandonAfter is how long an escrow may await its deposit without
	// activity before the monitor abandons it.
	DefaultAbandonAfter = 24 * time.Hour
	// DefaultRecentWindow bounds ListRecent when no window is supplied.
	DefaultRecentWindow  = 24 * time.Hour
	defaultPayoutTimeout = 2 * time.Minute
	maxValueAdjustments  = 1000
)

var (
	errNilStore    = errors.New("escrow engine: store not configured")
	errNilRegistry = errors.New("escrow engine: adapter registry not configured")
)

// Store is the persistence contract the engine relies on. Implementations
// quantize values on write and serialise writes per escrow id.
type Store interface {
	Lookup(ctx context.Context, id string) (*Escrow, error)
	Upsert(ctx context.Context, esc *Escrow) error
	// Bump advances the state by one when the stored state equals from.
	Bump(ctx context.Context, id string, from State, at time.Time) (*Escrow, error)
	// Transition applies mutate to the stored escrow and persists it only if
	// the state is unchanged since it was read.
	Transition(ctx context.Context, id string, mutate func(*Escrow) error) (*Escrow, error)
	ListRecent(ctx context.Context, since time.Time) ([]*Escrow, error)
	HasOpenDuplicate(ctx context.Context, value decimal.Decimal, coin Coin, excludeID string) (bool, error)
}

// Watcher is told about escrows that start waiting for their deposit.
type Watcher interface {
	Watch(esc *Escrow)
}

// Engine drives escrows through their lifecycle. Every mutating call holds
// the per-escrow lock for its full duration.
type Engine struct {
	store         Store
	adapters      *Registry
	locker        Locker
	emitter       Emitter
	watcher       Watcher
	logger        *slog.Logger
	admins        map[string]struct{}
	nowFn         func() time.Time
	random        io.Reader
	payoutTimeout time.Duration
}

// NewEngine creates an engine with an in-process locker and no-op emitter.
func NewEngine(store Store, adapters *Registry) *Engine {
	return &Engine{
		store:         store,
		adapters:      adapters,
		locker:        NewLocalLocker(),
		emitter:       NoopEmitter{},
		logger:        slog.Default(),
		admins:        make(map[string]struct{}),
		nowFn:         time.Now,
		payoutTimeout: defaultPayoutTimeout,
	}
}

// SetEmitter configures the event sink. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetWatcher registers the component notified after a successful join.
func (e *Engine) SetWatcher(w Watcher) { e.watcher = w }

// SetLocker replaces the per-escrow locker, e.g. with a distributed one.
func (e *Engine) SetLocker(l Locker) {
	if l == nil {
		e.locker = NewLocalLocker()
		return
	}
	e.locker = l
}

// SetLogger configures the engine logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetAdmins replaces the set of administrator identities.
func (e *Engine) SetAdmins(admins []string) {
	set := make(map[string]struct{}, len(admins))
	for _, admin := range admins {
		if normalized, err := NormalizeParty(admin); err == nil {
			set[normalized] = struct{}{}
		}
	}
	e.admins = set
}

// SetNowFunc overrides the clock. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

// SetRandom overrides the entropy source used for escrow ids.
func (e *Engine) SetRandom(r io.Reader) { e.random = r }

// SetPayoutTimeout bounds how long a single payout may run.
func (e *Engine) SetPayoutTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultPayoutTimeout
	}
	e.payoutTimeout = d
}

// IsAdmin reports whether actor is a configured administrator.
func (e *Engine) IsAdmin(actor string) bool {
	normalized, err := NormalizeParty(actor)
	if err != nil {
		return false
	}
	_, ok := e.admins[normalized]
	return ok
}

type adminKey struct{}

// WithAdmin returns a context carrying administrator authority the caller
// established itself, such as an operator scope on a verified token.
// Operations that accept an administrator honour it alongside IsAdmin.
func WithAdmin(ctx context.Context) context.Context {
	return context.WithValue(ctx, adminKey{}, true)
}

func (e *Engine) actsAsAdmin(ctx context.Context, actor string) bool {
	if granted, _ := ctx.Value(adminKey{}).(bool); granted {
		return true
	}
	return e.IsAdmin(actor)
}

// Adapters exposes the registry the engine dispatches through.
func (e *Engine) Adapters() *Registry { return e.adapters }

func (e *Engine) now() time.Time {
	if e.nowFn == nil {
		return time.Now().UTC()
	}
	return e.nowFn().UTC()
}

func (e *Engine) emit(eventType string, esc *Escrow, at time.Time) {
	if e.emitter == nil || esc == nil {
		return
	}
	e.emitter.Emit(newEscrowEvent(eventType, esc, at))
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	if e.adapters == nil {
		return errNilRegistry
	}
	return nil
}

func (e *Engine) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("escrow: acquire lock %s: %w", key, err)
	}
	return unlock, nil
}

func (e *Engine) load(ctx context.Context, id string) (*Escrow, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	return e.store.Lookup(ctx, id)
}

func invalidState(esc *Escrow, op string) error {
	return fmt.Errorf("%w: cannot %s escrow %s in state %s", ErrInvalidState, op, esc.ID, esc.State)
}

func expectState(want State, op string) func(*Escrow) error {
	return func(cur *Escrow) error {
		if cur.State != want {
			return invalidState(cur, op)
		}
		return nil
	}
}

// Create registers a new escrow in CREATED state.
func (e *Engine) Create(ctx context.Context, coin Coin, sender, recipient string, value decimal.Decimal, contract string) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	adapter, err := e.adapters.Lookup(coin)
	if err != nil {
		return nil, err
	}
	from, err := NormalizeParty(sender)
	if err != nil {
		return nil, err
	}
	to, err := NormalizeParty(recipient)
	if err != nil {
		return nil, err
	}
	if from == to {
		return nil, fmt.Errorf("%w: sender and recipient must differ", ErrInvalidParty)
	}
	if err := ValidateContract(contract); err != nil {
		return nil, err
	}
	quantized, err := checkValue(value, coin)
	if err != nil {
		return nil, err
	}
	cred, err := adapter.NewCredential(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: allocate %s credential: %w", coin, err)
	}
	now := e.now()
	id, err := NewID(now, e.random)
	if err != nil {
		return nil, err
	}
	esc := &Escrow{
		ID:             id,
		Coin:           coin,
		State:          StateCreated,
		Sender:         from,
		Recipient:      to,
		Contract:       contract,
		Value:          quantized,
		RequestedValue: quantized,
		Credential:     cred.Secret,
		DepositAddress: cred.Address,
		CreatedAt:      now,
		LastActivity:   now,
	}
	if err := e.store.Upsert(ctx, esc); err != nil {
		return nil, fmt.Errorf("escrow: persist %s: %w", id, err)
	}
	e.emit(EventTypeEscrowCreated, esc, now)
	return esc.Clone(), nil
}

// Join moves a CREATED escrow to AWAITING_DEPOSIT on behalf of its recipient
// and returns the deposit instructions. For shared-address coins the stored
// value receives the suffix token and is nudged upward until no other open
// escrow awaits the same amount.
func (e *Engine) Join(ctx context.Context, id, actor string) (DepositInstructions, error) {
	id = strings.TrimSpace(id)
	if err := e.ready(); err != nil {
		return DepositInstructions{}, err
	}
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return DepositInstructions{}, err
	}
	defer unlock()

	esc, err := e.load(ctx, id)
	if err != nil {
		return DepositInstructions{}, err
	}
	if !sameParty(actor, esc.Recipient) {
		return DepositInstructions{}, fmt.Errorf("%w: only the recipient may join %s", ErrUnauthorized, esc.ID)
	}
	if esc.State != StateCreated {
		return DepositInstructions{}, invalidState(esc, "join")
	}
	adapter, err := e.adapters.Lookup(esc.Coin)
	if err != nil {
		return DepositInstructions{}, err
	}

	value := esc.Value
	adjusted := false
	if esc.Coin.SharedAddress() {
		unlockCoin, err := e.lock(ctx, "join:"+esc.Coin.String())
		if err != nil {
			return DepositInstructions{}, err
		}
		defer unlockCoin()
		value, adjusted, err = e.depositValue(ctx, esc)
		if err != nil {
			return DepositInstructions{}, err
		}
	}

	now := e.now()
	updated, err := e.store.Transition(ctx, esc.ID, func(cur *Escrow) error {
		if err := expectState(StateCreated, "join")(cur); err != nil {
			return err
		}
		cur.Value = value
		cur.State = StateAwaitingDeposit
		cur.LastActivity = now
		return nil
	})
	if err != nil {
		return DepositInstructions{}, err
	}
	e.emit(EventTypeEscrowJoined, updated, now)
	if adjusted {
		e.emit(EventTypeEscrowValueAdjusted, updated, now)
	}
	if e.watcher != nil {
		e.watcher.Watch(updated.Clone())
	}

	target, err := adapter.DepositTarget(ctx, updated.Clone())
	if err != nil {
		return DepositInstructions{}, fmt.Errorf("escrow: deposit target for %s: %w", updated.ID, err)
	}
	return DepositInstructions{
		EscrowID:        updated.ID,
		Coin:            updated.Coin,
		Address:         target.Address,
		Amount:          target.Amount,
		RequestedAmount: updated.RequestedValue,
		Adjusted:        adjusted,
	}, nil
}

func (e *Engine) depositValue(ctx context.Context, esc *Escrow) (decimal.Decimal, bool, error) {
	base := esc.Value
	if esc.Coin.Settlement() == SettlementSharedSuffix {
		offset, err := suffixOffset(esc.Credential, esc.Coin)
		if err != nil {
			return decimal.Zero, false, err
		}
		base = base.Add(offset)
	}
	base = Quantize(base, esc.Coin)
	candidate := base
	for i := 0; i < maxValueAdjustments; i++ {
		dup, err := e.store.HasOpenDuplicate(ctx, candidate, esc.Coin, esc.ID)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("escrow: duplicate check: %w", err)
		}
		if !dup {
			return candidate, i > 0, nil
		}
		candidate = candidate.Add(step(esc.Coin))
	}
	return decimal.Zero, false, fmt.Errorf("%w: no unique deposit amount near %s", ErrInvalidValue, FormatValue(base, esc.Coin))
}

// Release hands a FUNDED escrow to the recipient. Only the sender or an
// administrator may release.
func (e *Engine) Release(ctx context.Context, id, actor string) (*Escrow, error) {
	id = strings.TrimSpace(id)
	if err := e.ready(); err != nil {
		return nil, err
	}
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sameParty(actor, esc.Sender) && !e.actsAsAdmin(ctx, actor) {
		return nil, fmt.Errorf("%w: only the sender may release %s", ErrUnauthorized, esc.ID)
	}
	if esc.State != StateFunded {
		return nil, invalidState(esc, "release")
	}
	now := e.now()
	updated, err := e.store.Bump(ctx, esc.ID, StateFunded, now)
	if err != nil {
		return nil, err
	}
	e.emit(EventTypeEscrowReleased, updated, now)
	return updated.Clone(), nil
}

// Refund returns a FUNDED escrow to the sender. Only the recipient or an
// administrator may refund; the sender can never refund to themselves.
func (e *Engine) Refund(ctx context.Context, id, actor string) (*Escrow, error) {
	id = strings.TrimSpace(id)
	if err := e.ready(); err != nil {
		return nil, err
	}
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sameParty(actor, esc.Recipient) && !e.actsAsAdmin(ctx, actor) {
		return nil, fmt.Errorf("%w: only the recipient may refund %s", ErrUnauthorized, esc.ID)
	}
	if esc.State != StateFunded {
		return nil, invalidState(esc, "refund")
	}
	now := e.now()
	updated, err := e.store.Transition(ctx, esc.ID, func(cur *Escrow) error {
		if err := expectState(StateFunded, "refund")(cur); err != nil {
			return err
		}
		cur.State = StateRefunded
		cur.LastActivity = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(EventTypeEscrowRefunded, updated, now)
	return updated.Clone(), nil
}

// Lock freezes a settled or funded escrow. Administrators only.
func (e *Engine) Lock(ctx context.Context, id, actor string) (*Escrow, error) {
	id = strings.TrimSpace(id)
	if err := e.ready(); err != nil {
		return nil, err
	}
	if !e.actsAsAdmin(ctx, actor) {
		return nil, fmt.Errorf("%w: lock requires an administrator", ErrUnauthorized)
	}
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now()
	updated, err := e.store.Transition(ctx, id, func(cur *Escrow) error {
		if !cur.State.Lockable() {
			return invalidState(cur, "lock")
		}
		prev := cur.State
		cur.PreLockState = &prev
		cur.State = StateLocked
		cur.LastActivity = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(EventTypeEscrowLocked, updated, now)
	return updated.Clone(), nil
}

// Unlock restores a LOCKED escrow to the state it held before the lock.
func (e *Engine) Unlock(ctx context.Context, id, actor string) (*Escrow, error) {
	id = strings.TrimSpace(id)
	if err := e.ready(); err != nil {
		return nil, err
	}
	if !e.actsAsAdmin(ctx, actor) {
		return nil, fmt.Errorf("%w: unlock requires an administrator", ErrUnauthorized)
	}
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now()
	updated, err := e.store.Transition(ctx, id, func(cur *Escrow) error {
		if cur.State != StateLocked {
			return invalidState(cur, "unlock")
		}
		restored := StateFunded
		if cur.PreLockState != nil && cur.PreLockState.Lockable() {
			restored = *cur.PreLockState
		}
		cur.State = restored
		cur.PreLockState = nil
		cur.LastActivity = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(EventTypeEscrowUnlocked, updated, now)
	return updated.Clone(), nil
}

// Withdraw pays a RELEASED escrow to the recipient or a REFUNDED escrow to the
// sender. The payout runs under the escrow lock so an administrator lock
// cannot interleave with it; a LOCKED escrow cannot be withdrawn. A failed
// payout leaves the state unchanged.
func (e *Engine) Withdraw(ctx context.Context, id, actor, destination string, override *FeeRate) (string, error) {
	id = strings.TrimSpace(id)
	if err := e.ready(); err != nil {
		return "", err
	}
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	esc, err := e.load(ctx, id)
	if err != nil {
		return "", err
	}
	beneficiary, ok := esc.Beneficiary()
	if !ok {
		return "", invalidState(esc, "withdraw")
	}
	if !sameParty(actor, beneficiary) {
		return "", fmt.Errorf("%w: only %s may withdraw %s", ErrUnauthorized, beneficiary, esc.ID)
	}
	dest := CleanAddress(destination)
	if dest == "" {
		return "", ErrInvalidDestination
	}
	if override != nil && *override < 0 {
		return "", fmt.Errorf("%w: negative fee rate", ErrInvalidValue)
	}
	adapter, err := e.adapters.Lookup(esc.Coin)
	if err != nil {
		return "", err
	}

	payCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.payoutTimeout)
	defer cancel()
	txid, err := adapter.Payout(payCtx, esc.Clone(), dest, override)
	if err != nil {
		return "", payoutError(err)
	}

	prev := esc.State
	now := e.now()
	updated, err := e.store.Transition(context.WithoutCancel(ctx), esc.ID, func(cur *Escrow) error {
		if err := expectState(prev, "withdraw")(cur); err != nil {
			return err
		}
		cur.State = StateWithdrawn
		cur.PayoutTx = txid
		cur.LastActivity = now
		return nil
	})
	if err != nil {
		e.logger.Error("escrow: payout broadcast but withdrawal not recorded",
			slog.String("escrow", esc.ID),
			slog.String("tx", txid),
			slog.Any("error", err))
		return txid, fmt.Errorf("escrow: record withdrawal of %s: %w", esc.ID, err)
	}
	e.emit(EventTypeEscrowWithdrawn, updated, now)
	return txid, nil
}

// MarkFunded advances an AWAITING_DEPOSIT escrow to FUNDED.
func (e *Engine) MarkFunded(ctx context.Context, id string) (*Escrow, error) {
	id = strings.TrimSpace(id)
	if err := e.ready(); err != nil {
		return nil, err
	}
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now()
	updated, err := e.store.Bump(ctx, id, StateAwaitingDeposit, now)
	if err != nil {
		return nil, err
	}
	e.emit(EventTypeEscrowFunded, updated, now)
	return updated.Clone(), nil
}

// Abandon closes an AWAITING_DEPOSIT escrow whose last activity is older than
// threshold.
func (e *Engine) Abandon(ctx context.Context, id string, threshold time.Duration) (*Escrow, error) {
	id = strings.TrimSpace(id)
	if err := e.ready(); err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = DefaultAbandonAfter
	}
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now()
	updated, err := e.store.Transition(ctx, id, func(cur *Escrow) error {
		if err := expectState(StateAwaitingDeposit, "abandon")(cur); err != nil {
			return err
		}
		if now.Sub(cur.LastActivity) <= threshold {
			return fmt.Errorf("%w: escrow %s active within %s", ErrInvalidState, cur.ID, threshold)
		}
		cur.State = StateAbandoned
		cur.LastActivity = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(EventTypeEscrowAbandoned, updated, now)
	return updated.Clone(), nil
}

// Lookup returns a copy of the stored escrow.
func (e *Engine) Lookup(ctx context.Context, id string) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	esc, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// ListRecent returns escrows touched within the trailing window.
func (e *Engine) ListRecent(ctx context.Context, window time.Duration) ([]*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if window <= 0 {
		window = DefaultRecentWindow
	}
	return e.store.ListRecent(ctx, e.now().Add(-window))
}

// EstimateFee returns the adapter's current fee recommendation for coin.
func (e *Engine) EstimateFee(ctx context.Context, coin Coin) (FeeRate, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	adapter, err := e.adapters.Lookup(coin)
	if err != nil {
		return 0, err
	}
	return adapter.EstimateFee(ctx)
}
