package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Coin identifies one of the currencies the engine can hold in escrow.
type Coin string

const (
	CoinBTC  Coin = "btc"
	CoinBCH  Coin = "bch"
	CoinLTC  Coin = "ltc"
	CoinDOGE Coin = "doge"
	CoinETH  Coin = "eth"
	CoinUSDT Coin = "usdt"
)

// Settlement describes how deposits for a coin are correlated to escrows.
type Settlement uint8

const (
	// SettlementDedicated gives every escrow its own deposit address.
	SettlementDedicated Settlement = iota
	// SettlementSharedSuffix shares one address and tells deposits apart by a
	// low-order decimal suffix on the amount.
	SettlementSharedSuffix
	// SettlementSharedLedger shares one address and attributes deposits through
	// the consumed-transaction ledger.
	SettlementSharedLedger
)

type coinInfo struct {
	precision  int32
	settlement Settlement
}

var coins = map[Coin]coinInfo{
	CoinBTC:  {precision: 8, settlement: SettlementDedicated},
	CoinBCH:  {precision: 8, settlement: SettlementDedicated},
	CoinLTC:  {precision: 8, settlement: SettlementDedicated},
	CoinDOGE: {precision: 8, settlement: SettlementDedicated},
	CoinETH:  {precision: 5, settlement: SettlementSharedSuffix},
	CoinUSDT: {precision: 2, settlement: SettlementSharedLedger},
}

// ParseCoin normalises the supplied symbol and returns the matching coin.
func ParseCoin(symbol string) (Coin, error) {
	coin := Coin(strings.ToLower(strings.TrimSpace(symbol)))
	if !coin.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCoin, symbol)
	}
	return coin, nil
}

// Valid reports whether the coin belongs to the supported set.
func (c Coin) Valid() bool {
	_, ok := coins[c]
	return ok
}

// Precision returns the number of fractional digits values are quantized to.
func (c Coin) Precision() int32 { return coins[c].precision }

// Settlement returns the deposit correlation model of the coin.
func (c Coin) Settlement() Settlement { return coins[c].settlement }

// SharedAddress reports whether all escrows of the coin share one deposit address.
func (c Coin) SharedAddress() bool {
	return c.Valid() && c.Settlement() != SettlementDedicated
}

func (c Coin) String() string { return string(c) }

// SupportedCoins lists every coin known to the engine in a stable order.
func SupportedCoins() []Coin {
	return []Coin{CoinBTC, CoinBCH, CoinLTC, CoinDOGE, CoinETH, CoinUSDT}
}

// State is the persisted lifecycle code of an escrow.
type State int

const (
	StateCreated         State = 0
	StateAwaitingDeposit State = 1
	StateFunded          State = 2
	StateReleased        State = 3
	StateRefunded        State = -1
	StateWithdrawn       State = 4
	StateLocked          State = -2
	StateAbandoned       State = -9
)

// Valid reports whether the state code is known.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateAwaitingDeposit, StateFunded, StateReleased,
		StateRefunded, StateWithdrawn, StateLocked, StateAbandoned:
		return true
	default:
		return false
	}
}

// Terminal reports whether no ordinary transition leaves the state.
func (s State) Terminal() bool {
	return s == StateWithdrawn || s == StateAbandoned
}

// Lockable reports whether an administrator may lock an escrow in this state.
func (s State) Lockable() bool {
	return s == StateFunded || s == StateReleased || s == StateRefunded
}

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingDeposit:
		return "awaiting_deposit"
	case StateFunded:
		return "funded"
	case StateReleased:
		return "released"
	case StateRefunded:
		return "refunded"
	case StateWithdrawn:
		return "withdrawn"
	case StateLocked:
		return "locked"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Escrow is the canonical record of one trade.
type Escrow struct {
	ID             string
	Coin           Coin
	State          State
	Sender         string
	Recipient      string
	Contract       string
	Value          decimal.Decimal
	RequestedValue decimal.Decimal
	Credential     string
	DepositAddress string
	PreLockState   *State
	PayoutTx       string
	CreatedAt      time.Time
	LastActivity   time.Time
}

// Clone returns a deep copy so callers can mutate the result freely.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.PreLockState != nil {
		prev := *e.PreLockState
		clone.PreLockState = &prev
	}
	return &clone
}

// Beneficiary returns the party entitled to withdraw in the current state.
func (e *Escrow) Beneficiary() (string, bool) {
	switch e.State {
	case StateReleased:
		return e.Recipient, true
	case StateRefunded:
		return e.Sender, true
	default:
		return "", false
	}
}

// DepositClockSkew tolerates drift between chain timestamps and the engine
// clock when matching deposits on a shared address.
const DepositClockSkew = 2 * time.Minute

// DepositPredatesJoin reports whether a deposit seen at the given chain time
// was sent before the escrow started awaiting it. While AWAITING_DEPOSIT,
// LastActivity is the join time. Unknown times never predate.
func (e *Escrow) DepositPredatesJoin(at time.Time) bool {
	if at.IsZero() || e.State != StateAwaitingDeposit || e.LastActivity.IsZero() {
		return false
	}
	return at.Before(e.LastActivity.Add(-DepositClockSkew))
}

// Credential is the material produced by an adapter for a new escrow.
type Credential struct {
	// Secret is persisted with the escrow: a WIF key, a suffix token or empty.
	Secret string
	// Address is the deposit address shown to the payer.
	Address string
}

// DepositTarget tells the payer where and how much to send.
type DepositTarget struct {
	Address string
	Amount  decimal.Decimal
}

// DepositInstructions are returned to the recipient after a successful join.
type DepositInstructions struct {
	EscrowID        string
	Coin            Coin
	Address         string
	Amount          decimal.Decimal
	RequestedAmount decimal.Decimal
	Adjusted        bool
}

// FeeRate is a network fee in the coin's native unit: sat/vbyte for UTXO
// coins, gwei for ETH and zero for the token ledger.
type FeeRate int64
