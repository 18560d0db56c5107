package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Adapter encapsulates the settlement behaviour of one coin.
type Adapter interface {
	Coin() Coin
	// NewCredential allocates the key material or disambiguation token for a
	// new escrow.
	NewCredential(ctx context.Context) (Credential, error)
	// DepositTarget returns the address and gross amount the payer must send.
	DepositTarget(ctx context.Context, esc *Escrow) (DepositTarget, error)
	// EstimateFee returns the current recommended network fee.
	EstimateFee(ctx context.Context) (FeeRate, error)
	// IsFunded reports whether a confirmed deposit covering the escrow value
	// exists. Shared-address adapters claim the funding transaction before
	// returning true.
	IsFunded(ctx context.Context, esc *Escrow) (bool, error)
	// Payout broadcasts value minus fees to destination and returns the
	// transaction id. A nil override uses EstimateFee.
	Payout(ctx context.Context, esc *Escrow, destination string, override *FeeRate) (string, error)
}

// ClaimLedger records chain transactions already attributed to an escrow.
type ClaimLedger interface {
	// Claim attributes txid to escrowID. It returns false when the txid already
	// belongs to a different escrow.
	Claim(ctx context.Context, coin Coin, txid, escrowID string) (bool, error)
}

// Registry maps coins to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Coin]Adapter
}

// NewRegistry returns a registry populated with the supplied adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Coin]Adapter)}
	for _, adapter := range adapters {
		r.Register(adapter)
	}
	return r
}

// Register adds or replaces the adapter for its coin.
func (r *Registry) Register(adapter Adapter) {
	if r == nil || adapter == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adapters == nil {
		r.adapters = make(map[Coin]Adapter)
	}
	r.adapters[adapter.Coin()] = adapter
}

// Lookup returns the adapter for coin or ErrUnsupportedCoin.
func (r *Registry) Lookup(coin Coin) (Adapter, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCoin, coin)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[coin]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCoin, coin)
	}
	return adapter, nil
}

// Coins lists the enabled coins in lexical order.
func (r *Registry) Coins() []Coin {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Coin, 0, len(r.adapters))
	for coin := range r.adapters {
		out = append(out, coin)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
