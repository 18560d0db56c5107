package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedCoin   = errors.New("escrow: unsupported coin")
	ErrUnauthorized      = errors.New("escrow: actor not permitted")
	ErrInvalidState      = errors.New("escrow: transition not allowed in current state")
	ErrNotFound          = errors.New("escrow: escrow not found")
	ErrInvalidContract   = errors.New("escrow: contract contains reserved characters")
	ErrInvalidValue      = errors.New("escrow: invalid value")
	ErrInvalidParty      = errors.New("escrow: invalid party identity")
	ErrProviderTransient = errors.New("escrow: chain provider unavailable")

	// ErrPayout is the parent of every withdraw failure.
	ErrPayout             = errors.New("escrow: payout failed")
	ErrInvalidDestination = fmt.Errorf("%w: invalid destination address", ErrPayout)
	ErrInsufficientFunds  = fmt.Errorf("%w: insufficient funds after fees", ErrPayout)
	ErrBroadcastRejected  = fmt.Errorf("%w: broadcast rejected", ErrPayout)
)

// Transient marks err as a recoverable provider failure.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrProviderTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProviderTransient, err)
}

func payoutError(err error) error {
	if err == nil || errors.Is(err, ErrPayout) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPayout, err)
}
