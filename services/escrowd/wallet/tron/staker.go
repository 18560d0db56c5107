package tron

import (
	"context"
	"log/slog"
	"time"
)

const (
	// StakeReserve is left liquid to pay bandwidth when energy runs out.
	StakeReserve int64 = 30_000_000
	minStake     int64 = 1_000_000
)

// Staker periodically freezes the shared account's spare TRX for energy so
// token transfers do not burn TRX.
type Staker struct {
	adapter  *Adapter
	interval time.Duration
	logger   *slog.Logger
}

// NewStaker builds a staking job for the adapter's account.
func NewStaker(adapter *Adapter, interval time.Duration, logger *slog.Logger) *Staker {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Staker{adapter: adapter, interval: interval, logger: logger}
}

// Run stakes once per interval until ctx ends.
func (s *Staker) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Stake(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("tron staking failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stake freezes everything above StakeReserve and returns the frozen amount
// in sun. Nothing happens when less than 1 TRX would be frozen.
func (s *Staker) Stake(ctx context.Context) (int64, error) {
	a := s.adapter
	balance, err := a.node.Balance(ctx, a.address)
	if err != nil {
		return 0, err
	}
	amount := balance - StakeReserve
	if amount < minStake {
		return 0, nil
	}
	tx, err := a.node.FreezeEnergy(ctx, a.address, amount)
	if err != nil {
		return 0, err
	}
	txid, err := a.signAndSend(ctx, tx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("tron energy staked", slog.Int64("sun", amount), slog.String("tx", txid))
	return amount, nil
}
