// Package tron implements the USDT (TRC-20) adapter. All escrows share one
// Tron account; deposits are attributed through the claim ledger.
package tron

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"p2pescrow/native/escrow"
)

const (
	// USDTContract is the mainnet USDT TRC-20 contract.
	USDTContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	// DefaultFeeLimit caps the TRX burnt by a transfer, in sun.
	DefaultFeeLimit int64 = 10_000_000
	usdtDecimals    int32 = 6
)

// Options configures an Adapter.
type Options struct {
	Explorer Explorer
	Node     Node
	Ledger   escrow.ClaimLedger
	// PrivateKey is the hex encoded key of the shared account.
	PrivateKey string
	Contract   string
	EscrowFee  decimal.Decimal
	FeeLimit   int64
}

// Adapter implements escrow.Adapter for USDT on Tron.
type Adapter struct {
	explorer  Explorer
	node      Node
	ledger    escrow.ClaimLedger
	key       *ecdsa.PrivateKey
	address   Address
	contract  Address
	escrowFee decimal.Decimal
	feeLimit  int64
}

var _ escrow.Adapter = (*Adapter)(nil)

// NewAdapter validates opts and returns the adapter.
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.Explorer == nil || opts.Node == nil {
		return nil, errors.New("tron: explorer and node required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("tron: claim ledger required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(opts.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("tron: shared key: %w", err)
	}
	contractRaw := strings.TrimSpace(opts.Contract)
	if contractRaw == "" {
		contractRaw = USDTContract
	}
	contract, err := ParseAddress(contractRaw)
	if err != nil {
		return nil, fmt.Errorf("tron: contract: %w", err)
	}
	if opts.EscrowFee.Sign() < 0 {
		return nil, errors.New("tron: escrow fee must not be negative")
	}
	feeLimit := opts.FeeLimit
	if feeLimit <= 0 {
		feeLimit = DefaultFeeLimit
	}
	return &Adapter{
		explorer:  opts.Explorer,
		node:      opts.Node,
		ledger:    opts.Ledger,
		key:       key,
		address:   AddressFromKey(key),
		contract:  contract,
		escrowFee: opts.EscrowFee,
		feeLimit:  feeLimit,
	}, nil
}

func (a *Adapter) Coin() escrow.Coin { return escrow.CoinUSDT }

// Address returns the shared deposit account.
func (a *Adapter) Address() Address { return a.address }

// NewCredential carries no secret: the ledger tells deposits apart.
func (a *Adapter) NewCredential(context.Context) (escrow.Credential, error) {
	return escrow.Credential{Address: a.address.String()}, nil
}

func (a *Adapter) DepositTarget(_ context.Context, esc *escrow.Escrow) (escrow.DepositTarget, error) {
	return escrow.DepositTarget{Address: a.address.String(), Amount: escrow.Quantize(esc.Value, escrow.CoinUSDT)}, nil
}

// EstimateFee is zero: staked energy pays for transfers.
func (a *Adapter) EstimateFee(context.Context) (escrow.FeeRate, error) { return 0, nil }

// IsFunded claims the first confirmed, successful incoming transfer sent after
// the join whose amount equals the escrow value and that no other escrow owns.
func (a *Adapter) IsFunded(ctx context.Context, esc *escrow.Escrow) (bool, error) {
	shared := a.address.String()
	var since time.Time
	if esc.State == escrow.StateAwaitingDeposit && !esc.LastActivity.IsZero() {
		since = esc.LastActivity.Add(-escrow.DepositClockSkew)
	}
	transfers, err := a.explorer.TokenTransfers(ctx, shared, a.contract.String(), since)
	if err != nil {
		return false, err
	}
	want := escrow.Quantize(esc.Value, escrow.CoinUSDT)
	for _, tr := range transfers {
		if !tr.Confirmed || !tr.Success || tr.To != shared || tr.From == shared {
			continue
		}
		if !tr.Amount.Equal(want) || esc.DepositPredatesJoin(tr.Time) {
			continue
		}
		claimed, err := a.ledger.Claim(ctx, escrow.CoinUSDT, tr.TxID, esc.ID)
		if err != nil {
			return false, err
		}
		if claimed {
			return true, nil
		}
	}
	return false, nil
}

// Payout transfers value - escrowFee USDT from the shared account.
func (a *Adapter) Payout(ctx context.Context, esc *escrow.Escrow, destination string, _ *escrow.FeeRate) (string, error) {
	to, err := ParseAddress(escrow.CleanAddress(destination))
	if err != nil {
		return "", fmt.Errorf("%w: %v", escrow.ErrInvalidDestination, err)
	}
	net := escrow.Quantize(esc.Value, escrow.CoinUSDT).Sub(a.escrowFee)
	if net.Sign() <= 0 {
		return "", fmt.Errorf("%w: value does not cover the escrow fee", escrow.ErrInsufficientFunds)
	}
	units, overflow := uint256.FromBig(net.Shift(usdtDecimals).Round(0).BigInt())
	if overflow {
		return "", fmt.Errorf("%w: amount overflows", escrow.ErrInsufficientFunds)
	}
	amount := units.Bytes32()
	tx, err := a.node.TriggerTransfer(ctx, a.address, a.contract, to, amount[:], a.feeLimit)
	if err != nil {
		return "", err
	}
	return a.signAndSend(ctx, tx)
}

func (a *Adapter) signAndSend(ctx context.Context, tx *Transaction) (string, error) {
	if err := tx.Sign(a.key); err != nil {
		return "", err
	}
	return a.node.Broadcast(ctx, tx)
}
