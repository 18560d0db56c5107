// Package utxo implements the escrow adapter for the Bitcoin family of coins:
// every escrow owns a freshly generated key and deposit address.
package utxo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"p2pescrow/native/escrow"
)

const (
	// DustLimit is the smallest output the adapter will create.
	DustLimit int64 = 546
	// Fee buffers, in vbytes, reserved from the payout for the network fee.
	primaryBuffer  int64 = 227
	fallbackBuffer int64 = 454
	satsPerCoin    int32 = 8
)

// Options configures an Adapter.
type Options struct {
	Network *Network
	Chain   Chain
	// Fees is optional; FixedFeeRate is used when nil.
	Fees         FeeOracle
	FixedFeeRate escrow.FeeRate
	// EscrowFee is the flat operator fee in coin units.
	EscrowFee decimal.Decimal
	// FeeAddress receives the operator fee and any payout remainder.
	FeeAddress string
}

// Adapter implements escrow.Adapter for one UTXO coin.
type Adapter struct {
	net       *Network
	chain     Chain
	fees      FeeOracle
	fixedRate escrow.FeeRate
	escrowFee decimal.Decimal
	feeScript []byte
}

var _ escrow.Adapter = (*Adapter)(nil)

// NewAdapter validates opts and returns the adapter.
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.Network == nil {
		return nil, errors.New("utxo: network required")
	}
	if opts.Chain == nil {
		return nil, fmt.Errorf("utxo: %s chain service required", opts.Network.Coin)
	}
	if opts.EscrowFee.Sign() < 0 {
		return nil, fmt.Errorf("utxo: %s escrow fee must not be negative", opts.Network.Coin)
	}
	feeScript, err := opts.Network.DestinationScript(opts.FeeAddress)
	if err != nil {
		return nil, fmt.Errorf("utxo: %s fee address: %w", opts.Network.Coin, err)
	}
	rate := opts.FixedFeeRate
	if rate <= 0 {
		rate = 1
	}
	return &Adapter{
		net:       opts.Network,
		chain:     opts.Chain,
		fees:      opts.Fees,
		fixedRate: rate,
		escrowFee: escrow.Quantize(opts.EscrowFee, opts.Network.Coin),
		feeScript: feeScript,
	}, nil
}

func (a *Adapter) Coin() escrow.Coin { return a.net.Coin }

func (a *Adapter) NewCredential(context.Context) (escrow.Credential, error) {
	wif, err := a.net.NewKey()
	if err != nil {
		return escrow.Credential{}, err
	}
	addr, err := a.net.EscrowAddress(wif)
	if err != nil {
		return escrow.Credential{}, fmt.Errorf("utxo: derive address: %w", err)
	}
	return escrow.Credential{Secret: wif.String(), Address: a.net.Display(addr)}, nil
}

// address returns the display address and output script held by esc's key.
func (a *Adapter) address(esc *escrow.Escrow) (string, []byte, error) {
	wif, err := a.net.DecodeKey(esc.Credential)
	if err != nil {
		return "", nil, err
	}
	addr, err := a.net.EscrowAddress(wif)
	if err != nil {
		return "", nil, fmt.Errorf("utxo: derive address: %w", err)
	}
	script, err := a.net.DestinationScript(a.net.Display(addr))
	if err != nil {
		return "", nil, err
	}
	return a.net.Display(addr), script, nil
}

func (a *Adapter) DepositTarget(_ context.Context, esc *escrow.Escrow) (escrow.DepositTarget, error) {
	addr, _, err := a.address(esc)
	if err != nil {
		return escrow.DepositTarget{}, err
	}
	return escrow.DepositTarget{Address: addr, Amount: escrow.Quantize(esc.Value, a.net.Coin)}, nil
}

func (a *Adapter) EstimateFee(ctx context.Context) (escrow.FeeRate, error) {
	if a.fees == nil {
		return a.fixedRate, nil
	}
	return a.fees.Recommended(ctx)
}

// IsFunded is true once every unspent of the escrow address is confirmed and
// together they cover the escrow value.
func (a *Adapter) IsFunded(ctx context.Context, esc *escrow.Escrow) (bool, error) {
	addr, _, err := a.address(esc)
	if err != nil {
		return false, err
	}
	unspents, err := a.chain.Unspent(ctx, addr)
	if err != nil {
		return false, err
	}
	if len(unspents) == 0 {
		return false, nil
	}
	var total int64
	for _, u := range unspents {
		if !u.Confirmed {
			return false, nil
		}
		total += u.Value
	}
	return total >= toSats(esc.Value), nil
}

// Payout sends the escrow value, less the operator fee and a network fee
// buffer, to destination. When the inputs cannot cover the primary buffer the
// payout is rebuilt once with the fallback buffer.
func (a *Adapter) Payout(ctx context.Context, esc *escrow.Escrow, destination string, override *escrow.FeeRate) (string, error) {
	destScript, err := a.net.DestinationScript(a.normalizeDestination(destination))
	if err != nil {
		return "", err
	}
	wif, err := a.net.DecodeKey(esc.Credential)
	if err != nil {
		return "", err
	}
	addr, prevScript, err := a.address(esc)
	if err != nil {
		return "", err
	}
	rate, err := a.feeRate(ctx, override)
	if err != nil {
		return "", err
	}
	unspents, err := a.chain.Unspent(ctx, addr)
	if err != nil {
		return "", err
	}
	if len(unspents) == 0 {
		return "", fmt.Errorf("%w: no unspent outputs at %s", escrow.ErrInsufficientFunds, addr)
	}

	var rawHex string
	for _, buffer := range []int64{primaryBuffer, fallbackBuffer} {
		outputs, planErr := a.plan(esc, unspents, destScript, rate, buffer)
		if errors.Is(planErr, escrow.ErrInsufficientFunds) {
			err = planErr
			continue
		}
		if planErr != nil {
			return "", planErr
		}
		tx, buildErr := a.net.buildSigned(wif, prevScript, unspents, outputs)
		if buildErr != nil {
			return "", buildErr
		}
		rawHex, err = serializeHex(tx)
		break
	}
	if rawHex == "" {
		return "", err
	}
	return a.chain.Broadcast(ctx, rawHex)
}

// plan splits the inputs into the destination output and the operator output.
func (a *Adapter) plan(esc *escrow.Escrow, unspents []Unspent, destScript []byte, rate escrow.FeeRate, buffer int64) ([]output, error) {
	var total int64
	for _, u := range unspents {
		total += u.Value
	}
	send := toSats(esc.Value) - toSats(a.escrowFee) - int64(rate)*buffer
	if send < DustLimit {
		return nil, fmt.Errorf("%w: %d sats left after fees", escrow.ErrInsufficientFunds, send)
	}
	networkFee := int64(rate) * estimateVSize(a.net.SegWit, len(unspents), 2)
	remainder := total - send - networkFee
	if remainder < 0 {
		return nil, fmt.Errorf("%w: inputs %d sats short by %d", escrow.ErrInsufficientFunds, total, -remainder)
	}
	outputs := []output{{script: destScript, value: send}}
	if remainder >= DustLimit {
		outputs = append(outputs, output{script: a.feeScript, value: remainder})
	}
	return outputs, nil
}

func (a *Adapter) feeRate(ctx context.Context, override *escrow.FeeRate) (escrow.FeeRate, error) {
	if override != nil && *override > 0 {
		return *override, nil
	}
	return a.EstimateFee(ctx)
}

func (a *Adapter) normalizeDestination(raw string) string {
	cleaned := escrow.CleanAddress(raw)
	if a.net.CashAddrPrefix != "" && strings.HasPrefix(strings.ToLower(cleaned), "q") {
		return a.net.CashAddrPrefix + ":" + cleaned
	}
	return cleaned
}

func toSats(v decimal.Decimal) int64 {
	return v.Shift(satsPerCoin).Round(0).IntPart()
}
