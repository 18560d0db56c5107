// Package ethereum implements the shared-address ETH adapter. Deposits are
// told apart by a three digit suffix added to the escrowed amount.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"p2pescrow/native/escrow"
)

// DefaultConfirmations is the depth a deposit needs before it counts.
const DefaultConfirmations = 6

const (
	transferGas = 21000

	weiDecimals  int32 = 18
	gweiDecimals int32 = 9
)

// EthClient is the subset of ethclient.Client used for payouts.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Options configures an Adapter.
type Options struct {
	Explorer Explorer
	Client   EthClient
	Ledger   escrow.ClaimLedger
	// PrivateKey is the hex encoded key of the shared deposit address.
	PrivateKey    string
	EscrowFee     decimal.Decimal
	Confirmations int64
}

// Adapter implements escrow.Adapter for ETH.
type Adapter struct {
	explorer  Explorer
	client    EthClient
	ledger    escrow.ClaimLedger
	key       *ecdsa.PrivateKey
	address   common.Address
	escrowFee decimal.Decimal
	minConf   int64

	// sendMu serialises nonce allocation for the shared account.
	sendMu sync.Mutex
}

var _ escrow.Adapter = (*Adapter)(nil)

// NewAdapter validates opts and returns the adapter.
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.Explorer == nil || opts.Client == nil {
		return nil, errors.New("ethereum: explorer and rpc client required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("ethereum: claim ledger required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(opts.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ethereum: shared key: %w", err)
	}
	if opts.EscrowFee.Sign() < 0 {
		return nil, errors.New("ethereum: escrow fee must not be negative")
	}
	minConf := opts.Confirmations
	if minConf <= 0 {
		minConf = DefaultConfirmations
	}
	return &Adapter{
		explorer:  opts.Explorer,
		client:    opts.Client,
		ledger:    opts.Ledger,
		key:       key,
		address:   crypto.PubkeyToAddress(key.PublicKey),
		escrowFee: opts.EscrowFee,
		minConf:   minConf,
	}, nil
}

func (a *Adapter) Coin() escrow.Coin { return escrow.CoinETH }

// Address returns the shared deposit address.
func (a *Adapter) Address() common.Address { return a.address }

// NewCredential draws a suffix token between 001 and 999.
func (a *Adapter) NewCredential(context.Context) (escrow.Credential, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(999))
	if err != nil {
		return escrow.Credential{}, fmt.Errorf("ethereum: draw suffix: %w", err)
	}
	return escrow.Credential{
		Secret:  fmt.Sprintf("%03d", n.Int64()+1),
		Address: a.address.Hex(),
	}, nil
}

func (a *Adapter) DepositTarget(_ context.Context, esc *escrow.Escrow) (escrow.DepositTarget, error) {
	return escrow.DepositTarget{Address: a.address.Hex(), Amount: escrow.Quantize(esc.Value, escrow.CoinETH)}, nil
}

// EstimateFee returns the proposed gas price in gwei, falling back to the
// node's suggestion when the explorer is unavailable.
func (a *Adapter) EstimateFee(ctx context.Context) (escrow.FeeRate, error) {
	price, err := a.explorer.ProposedGasPrice(ctx)
	if err == nil {
		return escrow.FeeRate(price.Ceil().IntPart()), nil
	}
	wei, rpcErr := a.client.SuggestGasPrice(ctx)
	if rpcErr != nil {
		return 0, escrow.Transient(fmt.Errorf("ethereum: gas price: %w", errors.Join(err, rpcErr)))
	}
	return escrow.FeeRate(decimal.NewFromBigInt(wei, -gweiDecimals).Ceil().IntPart()), nil
}

// IsFunded looks for a confirmed, successful deposit to the shared address
// whose amount equals the escrow value to the wei, sent after the escrow was
// joined, and claims it for the escrow.
func (a *Adapter) IsFunded(ctx context.Context, esc *escrow.Escrow) (bool, error) {
	transfers, err := a.explorer.Transactions(ctx, a.address.Hex())
	if err != nil {
		return false, err
	}
	want := escrow.Quantize(esc.Value, escrow.CoinETH).Shift(weiDecimals)
	for _, tx := range transfers {
		if !strings.EqualFold(tx.To, a.address.Hex()) || tx.Failed || tx.Confirmations < a.minConf {
			continue
		}
		if !tx.Wei.Equal(want) || esc.DepositPredatesJoin(tx.Time) {
			continue
		}
		claimed, err := a.ledger.Claim(ctx, escrow.CoinETH, strings.ToLower(tx.Hash), esc.ID)
		if err != nil {
			return false, err
		}
		if claimed {
			return true, nil
		}
	}
	return false, nil
}

// Payout sends value - 21000*gasPrice - escrowFee from the shared account.
func (a *Adapter) Payout(ctx context.Context, esc *escrow.Escrow, destination string, override *escrow.FeeRate) (string, error) {
	dest := escrow.CleanAddress(destination)
	if !common.IsHexAddress(dest) {
		return "", fmt.Errorf("%w: %q is not an ethereum address", escrow.ErrInvalidDestination, dest)
	}
	to := common.HexToAddress(dest)

	gwei := escrow.FeeRate(0)
	if override != nil && *override > 0 {
		gwei = *override
	} else {
		estimate, err := a.EstimateFee(ctx)
		if err != nil {
			return "", err
		}
		gwei = estimate
	}
	gasPrice := new(uint256.Int).Mul(uint256.NewInt(uint64(gwei)), uint256.NewInt(1_000_000_000))
	amount, err := a.payoutAmount(esc.Value, gasPrice)
	if err != nil {
		return "", err
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	chainID, err := a.client.ChainID(ctx)
	if err != nil {
		return "", escrow.Transient(fmt.Errorf("ethereum: chain id: %w", err))
	}
	nonce, err := a.client.PendingNonceAt(ctx, a.address)
	if err != nil {
		return "", escrow.Transient(fmt.Errorf("ethereum: nonce: %w", err))
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amount.ToBig(),
		Gas:      transferGas,
		GasPrice: gasPrice.ToBig(),
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), a.key)
	if err != nil {
		return "", fmt.Errorf("ethereum: sign: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("%w: %v", escrow.ErrBroadcastRejected, err)
	}
	return signed.Hash().Hex(), nil
}

func (a *Adapter) payoutAmount(value decimal.Decimal, gasPrice *uint256.Int) (*uint256.Int, error) {
	valueWei, err := toWei(value)
	if err != nil {
		return nil, err
	}
	feeWei, err := toWei(a.escrowFee)
	if err != nil {
		return nil, err
	}
	gasCost, overflow := new(uint256.Int).MulOverflow(gasPrice, uint256.NewInt(transferGas))
	if overflow {
		return nil, fmt.Errorf("%w: gas cost overflow", escrow.ErrInsufficientFunds)
	}
	afterGas, underflow := new(uint256.Int).SubOverflow(valueWei, gasCost)
	if underflow {
		return nil, fmt.Errorf("%w: value below gas cost", escrow.ErrInsufficientFunds)
	}
	amount, underflow := new(uint256.Int).SubOverflow(afterGas, feeWei)
	if underflow || amount.IsZero() {
		return nil, fmt.Errorf("%w: value below escrow fee", escrow.ErrInsufficientFunds)
	}
	return amount, nil
}

func toWei(v decimal.Decimal) (*uint256.Int, error) {
	if v.Sign() < 0 {
		return nil, fmt.Errorf("ethereum: negative amount %s", v)
	}
	wei, overflow := uint256.FromBig(v.Shift(weiDecimals).Round(0).BigInt())
	if overflow {
		return nil, fmt.Errorf("ethereum: amount %s overflows", v)
	}
	return wei, nil
}
