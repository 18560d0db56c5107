package tron

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"p2pescrow/native/escrow"
	"p2pescrow/services/escrowd/wallet"
)

const (
	defaultGridURL     = "https://api.trongrid.io"
	defaultTronscanURL = "https://apilist.tronscanapi.com"
)

// Transfer is one TRC-20 token movement reported by the explorer.
type Transfer struct {
	TxID      string
	From      string
	To        string
	Amount    decimal.Decimal
	Confirmed bool
	Success   bool
	// Time is the block time; zero when unknown.
	Time time.Time
}

// Explorer lists TRC-20 transfers touching an address, newest first. Listing
// may stop once transfers are older than since; a zero since reads as far
// back as the explorer allows.
type Explorer interface {
	TokenTransfers(ctx context.Context, address, contract string, since time.Time) ([]Transfer, error)
}

// Node builds and broadcasts transactions.
type Node interface {
	TriggerTransfer(ctx context.Context, owner, contract Address, to Address, amount []byte, feeLimit int64) (*Transaction, error)
	FreezeEnergy(ctx context.Context, owner Address, sun int64) (*Transaction, error)
	Balance(ctx context.Context, owner Address) (int64, error)
	Broadcast(ctx context.Context, tx *Transaction) (string, error)
}

// Transaction is an unsigned or signed TronGrid transaction. Fields are kept
// raw so the signed payload is exactly what the node produced.
type Transaction struct {
	TxID   string
	fields map[string]json.RawMessage
}

// Sign verifies the txID against raw_data_hex and attaches a secp256k1
// signature over it.
func (t *Transaction) Sign(key *ecdsa.PrivateKey) error {
	var rawHex string
	if err := json.Unmarshal(t.fields["raw_data_hex"], &rawHex); err != nil {
		return fmt.Errorf("tron: transaction without raw_data_hex: %w", err)
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return fmt.Errorf("tron: raw_data_hex: %w", err)
	}
	digest := sha256.Sum256(raw)
	if !strings.EqualFold(hex.EncodeToString(digest[:]), t.TxID) {
		return fmt.Errorf("tron: txID %s does not match raw data", t.TxID)
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return fmt.Errorf("tron: sign: %w", err)
	}
	encoded, err := json.Marshal([]string{hex.EncodeToString(sig)})
	if err != nil {
		return err
	}
	t.fields["signature"] = encoded
	return nil
}

func (t *Transaction) MarshalJSON() ([]byte, error) { return json.Marshal(t.fields) }

func (t *Transaction) UnmarshalJSON(data []byte) error {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var id string
	if err := json.Unmarshal(fields["txID"], &id); err != nil || id == "" {
		return fmt.Errorf("tron: transaction without txID")
	}
	t.TxID, t.fields = id, fields
	return nil
}

// Grid talks to the TronGrid full-node HTTP API.
type Grid struct {
	client *wallet.Client
	base   string
}

// NewGrid builds a node client. An empty base uses api.trongrid.io.
func NewGrid(client *wallet.Client, base string) *Grid {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = defaultGridURL
	}
	return &Grid{client: client, base: base}
}

func (g *Grid) TriggerTransfer(ctx context.Context, owner, contract Address, to Address, amount []byte, feeLimit int64) (*Transaction, error) {
	req := map[string]any{
		"owner_address":     owner.String(),
		"contract_address":  contract.String(),
		"function_selector": "transfer(address,uint256)",
		"parameter":         hex.EncodeToString(append(to.abiWord(), amount...)),
		"fee_limit":         feeLimit,
		"call_value":        0,
		"visible":           true,
	}
	var resp struct {
		Result struct {
			Result  bool   `json:"result"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"result"`
		Transaction *Transaction `json:"transaction"`
	}
	if err := g.client.PostJSON(ctx, g.base+"/wallet/triggersmartcontract", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Result.Result || resp.Transaction == nil {
		return nil, fmt.Errorf("%w: trigger %s %s", escrow.ErrBroadcastRejected, resp.Result.Code, decodeMessage(resp.Result.Message))
	}
	return resp.Transaction, nil
}

func (g *Grid) FreezeEnergy(ctx context.Context, owner Address, sun int64) (*Transaction, error) {
	req := map[string]any{
		"owner_address":  owner.String(),
		"frozen_balance": sun,
		"resource":       "ENERGY",
		"visible":        true,
	}
	var tx Transaction
	if err := g.client.PostJSON(ctx, g.base+"/wallet/freezebalancev2", req, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (g *Grid) Balance(ctx context.Context, owner Address) (int64, error) {
	req := map[string]any{"address": owner.String(), "visible": true}
	var resp struct {
		Balance int64 `json:"balance"`
	}
	if err := g.client.PostJSON(ctx, g.base+"/wallet/getaccount", req, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

func (g *Grid) Broadcast(ctx context.Context, tx *Transaction) (string, error) {
	var resp struct {
		Result  bool   `json:"result"`
		TxID    string `json:"txid"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := g.client.PostJSON(ctx, g.base+"/wallet/broadcasttransaction", tx, &resp); err != nil {
		return "", err
	}
	if !resp.Result {
		return "", fmt.Errorf("%w: %s %s", escrow.ErrBroadcastRejected, resp.Code, decodeMessage(resp.Message))
	}
	if resp.TxID == "" {
		return tx.TxID, nil
	}
	return resp.TxID, nil
}

// decodeMessage renders TronGrid's hex encoded error messages.
func decodeMessage(msg string) string {
	if raw, err := hex.DecodeString(msg); err == nil {
		return string(raw)
	}
	return msg
}

// Tronscan implements Explorer on the Tronscan public API.
type Tronscan struct {
	client *wallet.Client
	base   string
}

// NewTronscan builds an explorer client. An empty base uses the public API.
func NewTronscan(client *wallet.Client, base string) *Tronscan {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = defaultTronscanURL
	}
	return &Tronscan{client: client, base: base}
}

type tronscanTransfer struct {
	TransactionID string `json:"transaction_id"`
	FromAddress   string `json:"from_address"`
	ToAddress     string `json:"to_address"`
	Quant         string `json:"quant"`
	Confirmed     bool   `json:"confirmed"`
	ContractRet   string `json:"contractRet"`
	BlockTS       int64  `json:"block_ts"`
	TokenInfo     struct {
		TokenDecimal int32 `json:"tokenDecimal"`
	} `json:"tokenInfo"`
}

const (
	transferPageSize = 50
	maxTransferPages = 20
)

// TokenTransfers pages through the account's transfers, newest first, until a
// short page, a transfer older than since, or maxTransferPages pages.
func (s *Tronscan) TokenTransfers(ctx context.Context, address, contract string, since time.Time) ([]Transfer, error) {
	var out []Transfer
	for page := 0; page < maxTransferPages; page++ {
		batch, err := s.transferPage(ctx, address, contract, page*transferPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < transferPageSize {
			break
		}
		if oldest := batch[len(batch)-1].Time; !since.IsZero() && !oldest.IsZero() && oldest.Before(since) {
			break
		}
	}
	return out, nil
}

func (s *Tronscan) transferPage(ctx context.Context, address, contract string, start int) ([]Transfer, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(transferPageSize))
	params.Set("start", strconv.Itoa(start))
	params.Set("sort", "-timestamp")
	params.Set("relatedAddress", address)
	params.Set("contract_address", contract)
	var resp struct {
		Transfers []tronscanTransfer `json:"token_transfers"`
	}
	if err := s.client.GetJSON(ctx, s.base+"/api/token_trc20/transfers?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	out := make([]Transfer, 0, len(resp.Transfers))
	for _, tr := range resp.Transfers {
		quant, err := decimal.NewFromString(tr.Quant)
		if err != nil {
			continue
		}
		decimals := tr.TokenInfo.TokenDecimal
		if decimals == 0 {
			decimals = usdtDecimals
		}
		var at time.Time
		if tr.BlockTS > 0 {
			at = time.UnixMilli(tr.BlockTS).UTC()
		}
		out = append(out, Transfer{
			TxID:      tr.TransactionID,
			From:      tr.FromAddress,
			To:        tr.ToAddress,
			Amount:    quant.Shift(-decimals),
			Confirmed: tr.Confirmed,
			Success:   strings.EqualFold(tr.ContractRet, "SUCCESS"),
			Time:      at,
		})
	}
	return out, nil
}
