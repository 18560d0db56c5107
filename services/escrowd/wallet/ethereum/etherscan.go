package ethereum

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"p2pescrow/native/escrow"
	"p2pescrow/services/escrowd/wallet"
)

const defaultEtherscanURL = "https://api.etherscan.io/api"

// Transfer is one entry of an account's normal transaction list.
type Transfer struct {
	Hash          string
	From          string
	To            string
	Wei           decimal.Decimal
	Confirmations int64
	Failed        bool
	// Time is the block time; zero when the explorer omits it.
	Time time.Time
}

// Explorer lists transactions of an address and reports gas prices.
type Explorer interface {
	Transactions(ctx context.Context, address string) ([]Transfer, error)
	ProposedGasPrice(ctx context.Context) (decimal.Decimal, error)
}

// Etherscan implements Explorer on the Etherscan account and gastracker
// modules.
type Etherscan struct {
	client *wallet.Client
	base   string
	apiKey string
}

// NewEtherscan builds an explorer client. An empty base uses mainnet.
func NewEtherscan(client *wallet.Client, base, apiKey string) *Etherscan {
	base = strings.TrimSpace(base)
	if base == "" {
		base = defaultEtherscanURL
	}
	return &Etherscan{client: client, base: base, apiKey: strings.TrimSpace(apiKey)}
}

type etherscanEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type etherscanTx struct {
	Hash          string `json:"hash"`
	From          string `json:"from"`
	To            string `json:"to"`
	Value         string `json:"value"`
	Confirmations string `json:"confirmations"`
	IsError       string `json:"isError"`
	TimeStamp     string `json:"timeStamp"`
}

func (e *Etherscan) query(ctx context.Context, params url.Values, out any) error {
	if e.apiKey != "" {
		params.Set("apikey", e.apiKey)
	}
	var env etherscanEnvelope
	if err := e.client.GetJSON(ctx, e.base+"?"+params.Encode(), &env); err != nil {
		return err
	}
	if env.Status != "1" {
		// "No transactions found" is a successful empty answer.
		if strings.HasPrefix(strings.ToLower(env.Message), "no transactions") {
			return nil
		}
		var reason string
		_ = json.Unmarshal(env.Result, &reason)
		return escrow.Transient(fmt.Errorf("etherscan: %s %s", env.Message, reason))
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return escrow.Transient(fmt.Errorf("etherscan: decode result: %w", err))
	}
	return nil
}

func (e *Etherscan) Transactions(ctx context.Context, address string) ([]Transfer, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "txlist")
	params.Set("address", address)
	params.Set("startblock", "0")
	params.Set("endblock", "99999999")
	params.Set("sort", "desc")
	var raw []etherscanTx
	if err := e.query(ctx, params, &raw); err != nil {
		return nil, err
	}
	out := make([]Transfer, 0, len(raw))
	for _, tx := range raw {
		wei, err := decimal.NewFromString(tx.Value)
		if err != nil {
			continue
		}
		conf, err := decimal.NewFromString(tx.Confirmations)
		if err != nil {
			continue
		}
		out = append(out, Transfer{
			Hash:          tx.Hash,
			From:          tx.From,
			To:            tx.To,
			Wei:           wei,
			Confirmations: conf.IntPart(),
			Failed:        tx.IsError != "0",
			Time:          unixTime(tx.TimeStamp),
		})
	}
	return out, nil
}

func unixTime(raw string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// ProposedGasPrice returns the oracle's proposed price in gwei.
func (e *Etherscan) ProposedGasPrice(ctx context.Context) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("module", "gastracker")
	params.Set("action", "gasoracle")
	var result struct {
		ProposeGasPrice string `json:"ProposeGasPrice"`
	}
	if err := e.query(ctx, params, &result); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(strings.TrimSpace(result.ProposeGasPrice))
	if err != nil || price.Sign() <= 0 {
		return decimal.Zero, escrow.Transient(fmt.Errorf("etherscan: invalid gas price %q", result.ProposeGasPrice))
	}
	return price, nil
}
