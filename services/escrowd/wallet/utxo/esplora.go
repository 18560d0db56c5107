package utxo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"p2pescrow/native/escrow"
	"p2pescrow/services/escrowd/wallet"
)

// Unspent is one spendable output of an escrow address.
type Unspent struct {
	TxID      string
	Vout      uint32
	Value     int64
	Confirmed bool
}

// Chain is the chain service a UTXO adapter reads from and broadcasts to.
type Chain interface {
	Unspent(ctx context.Context, address string) ([]Unspent, error)
	Broadcast(ctx context.Context, rawHex string) (string, error)
}

// FeeOracle recommends a fee rate in sat/vbyte.
type FeeOracle interface {
	Recommended(ctx context.Context) (escrow.FeeRate, error)
}

// Esplora talks to an Esplora-compatible REST API (blockstream.info,
// mempool.space, litecoinspace.org and self-hosted electrs).
type Esplora struct {
	client *wallet.Client
	base   string
}

// NewEsplora builds a chain client rooted at base, e.g.
// https://mempool.space/api.
func NewEsplora(client *wallet.Client, base string) *Esplora {
	return &Esplora{client: client, base: strings.TrimRight(strings.TrimSpace(base), "/")}
}

type esploraUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed bool `json:"confirmed"`
	} `json:"status"`
}

func (e *Esplora) Unspent(ctx context.Context, address string) ([]Unspent, error) {
	var raw []esploraUTXO
	endpoint := fmt.Sprintf("%s/address/%s/utxo", e.base, url.PathEscape(address))
	if err := e.client.GetJSON(ctx, endpoint, &raw); err != nil {
		return nil, err
	}
	out := make([]Unspent, 0, len(raw))
	for _, u := range raw {
		out = append(out, Unspent{TxID: u.TxID, Vout: u.Vout, Value: u.Value, Confirmed: u.Status.Confirmed})
	}
	return out, nil
}

func (e *Esplora) Broadcast(ctx context.Context, rawHex string) (string, error) {
	txid, err := e.client.PostText(ctx, e.base+"/tx", rawHex)
	if err != nil {
		var statusErr *wallet.StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return "", fmt.Errorf("%w: %s", escrow.ErrBroadcastRejected, statusErr.Body)
		}
		return "", err
	}
	if txid == "" {
		return "", fmt.Errorf("%w: empty txid from %s", escrow.ErrBroadcastRejected, e.client.Name())
	}
	return txid, nil
}

// MempoolFees reads the recommended rates of a mempool.space instance.
type MempoolFees struct {
	client   *wallet.Client
	endpoint string
}

const defaultMempoolFeesURL = "https://mempool.space/api/v1/fees/recommended"

// NewMempoolFees builds a fee oracle. An empty endpoint uses mempool.space.
func NewMempoolFees(client *wallet.Client, endpoint string) *MempoolFees {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = defaultMempoolFeesURL
	}
	return &MempoolFees{client: client, endpoint: endpoint}
}

// Recommended returns the fastest-fee rate.
func (m *MempoolFees) Recommended(ctx context.Context) (escrow.FeeRate, error) {
	var payload struct {
		FastestFee int64 `json:"fastestFee"`
	}
	if err := m.client.GetJSON(ctx, m.endpoint, &payload); err != nil {
		return 0, err
	}
	if payload.FastestFee <= 0 {
		return 0, escrow.Transient(fmt.Errorf("%s: non-positive fee rate %d", m.client.Name(), payload.FastestFee))
	}
	return escrow.FeeRate(payload.FastestFee), nil
}
