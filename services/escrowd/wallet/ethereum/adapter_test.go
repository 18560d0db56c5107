package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"p2pescrow/native/escrow"
	"p2pescrow/services/escrowd/wallet"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type memLedger struct {
	mu     sync.Mutex
	claims map[string]string
}

func (l *memLedger) Claim(_ context.Context, coin escrow.Coin, txid, escrowID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claims == nil {
		l.claims = make(map[string]string)
	}
	key := coin.String() + "/" + txid
	if owner, ok := l.claims[key]; ok {
		return owner == escrowID, nil
	}
	l.claims[key] = escrowID
	return true, nil
}

type fakeExplorer struct {
	transfers []Transfer
	gas       decimal.Decimal
	err       error
}

func (f *fakeExplorer) Transactions(context.Context, string) ([]Transfer, error) {
	return f.transfers, f.err
}

func (f *fakeExplorer) ProposedGasPrice(context.Context) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.gas, nil
}

type fakeClient struct {
	nonce uint64
	sent  []*types.Transaction
	err   error
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(15_500_000_000), nil
}
func (f *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func newTestAdapter(t *testing.T, explorer Explorer, client EthClient, ledger escrow.ClaimLedger) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(Options{
		Explorer:   explorer,
		Client:     client,
		Ledger:     ledger,
		PrivateKey: testKey,
		EscrowFee:  decimal.RequireFromString("0.0005"),
	})
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	return adapter
}

func wei(eth string) decimal.Decimal {
	return decimal.RequireFromString(eth).Shift(18)
}

func TestCredentialIsSuffixToken(t *testing.T) {
	adapter := newTestAdapter(t, &fakeExplorer{}, &fakeClient{}, &memLedger{})
	for i := 0; i < 50; i++ {
		cred, err := adapter.NewCredential(context.Background())
		if err != nil {
			t.Fatalf("credential: %v", err)
		}
		if len(cred.Secret) != 3 || cred.Secret == "000" {
			t.Fatalf("unexpected token %q", cred.Secret)
		}
		if cred.Address != adapter.Address().Hex() {
			t.Fatalf("credential address must be the shared address")
		}
	}
}

func TestIsFundedRequiresExactConfirmedValue(t *testing.T) {
	explorer := &fakeExplorer{}
	ledger := &memLedger{}
	adapter := newTestAdapter(t, explorer, &fakeClient{}, ledger)
	shared := strings.ToLower(adapter.Address().Hex())
	esc := &escrow.Escrow{ID: "esc1", Coin: escrow.CoinETH, Value: decimal.RequireFromString("0.01034")}
	ctx := context.Background()

	funded, err := adapter.IsFunded(ctx, esc)
	if err != nil || funded {
		t.Fatalf("empty history: funded=%v err=%v", funded, err)
	}

	explorer.transfers = []Transfer{
		{Hash: "0xshort", To: shared, Wei: wei("0.01030"), Confirmations: 12},
		{Hash: "0xrounded", To: shared, Wei: wei("0.010339996"), Confirmations: 12},
		{Hash: "0xplusone", To: shared, Wei: wei("0.01034").Add(decimal.NewFromInt(1)), Confirmations: 12},
		{Hash: "0xshallow", To: shared, Wei: wei("0.01034"), Confirmations: 5},
		{Hash: "0xfailed", To: shared, Wei: wei("0.01034"), Confirmations: 12, Failed: true},
		{Hash: "0xoutgoing", To: "0x0000000000000000000000000000000000000001", Wei: wei("0.01034"), Confirmations: 12},
	}
	funded, err = adapter.IsFunded(ctx, esc)
	if err != nil || funded {
		t.Fatalf("non-matching deposits: funded=%v err=%v", funded, err)
	}

	explorer.transfers = append(explorer.transfers, Transfer{Hash: "0xGOOD", To: shared, Wei: wei("0.01034"), Confirmations: 6})
	funded, err = adapter.IsFunded(ctx, esc)
	if err != nil || !funded {
		t.Fatalf("exact deposit: funded=%v err=%v", funded, err)
	}

	other := &escrow.Escrow{ID: "esc2", Coin: escrow.CoinETH, Value: decimal.RequireFromString("0.01034")}
	funded, err = adapter.IsFunded(ctx, other)
	if err != nil || funded {
		t.Fatalf("a claimed deposit must not fund a second escrow: funded=%v err=%v", funded, err)
	}
	funded, err = adapter.IsFunded(ctx, esc)
	if err != nil || !funded {
		t.Fatalf("re-checking the owning escrow: funded=%v err=%v", funded, err)
	}
}

func TestIsFundedIgnoresDepositsBeforeJoin(t *testing.T) {
	explorer := &fakeExplorer{}
	adapter := newTestAdapter(t, explorer, &fakeClient{}, &memLedger{})
	shared := strings.ToLower(adapter.Address().Hex())
	joined := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	esc := &escrow.Escrow{
		ID:           "esc1",
		Coin:         escrow.CoinETH,
		State:        escrow.StateAwaitingDeposit,
		Value:        decimal.RequireFromString("0.01034"),
		LastActivity: joined,
	}
	ctx := context.Background()

	explorer.transfers = []Transfer{
		{Hash: "0xstale", To: shared, Wei: wei("0.01034"), Confirmations: 40, Time: joined.Add(-time.Hour)},
	}
	funded, err := adapter.IsFunded(ctx, esc)
	if err != nil || funded {
		t.Fatalf("payment sent before join: funded=%v err=%v", funded, err)
	}

	explorer.transfers = append(explorer.transfers,
		Transfer{Hash: "0xskewed", To: shared, Wei: wei("0.01034"), Confirmations: 6, Time: joined.Add(-30 * time.Second)})
	funded, err = adapter.IsFunded(ctx, esc)
	if err != nil || !funded {
		t.Fatalf("payment within clock skew: funded=%v err=%v", funded, err)
	}
}

func TestPayoutSignsForSharedAccount(t *testing.T) {
	client := &fakeClient{nonce: 7}
	adapter := newTestAdapter(t, &fakeExplorer{gas: decimal.RequireFromString("20")}, client, &memLedger{})
	esc := &escrow.Escrow{ID: "esc1", Coin: escrow.CoinETH, Value: decimal.RequireFromString("0.01034")}

	hash, err := adapter.Payout(context.Background(), esc, " <0x000000000000000000000000000000000000dEaD> ", nil)
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected one transaction")
	}
	tx := client.sent[0]
	if tx.Hash().Hex() != hash || tx.Nonce() != 7 || tx.Gas() != 21000 {
		t.Fatalf("unexpected tx fields: %s nonce=%d gas=%d", tx.Hash().Hex(), tx.Nonce(), tx.Gas())
	}
	// 0.01034 ETH - 21000 * 20 gwei - 0.0005 ETH
	want := wei("0.01034").Sub(decimal.NewFromInt(21000 * 20_000_000_000)).Sub(wei("0.0005"))
	if tx.Value().Cmp(want.BigInt()) != 0 {
		t.Fatalf("value = %s, want %s", tx.Value(), want)
	}
	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(1)), tx)
	if err != nil || sender != adapter.Address() {
		t.Fatalf("sender = %s, %v", sender.Hex(), err)
	}
	if tx.To() == nil || *tx.To() != common.HexToAddress("0x000000000000000000000000000000000000dEaD") {
		t.Fatalf("unexpected recipient")
	}
}

func TestPayoutFailures(t *testing.T) {
	client := &fakeClient{}
	adapter := newTestAdapter(t, &fakeExplorer{gas: decimal.RequireFromString("20")}, client, &memLedger{})
	esc := &escrow.Escrow{ID: "esc1", Coin: escrow.CoinETH, Value: decimal.RequireFromString("0.0006")}
	ctx := context.Background()

	if _, err := adapter.Payout(ctx, esc, "bc1qnotanethaddress", nil); !errors.Is(err, escrow.ErrInvalidDestination) {
		t.Fatalf("expected invalid destination, got %v", err)
	}
	dest := crypto.PubkeyToAddress(mustKey(t).PublicKey).Hex()
	if _, err := adapter.Payout(ctx, esc, dest, nil); !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	client.err = errors.New("nonce too low")
	esc.Value = decimal.RequireFromString("1")
	if _, err := adapter.Payout(ctx, esc, dest, nil); !errors.Is(err, escrow.ErrBroadcastRejected) {
		t.Fatalf("expected broadcast rejection, got %v", err)
	}
}

func TestEstimateFeeFallsBackToNode(t *testing.T) {
	explorer := &fakeExplorer{gas: decimal.RequireFromString("12.3")}
	adapter := newTestAdapter(t, explorer, &fakeClient{}, &memLedger{})
	fee, err := adapter.EstimateFee(context.Background())
	if err != nil || fee != 13 {
		t.Fatalf("fee = %d, %v", fee, err)
	}
	explorer.err = escrow.Transient(errors.New("rate limited"))
	fee, err = adapter.EstimateFee(context.Background())
	if err != nil || fee != 16 {
		t.Fatalf("fallback fee = %d, %v", fee, err)
	}
}

func TestEtherscanClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("apikey") != "KEY" {
			t.Errorf("missing api key")
		}
		switch q.Get("action") {
		case "txlist":
			if q.Get("address") == "0xempty" {
				_, _ = w.Write([]byte(`{"status":"0","message":"No transactions found","result":[]}`))
				return
			}
			if q.Get("address") == "0xlimited" {
				_, _ = w.Write([]byte(`{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":[
				{"hash":"0xabc","from":"0x1","to":"0x2","value":"10340000000000000","confirmations":"6","isError":"0","timeStamp":"1772366400"}]}`))
		case "gasoracle":
			_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":{"SafeGasPrice":"10","ProposeGasPrice":"11","FastGasPrice":"14"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	scan := NewEtherscan(wallet.NewClient("etherscan", srv.Client(), 0, 0), srv.URL, "KEY")
	ctx := context.Background()
	txs, err := scan.Transactions(ctx, "0x2")
	if err != nil || len(txs) != 1 {
		t.Fatalf("txlist = %+v, %v", txs, err)
	}
	if !txs[0].Wei.Shift(-18).Equal(decimal.RequireFromString("0.01034")) || txs[0].Confirmations != 6 || txs[0].Failed ||
		!txs[0].Time.Equal(time.Unix(1772366400, 0)) {
		t.Fatalf("unexpected transfer %+v", txs[0])
	}
	if txs, err := scan.Transactions(ctx, "0xempty"); err != nil || len(txs) != 0 {
		t.Fatalf("empty = %+v, %v", txs, err)
	}
	if _, err := scan.Transactions(ctx, "0xlimited"); !errors.Is(err, escrow.ErrProviderTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	price, err := scan.ProposedGasPrice(ctx)
	if err != nil || !price.Equal(decimal.NewFromInt(11)) {
		t.Fatalf("gas = %s, %v", price, err)
	}
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return key
}
