package escrow

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestQuantizeIsIdempotent(t *testing.T) {
	inputs := []string{"0", "0.001", "0.123456789", "1.000000005", "0.0103449", "12.345", "99.995", "0.00000001"}
	for _, coin := range SupportedCoins() {
		for _, raw := range inputs {
			v := decimal.RequireFromString(raw)
			once := Quantize(v, coin)
			twice := Quantize(once, coin)
			if !once.Equal(twice) {
				t.Fatalf("%s: quantize(%s) not idempotent: %s vs %s", coin, raw, once, twice)
			}
			if once.Exponent() < -coin.Precision() {
				t.Fatalf("%s: quantize(%s) kept %d digits", coin, raw, -once.Exponent())
			}
		}
	}
}

func TestCoinPrecisions(t *testing.T) {
	cases := map[Coin]int32{CoinBTC: 8, CoinBCH: 8, CoinLTC: 8, CoinDOGE: 8, CoinETH: 5, CoinUSDT: 2}
	for coin, want := range cases {
		if got := coin.Precision(); got != want {
			t.Fatalf("%s precision %d, want %d", coin, got, want)
		}
	}
	if !CoinETH.SharedAddress() || !CoinUSDT.SharedAddress() || CoinBTC.SharedAddress() {
		t.Fatalf("unexpected settlement models")
	}
	if _, err := ParseCoin(" BTC "); err != nil {
		t.Fatalf("parse coin: %v", err)
	}
	if _, err := ParseCoin("xmr"); !errors.Is(err, ErrUnsupportedCoin) {
		t.Fatalf("expected ErrUnsupportedCoin, got %v", err)
	}
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue(" 0.0100 ", CoinETH)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if FormatValue(v, CoinETH) != "0.01000" {
		t.Fatalf("unexpected value %s", FormatValue(v, CoinETH))
	}
	for _, raw := range []string{"", "abc", "-0.5", "0.001"} {
		if _, err := ParseValue(raw, CoinUSDT); !errors.Is(err, ErrInvalidValue) {
			t.Fatalf("%q: expected ErrInvalidValue, got %v", raw, err)
		}
	}
}

func TestStateCodes(t *testing.T) {
	codes := map[State]int{
		StateCreated: 0, StateAwaitingDeposit: 1, StateFunded: 2, StateReleased: 3,
		StateRefunded: -1, StateWithdrawn: 4, StateLocked: -2, StateAbandoned: -9,
	}
	for state, code := range codes {
		if int(state) != code || !state.Valid() {
			t.Fatalf("%s has code %d, want %d", state, int(state), code)
		}
	}
	if State(7).Valid() {
		t.Fatalf("unknown state reported valid")
	}
	if StateFunded+1 != StateReleased || StateAwaitingDeposit+1 != StateFunded {
		t.Fatalf("linear advance broken")
	}
}

func TestNewIDFormat(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a, err := NewID(now, bytes.NewReader(bytes.Repeat([]byte{1}, 16)))
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	b, err := NewID(now, bytes.NewReader(bytes.Repeat([]byte{2}, 16)))
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if !strings.HasPrefix(a, "esc") || len(a) != 19 {
		t.Fatalf("unexpected id %q", a)
	}
	if a == b {
		t.Fatalf("ids must depend on entropy")
	}
	if _, err := NewID(now, bytes.NewReader(nil)); err == nil {
		t.Fatalf("expected short entropy error")
	}
}

func TestNormalizeParty(t *testing.T) {
	cases := map[string]string{
		"Alice":     "alice",
		" u/Bob ":   "bob",
		"/u/carol":  "carol",
		"@Dave":     "dave",
		"ｆｕｌｌｗｉｄｔｈ": "fullwidth",
	}
	for in, want := range cases {
		got, err := NormalizeParty(in)
		if err != nil || got != want {
			t.Fatalf("normalize %q = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "  ", "two words", strings.Repeat("x", 65)} {
		if _, err := NormalizeParty(bad); !errors.Is(err, ErrInvalidParty) {
			t.Fatalf("%q: expected ErrInvalidParty, got %v", bad, err)
		}
	}
}

func TestCleanAddress(t *testing.T) {
	cases := map[string]string{
		"[bc1qxyz]":         "bc1qxyz",
		"  <0xabc>  ":       "0xabc",
		"TXYZ":              "TXYZ",
		"bitcoincash:qabc ": "bitcoincash:qabc",
	}
	for in, want := range cases {
		if got := CleanAddress(in); got != want {
			t.Fatalf("clean %q = %q, want %q", in, got, want)
		}
	}
}

func TestLocalLockerSerialisesKey(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "esc1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxSeen)
	}
	if locker.Active() != 0 {
		t.Fatalf("expected no active keys, got %d", locker.Active())
	}
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	unlock, err := locker.Lock(context.Background(), "esc1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, "esc1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	other, err := locker.Lock(context.Background(), "esc2")
	if err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}
	other()
}
