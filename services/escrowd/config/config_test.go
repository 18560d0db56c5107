package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "escrowd.yaml", `
auth:
  hmac_secret: `+testSecret+`
coins:
  BTC:
    enabled: true
    escrow_fee: "0.0001"
    fee_address: bc1qfee
    explorer_url: https://blockstream.info/api
monitor:
  interval: 30s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8085" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Monitor.Interval.Duration != 30*time.Second {
		t.Fatalf("unexpected interval %s", cfg.Monitor.Interval.Duration)
	}
	if cfg.Monitor.AbandonAfter.Duration != 24*time.Hour {
		t.Fatalf("unexpected abandon threshold %s", cfg.Monitor.AbandonAfter.Duration)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "escrowd.db" {
		t.Fatalf("unexpected database defaults %+v", cfg.Database)
	}
	btc, ok := cfg.Coins["btc"]
	if !ok {
		t.Fatalf("coin symbols must be lower-cased, got %v", cfg.Coins)
	}
	if btc.Fee().String() != "0.0001" {
		t.Fatalf("unexpected fee %s", btc.Fee())
	}
	if got := cfg.EnabledCoins(); len(got) != 1 || got[0] != "btc" {
		t.Fatalf("unexpected enabled coins %v", got)
	}
	if cfg.Redis.LockTTL.Duration <= cfg.PayoutTimeout.Duration {
		t.Fatalf("lock ttl %s must exceed payout timeout %s", cfg.Redis.LockTTL.Duration, cfg.PayoutTimeout.Duration)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "escrowd.toml", `
listen = ":9000"
admins = ["mod"]

[auth]
hmac_secret = "`+testSecret+`"

[monitor]
abandon_after = "12h"

[coins.eth]
enabled = true
explorer_url = "https://api.etherscan.io/api"
node_url = "https://rpc.example"
private_key = "deadbeef"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" || len(cfg.Admins) != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Monitor.AbandonAfter.Duration != 12*time.Hour {
		t.Fatalf("unexpected abandon threshold %s", cfg.Monitor.AbandonAfter.Duration)
	}
}

func TestLoadResolvesSecretsFromEnvAndFile(t *testing.T) {
	keyPath := writeFile(t, "eth.key", "  feedface\n")
	t.Setenv("ESCROWD_TEST_HMAC", testSecret)
	path := writeFile(t, "escrowd.yaml", `
auth:
  hmac_secret_env: ESCROWD_TEST_HMAC
coins:
  eth:
    enabled: true
    explorer_url: https://api.etherscan.io/api
    node_url: https://rpc.example
    private_key_file: `+keyPath+`
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.HMACSecret != testSecret {
		t.Fatalf("secret not resolved from env")
	}
	if cfg.Coins["eth"].PrivateKey != "feedface" {
		t.Fatalf("unexpected private key %q", cfg.Coins["eth"].PrivateKey)
	}
}

func TestLoadRejectsUnsetSecretEnv(t *testing.T) {
	path := writeFile(t, "escrowd.yaml", `
auth:
  hmac_secret_env: ESCROWD_TEST_MISSING
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "ESCROWD_TEST_MISSING") {
		t.Fatalf("expected missing env error, got %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Config{
		Database: DatabaseConfig{Driver: "mysql"},
		Auth:     AuthConfig{HMACSecret: "short"},
		Coins: map[string]CoinConfig{
			"btc":  {Enabled: true},
			"eth":  {Enabled: true},
			"usdt": {Enabled: true},
			"xmr":  {Enabled: true},
		},
	}
	applyDefaults(&cfg)
	err := validateConfig(cfg)
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{
		"database.driver",
		"auth.hmac_secret",
		"coins.btc.fee_address",
		"coins.btc.explorer_url",
		"coins.usdt.private_key",
		"coins.eth.node_url",
		"coins.xmr",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidateRequiresEnabledCoin(t *testing.T) {
	cfg := Config{Auth: AuthConfig{HMACSecret: testSecret}}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err == nil || !strings.Contains(err.Error(), "at least one coin") {
		t.Fatalf("expected enabled coin error, got %v", err)
	}
}

func TestValidateStakingNeedsUSDT(t *testing.T) {
	cfg := Config{
		Auth:    AuthConfig{HMACSecret: testSecret},
		Staking: StakingConfig{Enabled: true},
		Coins: map[string]CoinConfig{
			"btc": {Enabled: true, FeeAddress: "x", ExplorerURL: "https://e"},
		},
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err == nil || !strings.Contains(err.Error(), "staking") {
		t.Fatalf("expected staking error, got %v", err)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := d.UnmarshalText([]byte("")); err != nil || d.Duration != 0 {
		t.Fatalf("empty duration should be zero, got %v %v", d.Duration, err)
	}
}
