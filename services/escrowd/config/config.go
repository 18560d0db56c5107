package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"p2pescrow/native/escrow"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses durations written as TOML strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for escrowd.
type Config struct {
	ListenAddress string                `yaml:"listen" toml:"listen"`
	Environment   string                `yaml:"environment" toml:"environment"`
	Testnet       bool                  `yaml:"testnet" toml:"testnet"`
	Admins        []string              `yaml:"admins" toml:"admins"`
	PayoutTimeout Duration              `yaml:"payout_timeout" toml:"payout_timeout"`
	Database      DatabaseConfig        `yaml:"database" toml:"database"`
	Redis         RedisConfig           `yaml:"redis" toml:"redis"`
	Monitor       MonitorConfig         `yaml:"monitor" toml:"monitor"`
	Auth          AuthConfig            `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig       `yaml:"rate_limit" toml:"rate_limit"`
	Coins         map[string]CoinConfig `yaml:"coins" toml:"coins"`
	Notify        NotifyConfig          `yaml:"notify" toml:"notify"`
	Staking       StakingConfig         `yaml:"staking" toml:"staking"`
	Logging       LoggingConfig         `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig       `yaml:"telemetry" toml:"telemetry"`
	Audit         AuditConfig           `yaml:"audit" toml:"audit"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver  string `yaml:"driver" toml:"driver"`
	Path    string `yaml:"path" toml:"path"`
	DSN     string `yaml:"dsn" toml:"dsn"`
	DSNEnv  string `yaml:"dsn_env" toml:"dsn_env"`
	DSNFile string `yaml:"dsn_file" toml:"dsn_file"`
}

// RedisConfig enables the distributed escrow lock when Addr is set.
type RedisConfig struct {
	Addr        string   `yaml:"addr" toml:"addr"`
	Password    string   `yaml:"password" toml:"password"`
	PasswordEnv string   `yaml:"password_env" toml:"password_env"`
	DB          int      `yaml:"db" toml:"db"`
	Prefix      string   `yaml:"prefix" toml:"prefix"`
	LockTTL     Duration `yaml:"lock_ttl" toml:"lock_ttl"`
}

// MonitorConfig tunes the funding monitor.
type MonitorConfig struct {
	Interval     Duration `yaml:"interval" toml:"interval"`
	CallTimeout  Duration `yaml:"call_timeout" toml:"call_timeout"`
	AbandonAfter Duration `yaml:"abandon_after" toml:"abandon_after"`
}

// AuthConfig configures bearer token verification for the API.
type AuthConfig struct {
	HMACSecret     string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	HMACSecretFile string   `yaml:"hmac_secret_file" toml:"hmac_secret_file"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       string   `yaml:"audience" toml:"audience"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// RateLimitConfig throttles API clients.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps" toml:"rps"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// CoinConfig enables one coin and points it at its chain services.
type CoinConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	EscrowFee      string   `yaml:"escrow_fee" toml:"escrow_fee"`
	FeeAddress     string   `yaml:"fee_address" toml:"fee_address"`
	FixedFeeRate   int64    `yaml:"fixed_fee_rate" toml:"fixed_fee_rate"`
	ExplorerURL    string   `yaml:"explorer_url" toml:"explorer_url"`
	FeeOracleURL   string   `yaml:"fee_oracle_url" toml:"fee_oracle_url"`
	NodeURL        string   `yaml:"node_url" toml:"node_url"`
	APIKey         string   `yaml:"api_key" toml:"api_key"`
	APIKeyEnv      string   `yaml:"api_key_env" toml:"api_key_env"`
	PrivateKey     string   `yaml:"private_key" toml:"private_key"`
	PrivateKeyEnv  string   `yaml:"private_key_env" toml:"private_key_env"`
	PrivateKeyFile string   `yaml:"private_key_file" toml:"private_key_file"`
	Contract       string   `yaml:"contract" toml:"contract"`
	Confirmations  int64    `yaml:"confirmations" toml:"confirmations"`
	RequestsPerSec float64  `yaml:"rps" toml:"rps"`
	Burst          int      `yaml:"burst" toml:"burst"`
	Timeout        Duration `yaml:"timeout" toml:"timeout"`
}

// Fee returns the parsed flat escrow fee.
func (c CoinConfig) Fee() decimal.Decimal {
	fee, err := decimal.NewFromString(strings.TrimSpace(c.EscrowFee))
	if err != nil {
		return decimal.Zero
	}
	return fee
}

// NotifyConfig lists the event sinks.
type NotifyConfig struct {
	Webhook WebhookConfig `yaml:"webhook" toml:"webhook"`
	NATS    NATSConfig    `yaml:"nats" toml:"nats"`
}

// WebhookConfig configures signed webhook delivery.
type WebhookConfig struct {
	URL        string   `yaml:"url" toml:"url"`
	Secret     string   `yaml:"secret" toml:"secret"`
	SecretEnv  string   `yaml:"secret_env" toml:"secret_env"`
	QueueSize  int      `yaml:"queue_size" toml:"queue_size"`
	TTL        Duration `yaml:"ttl" toml:"ttl"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
	MaxRetries int      `yaml:"max_retries" toml:"max_retries"`
}

// NATSConfig publishes events to a NATS server when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// StakingConfig drives the Tron energy staking job.
type StakingConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Interval Duration `yaml:"interval" toml:"interval"`
}

// LoggingConfig enables file output with rotation when File is set.
type LoggingConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig mirrors the OpenTelemetry exporter options.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	// SampleRatio in (0,1) enables ratio sampling; anything else samples all.
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// AuditConfig schedules periodic parquet exports when Dir is set.
type AuditConfig struct {
	Dir      string   `yaml:"dir" toml:"dir"`
	Interval Duration `yaml:"interval" toml:"interval"`
	Window   Duration `yaml:"window" toml:"window"`
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8085"
	}
	if env := strings.TrimSpace(os.Getenv("ESCROWD_ENV")); env != "" {
		cfg.Environment = env
	}
	if cfg.PayoutTimeout.Duration == 0 {
		cfg.PayoutTimeout.Duration = 2 * time.Minute
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" && cfg.Database.DSN == "" {
		cfg.Database.Path = "escrowd.db"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "escrowd:lock:"
	}
	if cfg.Redis.LockTTL.Duration == 0 {
		cfg.Redis.LockTTL.Duration = cfg.PayoutTimeout.Duration + time.Minute
	}
	if cfg.Monitor.Interval.Duration == 0 {
		cfg.Monitor.Interval.Duration = 60 * time.Second
	}
	if cfg.Monitor.CallTimeout.Duration == 0 {
		cfg.Monitor.CallTimeout.Duration = 20 * time.Second
	}
	if cfg.Monitor.AbandonAfter.Duration == 0 {
		cfg.Monitor.AbandonAfter.Duration = escrow.DefaultAbandonAfter
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Notify.NATS.SubjectPrefix == "" {
		cfg.Notify.NATS.SubjectPrefix = "escrowd"
	}
	if cfg.Staking.Interval.Duration == 0 {
		cfg.Staking.Interval.Duration = 6 * time.Hour
	}
	if cfg.Audit.Interval.Duration == 0 {
		cfg.Audit.Interval.Duration = 24 * time.Hour
	}
	if cfg.Audit.Window.Duration == 0 {
		cfg.Audit.Window.Duration = 24 * time.Hour
	}
	if cfg.Coins == nil {
		cfg.Coins = map[string]CoinConfig{}
	}
	normalized := make(map[string]CoinConfig, len(cfg.Coins))
	for symbol, coin := range cfg.Coins {
		if coin.Timeout.Duration == 0 {
			coin.Timeout.Duration = 15 * time.Second
		}
		if coin.RequestsPerSec == 0 {
			coin.RequestsPerSec = 2
		}
		if coin.Burst == 0 {
			coin.Burst = 2
		}
		if strings.TrimSpace(coin.EscrowFee) == "" {
			coin.EscrowFee = "0"
		}
		normalized[strings.ToLower(strings.TrimSpace(symbol))] = coin
	}
	cfg.Coins = normalized
}

func (cfg *Config) resolveSecrets() error {
	var err error
	if cfg.Database.DSN, err = resolveSecret("database.dsn", cfg.Database.DSN, cfg.Database.DSNEnv, cfg.Database.DSNFile); err != nil {
		return err
	}
	if cfg.Redis.Password, err = resolveSecret("redis.password", cfg.Redis.Password, cfg.Redis.PasswordEnv, ""); err != nil {
		return err
	}
	if cfg.Auth.HMACSecret, err = resolveSecret("auth.hmac_secret", cfg.Auth.HMACSecret, cfg.Auth.HMACSecretEnv, cfg.Auth.HMACSecretFile); err != nil {
		return err
	}
	if cfg.Notify.Webhook.Secret, err = resolveSecret("notify.webhook.secret", cfg.Notify.Webhook.Secret, cfg.Notify.Webhook.SecretEnv, ""); err != nil {
		return err
	}
	for symbol, coin := range cfg.Coins {
		if coin.PrivateKey, err = resolveSecret("coins."+symbol+".private_key", coin.PrivateKey, coin.PrivateKeyEnv, coin.PrivateKeyFile); err != nil {
			return err
		}
		if coin.APIKey, err = resolveSecret("coins."+symbol+".api_key", coin.APIKey, coin.APIKeyEnv, ""); err != nil {
			return err
		}
		cfg.Coins[symbol] = coin
	}
	return nil
}

// resolveSecret returns the inline value or the one referenced by env or file.
// Empty results are allowed; validation decides what is mandatory.
func resolveSecret(field, value, env, file string) (string, error) {
	if value = strings.TrimSpace(value); value != "" {
		return value, nil
	}
	if env = strings.TrimSpace(env); env != "" {
		resolved := strings.TrimSpace(os.Getenv(env))
		if resolved == "" {
			return "", fmt.Errorf("%s: environment variable %s is empty", field, env)
		}
		return resolved, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("%s: read %s: %w", field, file, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func validateConfig(cfg Config) error {
	var errs []error
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be sqlite or postgres", cfg.Database.Driver))
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn must be configured for postgres"))
	}
	if len(cfg.Auth.HMACSecret) < 32 {
		errs = append(errs, errors.New("auth.hmac_secret must be at least 32 bytes"))
	}
	if cfg.Redis.Addr != "" && cfg.Redis.LockTTL.Duration <= cfg.PayoutTimeout.Duration {
		errs = append(errs, errors.New("redis.lock_ttl must exceed payout_timeout"))
	}
	enabled := 0
	for _, symbol := range cfg.coinSymbols() {
		coinCfg := cfg.Coins[symbol]
		if !coinCfg.Enabled {
			continue
		}
		enabled++
		coin, err := escrow.ParseCoin(symbol)
		if err != nil {
			errs = append(errs, fmt.Errorf("coins.%s: %w", symbol, err))
			continue
		}
		if _, err := decimal.NewFromString(coinCfg.EscrowFee); err != nil || coinCfg.Fee().Sign() < 0 {
			errs = append(errs, fmt.Errorf("coins.%s.escrow_fee %q is not a non-negative amount", symbol, coinCfg.EscrowFee))
		}
		switch coin.Settlement() {
		case escrow.SettlementDedicated:
			if strings.TrimSpace(coinCfg.ExplorerURL) == "" {
				errs = append(errs, fmt.Errorf("coins.%s.explorer_url must be configured", symbol))
			}
			if strings.TrimSpace(coinCfg.FeeAddress) == "" {
				errs = append(errs, fmt.Errorf("coins.%s.fee_address must be configured", symbol))
			}
		default:
			if coinCfg.PrivateKey == "" {
				errs = append(errs, fmt.Errorf("coins.%s.private_key must be configured", symbol))
			}
		}
		if coin == escrow.CoinETH && strings.TrimSpace(coinCfg.NodeURL) == "" {
			errs = append(errs, fmt.Errorf("coins.%s.node_url must be configured", symbol))
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("at least one coin must be enabled"))
	}
	if cfg.Staking.Enabled && !cfg.Coins[escrow.CoinUSDT.String()].Enabled {
		errs = append(errs, errors.New("staking requires coins.usdt to be enabled"))
	}
	return errors.Join(errs...)
}

func (cfg Config) coinSymbols() []string {
	symbols := make([]string, 0, len(cfg.Coins))
	for symbol := range cfg.Coins {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// EnabledCoins lists the enabled coin symbols in lexical order.
func (cfg Config) EnabledCoins() []string {
	var out []string
	for _, symbol := range cfg.coinSymbols() {
		if cfg.Coins[symbol].Enabled {
			out = append(out, symbol)
		}
	}
	return out
}
