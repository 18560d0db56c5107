package adapters

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"

	"p2pescrow/native/escrow"
	"p2pescrow/services/escrowd/config"
	"p2pescrow/services/escrowd/wallet"
	"p2pescrow/services/escrowd/wallet/ethereum"
	"p2pescrow/services/escrowd/wallet/tron"
	"p2pescrow/services/escrowd/wallet/utxo"
)

const dogeFeeRate escrow.FeeRate = 1000

// Registry constructs coin adapters based on configuration.
type Registry struct {
	// HTTPClient overrides the per-coin instrumented client, mainly in tests.
	HTTPClient wallet.HTTPDoer
	Ledger     escrow.ClaimLedger
	Testnet    bool
	// DialETH overrides the JSON-RPC dialer.
	DialETH func(ctx context.Context, url string) (ethereum.EthClient, error)
}

// Built is the outcome of BuildAll. Tron is set when USDT is enabled so the
// caller can run the energy staker against it.
type Built struct {
	Adapters *escrow.Registry
	Tron     *tron.Adapter
	closers  []func()
}

// Close releases RPC connections held by the adapters.
func (b *Built) Close() {
	for _, c := range b.closers {
		c()
	}
}

// BuildAll creates one instrumented adapter for every enabled coin.
func (r *Registry) BuildAll(ctx context.Context, cfg config.Config) (*Built, error) {
	out := &Built{Adapters: escrow.NewRegistry()}
	for _, symbol := range cfg.EnabledCoins() {
		coin, err := escrow.ParseCoin(symbol)
		if err != nil {
			out.Close()
			return nil, err
		}
		adapter, err := r.Build(ctx, coin, cfg.Coins[symbol], out)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("coin %s: %w", symbol, err)
		}
		out.Adapters.Register(Instrument(adapter))
	}
	return out, nil
}

// Build creates the adapter for coin from the supplied configuration.
func (r *Registry) Build(ctx context.Context, coin escrow.Coin, cfg config.CoinConfig, out *Built) (escrow.Adapter, error) {
	client := wallet.NewClient(label(cfg.ExplorerURL, coin.String()), r.client(cfg), cfg.RequestsPerSec, cfg.Burst)
	switch coin {
	case escrow.CoinBTC, escrow.CoinBCH, escrow.CoinLTC, escrow.CoinDOGE:
		return r.buildUTXO(coin, cfg, client)
	case escrow.CoinETH:
		return r.buildETH(ctx, cfg, client, out)
	case escrow.CoinUSDT:
		return r.buildTron(cfg, client, out)
	default:
		return nil, fmt.Errorf("%w: %s", escrow.ErrUnsupportedCoin, coin)
	}
}

func (r *Registry) buildUTXO(coin escrow.Coin, cfg config.CoinConfig, client *wallet.Client) (escrow.Adapter, error) {
	network, err := utxo.NetworkFor(coin, r.Testnet)
	if err != nil {
		return nil, err
	}
	opts := utxo.Options{
		Network:      network,
		Chain:        utxo.NewEsplora(client, cfg.ExplorerURL),
		FixedFeeRate: escrow.FeeRate(cfg.FixedFeeRate),
		EscrowFee:    cfg.Fee(),
		FeeAddress:   cfg.FeeAddress,
	}
	if opts.FixedFeeRate <= 0 && coin == escrow.CoinDOGE {
		opts.FixedFeeRate = dogeFeeRate
	}
	if coin == escrow.CoinBTC || strings.TrimSpace(cfg.FeeOracleURL) != "" {
		opts.Fees = utxo.NewMempoolFees(client, cfg.FeeOracleURL)
	}
	return utxo.NewAdapter(opts)
}

func (r *Registry) buildETH(ctx context.Context, cfg config.CoinConfig, client *wallet.Client, out *Built) (escrow.Adapter, error) {
	dial := r.DialETH
	if dial == nil {
		dial = dialETH(out)
	}
	rpc, err := dial(ctx, cfg.NodeURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	return ethereum.NewAdapter(ethereum.Options{
		Explorer:      ethereum.NewEtherscan(client, cfg.ExplorerURL, cfg.APIKey),
		Client:        rpc,
		Ledger:        r.Ledger,
		PrivateKey:    cfg.PrivateKey,
		EscrowFee:     cfg.Fee(),
		Confirmations: cfg.Confirmations,
	})
}

func dialETH(out *Built) func(ctx context.Context, url string) (ethereum.EthClient, error) {
	return func(ctx context.Context, url string) (ethereum.EthClient, error) {
		rpc, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, err
		}
		out.closers = append(out.closers, rpc.Close)
		return rpc, nil
	}
}

func (r *Registry) buildTron(cfg config.CoinConfig, client *wallet.Client, out *Built) (escrow.Adapter, error) {
	client.SetHeader("TRON-PRO-API-KEY", cfg.APIKey)
	adapter, err := tron.NewAdapter(tron.Options{
		Explorer:   tron.NewTronscan(client, cfg.ExplorerURL),
		Node:       tron.NewGrid(client, cfg.NodeURL),
		Ledger:     r.Ledger,
		PrivateKey: cfg.PrivateKey,
		Contract:   cfg.Contract,
		EscrowFee:  cfg.Fee(),
	})
	if err != nil {
		return nil, err
	}
	out.Tron = adapter
	return adapter, nil
}

func (r *Registry) client(cfg config.CoinConfig) wallet.HTTPDoer {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return wallet.NewHTTPClient(cfg.Timeout.Duration)
}

func label(endpoint, fallback string) string {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return fallback
	}
	if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return fallback
}
