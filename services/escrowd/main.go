package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"p2pescrow/native/escrow"
	"p2pescrow/observability"
	"p2pescrow/observability/logging"
	telemetry "p2pescrow/observability/otel"
	"p2pescrow/services/escrowd/adapters"
	"p2pescrow/services/escrowd/audit"
	"p2pescrow/services/escrowd/config"
	"p2pescrow/services/escrowd/monitor"
	"p2pescrow/services/escrowd/notify"
	"p2pescrow/services/escrowd/server"
	"p2pescrow/services/escrowd/storage"
	"p2pescrow/services/escrowd/wallet/tron"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/escrowd/config.yaml", "path to escrowd configuration (yaml or toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.SetupWithFile("escrowd", cfg.Environment, logging.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	built, err := (&adapters.Registry{Ledger: store, Testnet: cfg.Testnet}).BuildAll(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}
	defer built.Close()

	engine := escrow.NewEngine(store, built.Adapters)
	engine.SetLogger(logger)
	engine.SetAdmins(cfg.Admins)
	engine.SetPayoutTimeout(cfg.PayoutTimeout.Duration)

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		engine.SetLocker(storage.NewRedisLocker(client, cfg.Redis.Prefix, cfg.Redis.LockTTL.Duration))
		logger.Info("distributed escrow locks enabled", slog.String("redis", addr))
	}

	var workers sync.WaitGroup
	spawn := func(fn func()) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn()
		}()
	}

	hub := notify.NewHub(0)
	emitters := escrow.MultiEmitter{
		hub,
		escrow.EmitterFunc(observability.Escrowd().RecordEvent),
	}
	if cfg.Notify.Webhook.URL != "" {
		webhook, err := notify.NewWebhook(notify.WebhookOptions{
			URL:         cfg.Notify.Webhook.URL,
			Secret:      cfg.Notify.Webhook.Secret,
			Client:      &http.Client{Timeout: cfg.Notify.Webhook.Timeout.Duration},
			Queue:       notify.NewQueue(notify.WithQueueCapacity(cfg.Notify.Webhook.QueueSize), notify.WithQueueTTL(cfg.Notify.Webhook.TTL.Duration)),
			MaxAttempts: cfg.Notify.Webhook.MaxRetries,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		emitters = append(emitters, webhook)
		spawn(func() { webhook.Run(ctx) })
	}
	if cfg.Notify.NATS.URL != "" {
		conn, err := notify.DialNATS(cfg.Notify.NATS.URL, "escrowd")
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer conn.Drain()
		emitters = append(emitters, notify.NewNATSPublisher(conn, cfg.Notify.NATS.SubjectPrefix, logger))
	}
	engine.SetEmitter(emitters)

	mon := monitor.New(engine, store, built.Adapters, monitor.Options{
		Interval:     cfg.Monitor.Interval.Duration,
		CallTimeout:  cfg.Monitor.CallTimeout.Duration,
		AbandonAfter: cfg.Monitor.AbandonAfter.Duration,
		Logger:       logger,
		Metrics:      observability.Escrowd(),
	})
	engine.SetWatcher(mon)
	spawn(func() {
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("funding monitor stopped", slog.Any("error", err))
		}
	})

	if cfg.Staking.Enabled && built.Tron != nil {
		staker := tron.NewStaker(built.Tron, cfg.Staking.Interval.Duration, logger)
		spawn(func() { staker.Run(ctx) })
	}

	if cfg.Audit.Dir != "" {
		exporter, err := audit.NewExporter(audit.Config{
			Source:    engine,
			OutputDir: cfg.Audit.Dir,
			Window:    cfg.Audit.Window.Duration,
			Interval:  cfg.Audit.Interval.Duration,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		spawn(func() { exporter.Run(ctx) })
	}

	api, err := server.New(server.Config{
		Engine: engine,
		Hub:    hub,
		Health: store.Ping,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		},
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		RateLimit:      cfg.RateLimit.RequestsPerSecond,
		RateBurst:      cfg.RateLimit.Burst,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.PayoutTimeout.Duration + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.Any("coins", built.Adapters.Coins()))
		errs <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	workers.Wait()
	logger.Info("escrowd stopped")
	return serveErr
}

func openStore(cfg config.DatabaseConfig) (*storage.Store, error) {
	dsn := cfg.DSN
	if dsn == "" && (cfg.Driver == "" || strings.EqualFold(cfg.Driver, "sqlite")) {
		var err error
		if dsn, err = storage.FileDSN(cfg.Path); err != nil {
			return nil, err
		}
	}
	store, err := storage.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}
