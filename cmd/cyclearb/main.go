package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cyclearb/internal/api"
	"cyclearb/internal/arbitrage"
	"cyclearb/internal/config"
	"cyclearb/internal/database"
	"cyclearb/internal/exchange"
	"cyclearb/internal/logging"
	"cyclearb/internal/model"
	"cyclearb/internal/notify"

	"github.com/jackc/pgx/v5/pgxpool"
)

var configDir = flag.String("config", ".", "Directory containing config.yaml")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	if err := run(logger, &cfg); err != nil {
		logger.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	repo := database.NewPostgresRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	books := startStreams(ctx, logger, cfg)
	newVenue := func(account model.Account) (exchange.ExchangeClient, error) {
		exCfg, ok := cfg.Exchanges[account.Exchange]
		if !ok {
			return nil, fmt.Errorf("exchange %q is not configured", account.Exchange)
		}
		creds := exchange.Credentials{APIKey: account.APIKey, APISecret: account.APISecret}
		return exchange.NewClient(account.Exchange, logger, &exCfg, creds, books[account.Exchange])
	}

	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(logger, cfg.Telegram.BotToken, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			return fmt.Errorf("init telegram: %w", err)
		}
		notifier = tg
		logger.Info("Telegram notifications enabled")
	}

	settings := arbitrage.SettingsFromConfig(cfg)
	registry := arbitrage.NewRegistry(logger, repo, notifier, settings, newVenue, nil)
	if _, err := registry.Resume(ctx); err != nil {
		return fmt.Errorf("resume loops: %w", err)
	}

	settler := arbitrage.NewSettler(logger, repo, newVenue, settings)
	if err := settler.Start(cfg.Arbitrage.Commission.SweepSchedule); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           api.NewHandler(registry, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting control server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		logger.Error("Control server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Control server shutdown failed", "error", err)
	}
	<-settler.Stop().Done()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stop loops: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// startStreams opens one market data stream per configured venue that supports it.
// The returned books are shared by every subject trading on that venue.
func startStreams(ctx context.Context, logger *slog.Logger, cfg *config.Config) map[string]*exchange.PriceBook {
	books := make(map[string]*exchange.PriceBook)
	for name, exCfg := range cfg.Exchanges {
		if exCfg.WSURL == "" {
			continue
		}
		// Market data needs no credentials and never goes through the paper wallet.
		streamCfg := exCfg
		streamCfg.DryRun = false
		client, err := exchange.NewClient(name, logger, &streamCfg, exchange.Credentials{}, nil)
		if err != nil {
			logger.Warn("No market data stream", "exchange", name, "error", err)
			continue
		}
		streamer, ok := client.(exchange.Streamer)
		if !ok {
			continue
		}
		book := exchange.NewPriceBook(exCfg.StaleAfter)
		books[name] = book
		go func() {
			if err := streamer.StartStream(ctx, book); err != nil {
				logger.Error("Market data stream stopped", "exchange", name, "error", err)
			}
		}()
	}
	return books
}
