package exchange

import (
	"fmt"
	"log/slog"
	"net/http"

	"cyclearb/internal/config"

	"github.com/shopspring/decimal"
)

// Credentials are the per-subject API keys for a venue.
type Credentials struct {
	APIKey    string
	APISecret string
}

// NewClient creates a new exchange client based on the given name and configuration.
// The shared book, when non-nil, serves fresh streamed prices before falling back to REST.
func NewClient(name string, logger *slog.Logger, cfg *config.ExchangeConfig, creds Credentials, book *PriceBook) (ExchangeClient, error) {
	switch name {
	case "binance":
		opts := []Option{WithCredentials(creds.APIKey, creds.APISecret)}
		if cfg.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.BaseURL))
		}
		if cfg.WSURL != "" {
			opts = append(opts, WithWSURL(cfg.WSURL))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
		}
		if book != nil {
			opts = append(opts, WithPriceBook(book))
		}
		client := NewBinanceClient(logger, opts...)
		if cfg.DryRun {
			return NewPaperClient(logger, client, paperSeed(cfg.PaperBalances)), nil
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", name)
	}
}

func paperSeed(balances map[string]float64) map[string]decimal.Decimal {
	seed := make(map[string]decimal.Decimal, len(balances))
	for asset, amount := range balances {
		seed[asset] = decimal.NewFromFloat(amount)
	}
	return seed
}
