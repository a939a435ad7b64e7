package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cyclearb/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperClient fills orders against an upstream venue's live prices without sending them.
// Balances live in memory and start from the seed passed at construction.
type PaperClient struct {
	logger   *slog.Logger
	upstream ExchangeClient

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	markets  map[string]model.Market
}

// NewPaperClient wraps upstream for dry runs.
func NewPaperClient(logger *slog.Logger, upstream ExchangeClient, seed map[string]decimal.Decimal) *PaperClient {
	balances := make(map[string]decimal.Decimal, len(seed))
	for asset, amount := range seed {
		balances[asset] = amount
	}
	return &PaperClient{
		logger:   logger,
		upstream: upstream,
		balances: balances,
	}
}

func (p *PaperClient) GetName() string {
	return p.upstream.GetName()
}

func (p *PaperClient) LoadMarkets(ctx context.Context) (map[string]model.Market, error) {
	markets, err := p.upstream.LoadMarkets(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.markets = markets
	p.mu.Unlock()
	return markets, nil
}

func (p *PaperClient) Tickers(ctx context.Context) (map[string]model.Ticker, error) {
	return p.upstream.Tickers(ctx)
}

func (p *PaperClient) Price(ctx context.Context, symbol string, side model.Side) (float64, error) {
	return p.upstream.Price(ctx, symbol, side)
}

func (p *PaperClient) Balance(_ context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset], nil
}

// SubmitMarketOrder fills the whole amount at the current upstream price.
func (p *PaperClient) SubmitMarketOrder(ctx context.Context, symbol string, side model.Side, amount decimal.Decimal) (model.OrderResult, error) {
	m, err := p.market(ctx, symbol)
	if err != nil {
		return model.OrderResult{}, err
	}
	px, err := p.upstream.Price(ctx, symbol, side)
	if err != nil {
		return model.OrderResult{}, err
	}
	price := decimal.NewFromFloat(px)
	value := amount.Mul(price)

	p.mu.Lock()
	defer p.mu.Unlock()
	if side == model.Buy {
		if p.balances[m.Quote].LessThan(value) {
			return model.OrderResult{}, fmt.Errorf("paper: insufficient %s balance: have %s, need %s", m.Quote, p.balances[m.Quote], value)
		}
		p.balances[m.Quote] = p.balances[m.Quote].Sub(value)
		p.balances[m.Base] = p.balances[m.Base].Add(amount)
	} else {
		if p.balances[m.Base].LessThan(amount) {
			return model.OrderResult{}, fmt.Errorf("paper: insufficient %s balance: have %s, need %s", m.Base, p.balances[m.Base], amount)
		}
		p.balances[m.Base] = p.balances[m.Base].Sub(amount)
		p.balances[m.Quote] = p.balances[m.Quote].Add(value)
	}

	p.logger.Info("PaperClient: filled market order", "symbol", symbol, "side", side, "amount", amount.String(), "price", px)
	return model.OrderResult{
		OrderID:      uuid.NewString(),
		Status:       "FILLED",
		FilledAmount: amount,
		AvgPrice:     price,
	}, nil
}

func (p *PaperClient) Transfer(_ context.Context, asset string, amount decimal.Decimal, destination string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balances[asset].LessThan(amount) {
		return "", fmt.Errorf("paper: insufficient %s balance for transfer: %w", asset, ErrRejected)
	}
	p.balances[asset] = p.balances[asset].Sub(amount)
	p.logger.Info("PaperClient: transfer", "asset", asset, "amount", amount.String(), "destination", destination)
	return "paper-" + uuid.NewString(), nil
}

// CheckCredentials always succeeds: no keys are used.
func (p *PaperClient) CheckCredentials(context.Context) error {
	return nil
}

func (p *PaperClient) market(ctx context.Context, symbol string) (model.Market, error) {
	p.mu.Lock()
	m, ok := p.markets[symbol]
	p.mu.Unlock()
	if ok {
		return m, nil
	}
	markets, err := p.LoadMarkets(ctx)
	if err != nil {
		return model.Market{}, err
	}
	if m, ok = markets[symbol]; !ok {
		return model.Market{}, fmt.Errorf("paper: unknown symbol %s", symbol)
	}
	return m, nil
}
