package arbitrage

import (
	"context"
	"fmt"
	"time"

	"cyclearb/internal/exchange"
	"cyclearb/internal/model"

	"github.com/shopspring/decimal"
)

// Validator checks every leg of a route against the venue's trading rules.
type Validator struct {
	Markets map[string]model.Market
}

// Validate converts the notional through the route at raw prices and fails on the
// first leg whose quote value is below the minimum notional or whose base amount is
// below the minimum tradable amount. The error is a *ConstraintError.
func (v Validator) Validate(route model.Route, price PriceFunc, notional float64) error {
	running := notional
	for i, e := range route {
		m, ok := v.Markets[e.Symbol]
		if !ok {
			return &ConstraintError{Leg: i, Symbol: e.Symbol, Reason: ReasonNoMarket}
		}
		p, ok := price(e.Symbol, e.Side)
		if !ok || p <= 0 {
			return &ConstraintError{Leg: i, Symbol: e.Symbol, Reason: ReasonNoPrice}
		}

		var legNotional, amount float64
		if e.Side == model.Buy {
			legNotional = running
			amount = running / p
			running = amount
		} else {
			amount = running
			legNotional = running * p
			running = legNotional
		}

		if m.MinNotional > 0 && legNotional < m.MinNotional {
			return &ConstraintError{Leg: i, Symbol: e.Symbol, Reason: ReasonMinNotional, Value: legNotional, Limit: m.MinNotional}
		}
		if m.MinAmount > 0 && amount < m.MinAmount {
			return &ConstraintError{Leg: i, Symbol: e.Symbol, Reason: ReasonMinAmount, Value: amount, Limit: m.MinAmount}
		}
	}
	return nil
}

// ReservePolicy keeps a fee-discount asset above a minimum balance.
type ReservePolicy struct {
	Enabled       bool
	Asset         string
	Symbol        string
	MinAmount     float64
	TopUpNotional float64
}

// EnsureReserve buys TopUpNotional worth of the reserve asset when its balance is below
// MinAmount. It reports whether a top-up order was submitted.
func EnsureReserve(ctx context.Context, venue exchange.ExchangeClient, policy ReservePolicy, markets map[string]model.Market, timeout time.Duration) (bool, error) {
	if !policy.Enabled {
		return false, nil
	}

	callCtx, cancel := callContext(ctx, timeout)
	balance, err := venue.Balance(callCtx, policy.Asset)
	cancel()
	if err != nil {
		return false, fmt.Errorf("reserve balance %s: %w", policy.Asset, err)
	}
	if balance.GreaterThanOrEqual(decimal.NewFromFloat(policy.MinAmount)) {
		return false, nil
	}

	callCtx, cancel = callContext(ctx, timeout)
	p, err := venue.Price(callCtx, policy.Symbol, model.Buy)
	cancel()
	if err != nil || p <= 0 {
		return false, fmt.Errorf("reserve price %s: %w", policy.Symbol, ErrNoPrice)
	}

	amount := roundDown(policy.TopUpNotional/p, markets[policy.Symbol].AmountPrecision)
	if !amount.IsPositive() {
		return false, fmt.Errorf("reserve top-up for %s rounds to zero", policy.Symbol)
	}

	callCtx, cancel = callContext(ctx, timeout)
	defer cancel()
	if _, err := venue.SubmitMarketOrder(callCtx, policy.Symbol, model.Buy, amount); err != nil {
		return false, fmt.Errorf("reserve top-up %s: %w", policy.Symbol, err)
	}
	return true, nil
}

func roundDown(x float64, precision int32) decimal.Decimal {
	return decimal.NewFromFloat(x).RoundDown(precision)
}

// callContext bounds a single venue call. A non-positive timeout leaves ctx unchanged.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
