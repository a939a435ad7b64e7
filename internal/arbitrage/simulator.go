package arbitrage

import (
	"math"

	"cyclearb/internal/model"
)

// PriceFunc quotes the executable price of a symbol for a side. ok is false when no price is known.
type PriceFunc func(symbol string, side model.Side) (price float64, ok bool)

// TickerPrices adapts a ticker snapshot to a PriceFunc.
func TickerPrices(tickers map[string]model.Ticker) PriceFunc {
	return func(symbol string, side model.Side) (float64, bool) {
		t, ok := tickers[symbol]
		if !ok {
			return 0, false
		}
		p := t.PriceFor(side)
		return p, p > 0
	}
}

// FeeTable maps an exchange name to its taker fee percentage.
type FeeTable map[string]float64

// TakerPct returns the taker fee for an exchange, falling back to the "default" entry.
func (f FeeTable) TakerPct(exchange string) float64 {
	if pct, ok := f[exchange]; ok {
		return pct
	}
	return f["default"]
}

// Simulator computes the return of a route before any capital is committed.
type Simulator struct {
	Fees        FeeTable
	SlippagePct float64
	Notional    float64
}

// Simulate walks the route at the quoted prices. Gross return is the raw compounding return;
// the cost of the route is the taker fee plus the slippage allowance of every leg, and net
// return is gross minus that cost. It returns false when any leg cannot be priced.
func (s Simulator) Simulate(route model.Route, price PriceFunc) (model.Evaluation, bool) {
	start := s.Notional
	if start <= 0 {
		start = 1
	}
	amount := start
	costPct := 0.0
	for _, e := range route {
		p, ok := price(e.Symbol, e.Side)
		if !ok || p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return model.Evaluation{}, false
		}
		if e.Side == model.Buy {
			amount /= p
		} else {
			amount *= p
		}
		costPct += s.Fees.TakerPct(e.Exchange) + s.SlippagePct
	}
	gross := (amount/start - 1) * 100
	return model.Evaluation{
		Route:    route,
		GrossPct: gross,
		NetPct:   gross - costPct,
		FeePct:   costPct,
		Length:   len(route),
	}, true
}
