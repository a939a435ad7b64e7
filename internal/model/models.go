package model

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a market order on a pair.
type Side string

const (
	// Buy spends the quote currency to acquire the base currency at the ask.
	Buy Side = "buy"
	// Sell spends the base currency to acquire the quote currency at the bid.
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Ticker represents the best bid/ask of one symbol on an exchange.
type Ticker struct {
	Exchange  string
	Symbol    string
	Bid       float64
	Ask       float64
	UpdatedAt time.Time
}

// PriceFor returns the executable price for the side: ask when buying, bid when selling.
func (t Ticker) PriceFor(side Side) float64 {
	if side == Buy {
		return t.Ask
	}
	return t.Bid
}

// Market is a tradable pair on a venue, rebuilt from venue metadata on every refresh.
type Market struct {
	Exchange        string
	Symbol          string
	Base            string
	Quote           string
	Active          bool
	AmountPrecision int32
	MinNotional     float64
	MinAmount       float64
}

// Edge is one directional conversion through a market.
type Edge struct {
	From     string
	To       string
	Symbol   string
	Side     Side
	Exchange string
}

// Route is a closed walk of edges starting and ending at the same currency.
type Route []Edge

// Len returns the number of legs.
func (r Route) Len() int { return len(r) }

// Valid reports whether the route is a chained cycle anchored at base.
func (r Route) Valid(base string) bool {
	if len(r) == 0 || r[0].From != base || r[len(r)-1].To != base {
		return false
	}
	for i := 0; i < len(r)-1; i++ {
		if r[i].To != r[i+1].From {
			return false
		}
	}
	return true
}

// String renders the currency chain, e.g. USDT→BTC→ETH→USDT.
func (r Route) String() string {
	if len(r) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(r[0].From)
	for _, e := range r {
		b.WriteString("→")
		b.WriteString(e.To)
	}
	return b.String()
}

// Symbols lists the leg symbols with their sides, e.g. "BTCUSDT:buy ETHBTC:buy".
func (r Route) Symbols() string {
	parts := make([]string, len(r))
	for i, e := range r {
		parts[i] = e.Symbol + ":" + string(e.Side)
	}
	return strings.Join(parts, " ")
}

// Key identifies the route by its edge set, independent of traversal order.
func (r Route) Key() string {
	parts := make([]string, len(r))
	for i, e := range r {
		parts[i] = e.Exchange + "/" + e.Symbol + ":" + string(e.Side)
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// Evaluation is the simulated outcome of a route at a given notional.
// NetPct is always GrossPct - FeePct.
type Evaluation struct {
	Route    Route
	GrossPct float64
	NetPct   float64
	FeePct   float64
	Length   int
}

// OrderResult is what a venue reports back for a submitted market order.
type OrderResult struct {
	OrderID      string          `json:"order_id"`
	Status       string          `json:"status"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
}

// Fill records one executed leg.
type Fill struct {
	Symbol string          `json:"symbol"`
	Side   Side            `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	Price  float64         `json:"price"`
	Order  OrderResult     `json:"order_result"`
}

// ExecutionReport is the outcome of executing a route. Where names the symbol of the aborted leg.
type ExecutionReport struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Where  string `json:"where,omitempty"`
	Fills  []Fill `json:"fills"`
	// Final is the base-currency amount held after the last executed leg.
	Final float64 `json:"final"`
}

// FeeSettlement is the outcome of transferring the commission on a realized profit.
type FeeSettlement struct {
	OK         bool            `json:"ok"`
	Reason     string          `json:"reason,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	TransferID string          `json:"transfer_id,omitempty"`
}
