package arbitrage

import (
	"context"
	"log/slog"
	"time"

	"cyclearb/internal/exchange"
	"cyclearb/internal/model"

	"github.com/shopspring/decimal"
)

// feeAmountPlaces bounds the precision of commission transfers.
const feeAmountPlaces = 8

var hundred = decimal.NewFromInt(100)

// Executor submits the legs of a validated route as market orders.
type Executor struct {
	Venue       exchange.ExchangeClient
	Markets     map[string]model.Market
	Fees        FeeTable
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Execute runs the legs strictly in order; leg i+1 is only priced once leg i's order has
// returned. The first failing leg aborts the route. Legs already filled are not unwound:
// the report records exactly how far execution got.
func (x *Executor) Execute(ctx context.Context, route model.Route, notional float64) model.ExecutionReport {
	report := model.ExecutionReport{Fills: []model.Fill{}}
	running := decimal.NewFromFloat(notional)

	abort := func(reason, symbol string) model.ExecutionReport {
		report.Reason = reason
		report.Where = symbol
		x.Logger.Warn("Route execution aborted", "route", route.String(), "reason", reason, "where", symbol, "fills", len(report.Fills))
		return report
	}

	for _, e := range route {
		m, ok := x.Markets[e.Symbol]
		if !ok {
			return abort(ReasonNoMarket, e.Symbol)
		}

		callCtx, cancel := callContext(ctx, x.CallTimeout)
		p, err := x.Venue.Price(callCtx, e.Symbol, e.Side)
		cancel()
		if err != nil || p <= 0 {
			return abort(ReasonNoPrice, e.Symbol)
		}
		price := decimal.NewFromFloat(p)

		var amount decimal.Decimal
		if e.Side == model.Buy {
			amount = running.Div(price).RoundDown(m.AmountPrecision)
		} else {
			amount = running.RoundDown(m.AmountPrecision)
		}
		if !amount.IsPositive() {
			return abort(ReasonZeroAmount, e.Symbol)
		}

		callCtx, cancel = callContext(ctx, x.CallTimeout)
		res, err := x.Venue.SubmitMarketOrder(callCtx, e.Symbol, e.Side, amount)
		cancel()
		if err != nil {
			x.Logger.Error("Market order failed", "symbol", e.Symbol, "side", e.Side, "amount", amount.String(), "error", err)
			return abort(ReasonOrderFailed, e.Symbol)
		}
		report.Fills = append(report.Fills, model.Fill{Symbol: e.Symbol, Side: e.Side, Amount: amount, Price: p, Order: res})

		filled := res.FilledAmount
		if !filled.IsPositive() {
			filled = amount
		}
		avg := res.AvgPrice
		if !avg.IsPositive() {
			avg = price
		}
		if e.Side == model.Buy {
			running = filled
		} else {
			running = filled.Mul(avg)
		}
		running = running.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(x.Fees.TakerPct(e.Exchange)).Div(hundred)))
	}

	report.OK = true
	report.Final = running.InexactFloat64()
	return report
}

// SettleFee transfers profit*feePct/100 of asset to the payout address. Without an address
// the computed amount is still returned so it can be reconciled by hand. A transfer the venue
// rejected is reported as transfer_failed; any other error leaves the outcome unknown.
func SettleFee(ctx context.Context, venue exchange.ExchangeClient, profit decimal.Decimal, feePct float64, asset, address string, timeout time.Duration) model.FeeSettlement {
	amount := commissionAmount(profit, feePct)
	if !amount.IsPositive() {
		return model.FeeSettlement{OK: true, Amount: decimal.Zero}
	}
	if address == "" {
		return model.FeeSettlement{OK: false, Reason: ReasonNoWithdrawAddress, Amount: amount}
	}

	callCtx, cancel := callContext(ctx, timeout)
	defer cancel()
	id, err := venue.Transfer(callCtx, asset, amount, address)
	if err != nil {
		reason := ReasonTransferUnknown
		if exchange.IsRejection(err) {
			reason = ReasonTransferFailed
		}
		return model.FeeSettlement{OK: false, Reason: reason, Amount: amount}
	}
	return model.FeeSettlement{OK: true, Amount: amount, TransferID: id}
}

// commissionAmount is profit*feePct/100 rounded down to the transfer precision.
func commissionAmount(profit decimal.Decimal, feePct float64) decimal.Decimal {
	return profit.Mul(decimal.NewFromFloat(feePct)).Div(hundred).RoundDown(feeAmountPlaces)
}
