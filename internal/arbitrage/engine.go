package arbitrage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"cyclearb/internal/database"
	"cyclearb/internal/exchange"
	"cyclearb/internal/graph"
	"cyclearb/internal/metrics"
	"cyclearb/internal/model"
	"cyclearb/internal/notify"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State is the phase a subject loop is in.
type State string

const (
	StateIdle       State = "idle"
	StateScanning   State = "scanning"
	StateEvaluating State = "evaluating"
	StateExecuting  State = "executing"
	StateReporting  State = "reporting"
	StateSleeping   State = "sleeping"
	StateStopped    State = "stopped"
)

const (
	notifyTimeout  = 30 * time.Second
	genericFailure = "The last scan failed unexpectedly. The bot is still running and will try again on the next cycle."
)

// errDataUnavailable marks iterations skipped because the venue returned no usable data.
var errDataUnavailable = errors.New("market data unavailable")

// Engine runs the scan, evaluate, execute and report loop for one subject.
type Engine struct {
	logger     *slog.Logger
	subjectID  string
	venue      exchange.ExchangeClient
	repo       database.Repository
	notifier   notify.Notifier
	settings   Settings
	summarizer Summarizer
	now        func() time.Time

	mu         sync.Mutex
	state      State
	lastReport *IterationReport
}

// NewEngine creates the loop for one subject. A nil summarizer uses TextSummarizer.
func NewEngine(logger *slog.Logger, subjectID string, venue exchange.ExchangeClient, repo database.Repository, notifier notify.Notifier, settings Settings, summarizer Summarizer) *Engine {
	if summarizer == nil {
		summarizer = TextSummarizer{Logger: logger}
	}
	return &Engine{
		logger:     logger.With("subject", subjectID),
		subjectID:  subjectID,
		venue:      venue,
		repo:       repo,
		notifier:   notifier,
		settings:   settings,
		summarizer: summarizer,
		now:        time.Now,
		state:      StateIdle,
	}
}

// State returns the current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastReport returns the report of the most recent completed iteration.
func (e *Engine) LastReport() (IterationReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastReport == nil {
		return IterationReport{}, false
	}
	return *e.lastReport, true
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run repeats iterations until ctx is cancelled or the account is no longer marked running.
// Cancellation is observed between steps; a route already being executed runs to completion.
func (e *Engine) Run(ctx context.Context) {
	defer e.setState(StateStopped)
	e.logger.Info("Subject loop started")
	defer e.logger.Info("Subject loop stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		account, err := e.repo.GetAccount(ctx, e.subjectID)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, database.ErrAccountNotFound):
			e.logger.Warn("Account removed, stopping loop")
			return
		case err != nil:
			e.logger.Error("Failed to load account", "error", err)
		case !account.IsRunning:
			e.logger.Info("Account no longer marked running, stopping loop")
			return
		default:
			e.safeIteration(ctx, account)
		}

		if ctx.Err() != nil {
			return
		}
		e.setState(StateSleeping)
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.settings.ScanInterval):
		}
	}
}

// safeIteration runs one iteration and absorbs every error and panic it raises.
func (e *Engine) safeIteration(ctx context.Context, account model.Account) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		_, err = e.RunOnce(ctx, account)
		return err
	}()
	metrics.ScanDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.Scans.Inc()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		e.logger.Info("Iteration interrupted by stop")
	case errors.Is(err, errDataUnavailable):
		e.logger.Warn("Skipping iteration", "error", err)
	default:
		metrics.IterationErrors.Inc()
		e.logger.Error("Iteration failed", "error", err)
		e.notify(ctx, genericFailure)
	}
}

// RunOnce performs a single scan for the account and returns what it saw and did.
func (e *Engine) RunOnce(ctx context.Context, account model.Account) (IterationReport, error) {
	report := IterationReport{SubjectID: e.subjectID, StartedAt: e.now()}
	notional := account.Notional

	e.setState(StateScanning)
	callCtx, cancel := callContext(ctx, e.settings.CallTimeout)
	markets, err := e.venue.LoadMarkets(callCtx)
	cancel()
	if err != nil {
		return report, e.unavailable(ctx, "load markets", err)
	}
	g := graph.Build(markets)
	report.Markets = len(markets)

	callCtx, cancel = callContext(ctx, e.settings.CallTimeout)
	tickers, err := e.venue.Tickers(callCtx)
	cancel()
	if err != nil {
		return report, e.unavailable(ctx, "load tickers", err)
	}
	prices := TickerPrices(tickers)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	e.setState(StateEvaluating)
	evals := e.evaluate(g, prices, notional)
	report.Evaluated = len(evals)
	if err := e.repo.LogOpportunities(ctx, e.opportunities(evals, notional, report.StartedAt)); err != nil {
		e.logger.Error("Failed to log opportunities", "count", len(evals), "error", err)
	}

	candidates, viable := e.selectRoutes(evals)
	report.Viable = viable
	report.Top = candidates
	metrics.RoutesViable.Add(float64(viable))
	if err := ctx.Err(); err != nil {
		return report, err
	}

	if len(candidates) > 0 {
		e.setState(StateExecuting)
		if err := e.executeCandidates(ctx, candidates, markets, prices, account, &report); err != nil {
			return report, err
		}
	}

	e.setState(StateReporting)
	report.Duration = e.now().Sub(report.StartedAt)
	e.mu.Lock()
	e.lastReport = &report
	e.mu.Unlock()

	if e.settings.SummaryEveryScan || viable > 0 {
		e.notify(ctx, e.summarizer.Summarize(ctx, report))
	}
	e.logger.Info("Scan finished", "markets", report.Markets, "evaluated", report.Evaluated, "viable", viable,
		"trades", len(report.Trades), "duration", report.Duration)
	return report, nil
}

func (e *Engine) unavailable(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %v", errDataUnavailable, op, err)
}

// evaluate simulates the cycles of each configured length, shortest first, trying the inverted
// direction of each forward route that misses the profit threshold. MaxEvaluations bounds the
// simulations of every length separately.
func (e *Engine) evaluate(g graph.Graph, prices PriceFunc, notional float64) []model.Evaluation {
	sim := Simulator{Fees: e.settings.Fees, SlippagePct: e.settings.SlippagePct, Notional: notional}
	seen := make(map[string]struct{})
	firstSeen := func(r model.Route) bool {
		if !e.settings.DedupeCycles {
			return true
		}
		k := r.Key()
		if _, ok := seen[k]; ok {
			return false
		}
		seen[k] = struct{}{}
		return true
	}

	var evals []model.Evaluation
	add := func(r model.Route) (model.Evaluation, bool) {
		ev, ok := sim.Simulate(r, prices)
		if !ok {
			return ev, false
		}
		evals = append(evals, ev)
		metrics.RoutesEvaluated.WithLabelValues(strconv.Itoa(ev.Length)).Inc()
		return ev, true
	}

	limit := e.settings.MaxEvaluations
	for _, length := range e.settings.cycleLengths() {
		evaluated := 0
		for route := range graph.CyclesOfLength(g, e.settings.BaseCurrency, length) {
			if limit > 0 && evaluated >= limit {
				e.logger.Warn("Evaluation limit reached, remaining cycles skipped", "length", length, "limit", limit)
				break
			}
			if !firstSeen(route) {
				continue
			}
			ev, ok := add(route)
			if !ok {
				continue
			}
			evaluated++
			if ev.NetPct >= e.settings.MinProfitPct {
				continue
			}
			if inverted := graph.Invert(route); firstSeen(inverted) {
				if _, ok := add(inverted); ok {
					evaluated++
				}
			}
		}
	}
	return evals
}

func (e *Engine) opportunities(evals []model.Evaluation, notional float64, at time.Time) []model.Opportunity {
	opps := make([]model.Opportunity, len(evals))
	for i, ev := range evals {
		opps[i] = model.Opportunity{
			ID:        uuid.New(),
			SubjectID: e.subjectID,
			Route:     ev.Route.String(),
			Legs:      ev.Route.Symbols(),
			Length:    ev.Length,
			Notional:  notional,
			GrossPct:  ev.GrossPct,
			NetPct:    ev.NetPct,
			Viable:    ev.NetPct >= e.settings.MinProfitPct,
			CreatedAt: at.UTC(),
		}
	}
	return opps
}

// selectRoutes keeps viable evaluations, best net return first, capped at MaxRoutes.
// Ties prefer the shorter route, then the route string.
func (e *Engine) selectRoutes(evals []model.Evaluation) ([]model.Evaluation, int) {
	var viable []model.Evaluation
	for _, ev := range evals {
		if ev.NetPct >= e.settings.MinProfitPct {
			viable = append(viable, ev)
		}
	}
	slices.SortStableFunc(viable, func(a, b model.Evaluation) int {
		if c := cmp.Compare(b.NetPct, a.NetPct); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Length, b.Length); c != 0 {
			return c
		}
		return strings.Compare(a.Route.String(), b.Route.String())
	})
	n := len(viable)
	if e.settings.MaxRoutes > 0 && len(viable) > e.settings.MaxRoutes {
		viable = viable[:e.settings.MaxRoutes]
	}
	return viable, n
}

func (e *Engine) executeCandidates(ctx context.Context, candidates []model.Evaluation, markets map[string]model.Market, prices PriceFunc, account model.Account, report *IterationReport) error {
	validator := Validator{Markets: markets}
	reserveChecked := false

	for _, ev := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := validator.Validate(ev.Route, prices, account.Notional); err != nil {
			reason := err.Error()
			label := "other"
			var ce *ConstraintError
			if errors.As(err, &ce) {
				label = ce.Reason
			}
			metrics.RoutesSkipped.WithLabelValues(label).Inc()
			report.Skipped = append(report.Skipped, SkippedRoute{Route: ev.Route.String(), Reason: reason})
			e.logger.Info("Route skipped", "route", ev.Route.String(), "reason", reason)
			e.notify(ctx, fmt.Sprintf("Skipped %s (net %.3f%%): %s", ev.Route, ev.NetPct, reason))
			continue
		}

		if !reserveChecked {
			reserveChecked = true
			topped, err := EnsureReserve(ctx, e.venue, e.settings.reservePolicy(account), markets, e.settings.CallTimeout)
			if err != nil {
				e.logger.Warn("Reserve top-up failed", "error", err)
			} else if topped {
				e.logger.Info("Reserve topped up", "asset", e.settings.Reserve.Asset)
			}
		}

		// Legs already submitted must not be abandoned by a stop request.
		trade, err := e.execute(context.WithoutCancel(ctx), ev, markets, account)
		if err != nil {
			return err
		}
		report.Trades = append(report.Trades, trade)
	}
	return nil
}

// execute records a running trade, runs the route and finishes the trade with the outcome.
func (e *Engine) execute(ctx context.Context, ev model.Evaluation, markets map[string]model.Market, account model.Account) (model.Trade, error) {
	notional := account.Notional
	trade := model.Trade{
		ID:        uuid.New(),
		SubjectID: e.subjectID,
		Route:     ev.Route.String(),
		Notional:  notional,
		GrossPct:  ev.GrossPct,
		NetPct:    ev.NetPct,
		Status:    model.TradeRunning,
		Report:    model.ExecutionReport{Fills: []model.Fill{}},
		StartedAt: e.now().UTC(),
	}
	if err := e.repo.CreateTrade(ctx, trade); err != nil {
		return trade, fmt.Errorf("record trade for %s: %w", trade.Route, err)
	}

	executor := &Executor{
		Venue:       e.venue,
		Markets:     markets,
		Fees:        e.settings.Fees,
		CallTimeout: e.settings.CallTimeout,
		Logger:      e.logger,
	}
	rep := executor.Execute(ctx, ev.Route, notional)

	finished := e.now().UTC()
	trade.Report = rep
	trade.FinishedAt = &finished
	if rep.OK {
		trade.Status = model.TradeSuccess
		trade.NetPct = (rep.Final/notional - 1) * 100
		trade.GrossPct = trade.NetPct + e.takerPct(ev.Route)
	} else {
		trade.Status = model.TradeFailed
	}
	if err := e.repo.FinishTrade(ctx, trade); err != nil {
		e.logger.Error("Failed to finish trade", "trade", trade.ID, "error", err)
	}
	metrics.Trades.WithLabelValues(string(trade.Status)).Inc()
	e.logger.Info("Route executed", "trade", trade.ID, "route", trade.Route, "status", trade.Status,
		"fills", len(rep.Fills), "net_pct", trade.NetPct)

	var settlement *model.FeeSettlement
	if rep.OK {
		profit := rep.Final - notional
		if err := e.repo.AddProfit(ctx, e.subjectID, profit); err != nil {
			e.logger.Error("Failed to add profit", "profit", profit, "error", err)
		}
		if profit > 0 && e.settings.Commission.FeePct > 0 {
			s := e.settleCommission(ctx, trade, decimal.NewFromFloat(profit), account)
			settlement = &s
		}
	}
	e.notify(ctx, tradeMessage(trade, settlement))
	return trade, nil
}

// settleCommission appends the fee ledger entry for a profitable trade and tries to transfer it.
// The entry is written already claimed, so a concurrent sweep cannot pick it up mid-transfer.
// Entries released after a failed attempt are retried by the Settler.
func (e *Engine) settleCommission(ctx context.Context, trade model.Trade, profit decimal.Decimal, account model.Account) model.FeeSettlement {
	feePct := e.settings.Commission.FeePct
	now := e.now().UTC()
	entry := model.FeeEntry{
		ID:        uuid.New(),
		SubjectID: e.subjectID,
		TradeID:   trade.ID,
		Asset:     e.settings.commissionAsset(),
		Profit:    profit,
		FeePct:    feePct,
		Amount:    commissionAmount(profit, feePct),
		ClaimedAt: &now,
		CreatedAt: now,
	}
	if err := e.repo.LogFee(ctx, entry); err != nil {
		e.logger.Error("Failed to log fee, settlement deferred", "trade", trade.ID, "amount", entry.Amount.String(), "error", err)
		return model.FeeSettlement{OK: false, Reason: ReasonLedgerUnavailable, Amount: entry.Amount}
	}

	res := SettleFee(ctx, e.venue, profit, feePct, entry.Asset, e.settings.payoutAddress(account), e.settings.CallTimeout)
	recordSettlement(ctx, e.logger, e.repo, entry, res)
	return res
}

// takerPct sums the taker fees of a route's legs. Realized slippage is already in the fill prices.
func (e *Engine) takerPct(route model.Route) float64 {
	pct := 0.0
	for _, edge := range route {
		pct += e.settings.Fees.TakerPct(edge.Exchange)
	}
	return pct
}

// notify delivers text even after a stop request; failures are logged only.
func (e *Engine) notify(ctx context.Context, text string) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := e.notifier.Notify(nctx, e.subjectID, text); err != nil {
		e.logger.Warn("Failed to notify subject", "error", err)
	}
}
