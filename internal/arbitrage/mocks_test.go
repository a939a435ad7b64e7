package arbitrage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"cyclearb/internal/database"
	"cyclearb/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decEq(s string) any {
	want := decimal.RequireFromString(s)
	return mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(want) })
}

type MockVenue struct {
	mock.Mock
}

func (m *MockVenue) GetName() string {
	return "binance"
}

func (m *MockVenue) LoadMarkets(ctx context.Context) (map[string]model.Market, error) {
	args := m.Called(ctx)
	markets, _ := args.Get(0).(map[string]model.Market)
	return markets, args.Error(1)
}

func (m *MockVenue) Tickers(ctx context.Context) (map[string]model.Ticker, error) {
	args := m.Called(ctx)
	tickers, _ := args.Get(0).(map[string]model.Ticker)
	return tickers, args.Error(1)
}

func (m *MockVenue) Price(ctx context.Context, symbol string, side model.Side) (float64, error) {
	args := m.Called(ctx, symbol, side)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockVenue) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	args := m.Called(ctx, asset)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockVenue) SubmitMarketOrder(ctx context.Context, symbol string, side model.Side, amount decimal.Decimal) (model.OrderResult, error) {
	args := m.Called(ctx, symbol, side, amount)
	return args.Get(0).(model.OrderResult), args.Error(1)
}

func (m *MockVenue) Transfer(ctx context.Context, asset string, amount decimal.Decimal, destination string) (string, error) {
	args := m.Called(ctx, asset, amount, destination)
	return args.String(0), args.Error(1)
}

func (m *MockVenue) CheckCredentials(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Migrate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockRepository) GetAccount(ctx context.Context, subjectID string) (model.Account, error) {
	args := m.Called(ctx, subjectID)
	return args.Get(0).(model.Account), args.Error(1)
}

func (m *MockRepository) SaveAccount(ctx context.Context, account model.Account) error {
	return m.Called(ctx, account).Error(0)
}

func (m *MockRepository) ListRunningAccounts(ctx context.Context) ([]model.Account, error) {
	args := m.Called(ctx)
	accounts, _ := args.Get(0).([]model.Account)
	return accounts, args.Error(1)
}

func (m *MockRepository) SetRunning(ctx context.Context, subjectID string, running bool) (bool, error) {
	args := m.Called(ctx, subjectID, running)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) SetNotional(ctx context.Context, subjectID string, notional float64) error {
	return m.Called(ctx, subjectID, notional).Error(0)
}

func (m *MockRepository) AddProfit(ctx context.Context, subjectID string, profit float64) error {
	return m.Called(ctx, subjectID, profit).Error(0)
}

func (m *MockRepository) LogOpportunities(ctx context.Context, opps []model.Opportunity) error {
	return m.Called(ctx, opps).Error(0)
}

func (m *MockRepository) CreateTrade(ctx context.Context, trade model.Trade) error {
	return m.Called(ctx, trade).Error(0)
}

func (m *MockRepository) FinishTrade(ctx context.Context, trade model.Trade) error {
	return m.Called(ctx, trade).Error(0)
}

func (m *MockRepository) GetTrade(ctx context.Context, id uuid.UUID) (model.Trade, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Trade), args.Error(1)
}

func (m *MockRepository) LogFee(ctx context.Context, fee model.FeeEntry) error {
	return m.Called(ctx, fee).Error(0)
}

func (m *MockRepository) MarkFeeSettled(ctx context.Context, id uuid.UUID, transferID string) error {
	return m.Called(ctx, id, transferID).Error(0)
}

func (m *MockRepository) ClaimFee(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) ReleaseFee(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockRepository) UnsettledFees(ctx context.Context, limit int) ([]model.FeeEntry, error) {
	args := m.Called(ctx, limit)
	fees, _ := args.Get(0).([]model.FeeEntry)
	return fees, args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, subjectID, text string) error {
	return m.Called(ctx, subjectID, text).Error(0)
}

// memRepo is a stateful in-memory Repository for loop and registry tests.
type memRepo struct {
	mu         sync.Mutex
	accounts   map[string]model.Account
	trades     map[uuid.UUID]model.Trade
	fees       map[uuid.UUID]model.FeeEntry
	opps       int
	stopFlips  map[string]int
	getAccount int
}

func newMemRepo(accounts ...model.Account) *memRepo {
	r := &memRepo{
		accounts:  make(map[string]model.Account),
		trades:    make(map[uuid.UUID]model.Trade),
		fees:      make(map[uuid.UUID]model.FeeEntry),
		stopFlips: make(map[string]int),
	}
	for _, a := range accounts {
		r.accounts[a.SubjectID] = a
	}
	return r
}

func (r *memRepo) Migrate(context.Context) error { return nil }

func (r *memRepo) GetAccount(_ context.Context, subjectID string) (model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getAccount++
	a, ok := r.accounts[subjectID]
	if !ok {
		return model.Account{}, database.ErrAccountNotFound
	}
	return a, nil
}

func (r *memRepo) SaveAccount(_ context.Context, a model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.SubjectID] = a
	return nil
}

func (r *memRepo) ListRunningAccounts(context.Context) ([]model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Account
	for _, a := range r.accounts {
		if a.IsRunning {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) SetRunning(_ context.Context, subjectID string, running bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[subjectID]
	if !ok || a.IsRunning == running {
		return false, nil
	}
	a.IsRunning = running
	r.accounts[subjectID] = a
	if !running {
		r.stopFlips[subjectID]++
	}
	return true, nil
}

func (r *memRepo) SetNotional(_ context.Context, subjectID string, notional float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[subjectID]
	if !ok {
		return database.ErrAccountNotFound
	}
	a.Notional = notional
	r.accounts[subjectID] = a
	return nil
}

func (r *memRepo) AddProfit(_ context.Context, subjectID string, profit float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[subjectID]
	a.Profit += profit
	r.accounts[subjectID] = a
	return nil
}

func (r *memRepo) LogOpportunities(_ context.Context, opps []model.Opportunity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opps += len(opps)
	return nil
}

func (r *memRepo) CreateTrade(_ context.Context, t model.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades[t.ID] = t
	return nil
}

func (r *memRepo) FinishTrade(_ context.Context, t model.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trades[t.ID].Status != model.TradeRunning {
		return database.ErrTradeNotRunning
	}
	r.trades[t.ID] = t
	return nil
}

func (r *memRepo) GetTrade(_ context.Context, id uuid.UUID) (model.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trades[id], nil
}

func (r *memRepo) LogFee(_ context.Context, f model.FeeEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fees[f.ID] = f
	return nil
}

func (r *memRepo) MarkFeeSettled(_ context.Context, id uuid.UUID, transferID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.fees[id]
	if !f.Settled {
		f.Settled = true
		f.TransferID = transferID
		r.fees[id] = f
	}
	return nil
}

func (r *memRepo) ClaimFee(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.fees[id]
	if !ok || f.Settled || f.ClaimedAt != nil {
		return false, nil
	}
	now := time.Now()
	f.ClaimedAt = &now
	r.fees[id] = f
	return true, nil
}

func (r *memRepo) ReleaseFee(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.fees[id]; ok && !f.Settled {
		f.ClaimedAt = nil
		r.fees[id] = f
	}
	return nil
}

func (r *memRepo) UnsettledFees(_ context.Context, limit int) ([]model.FeeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.FeeEntry
	for _, f := range r.fees {
		if !f.Settled && f.ClaimedAt == nil && len(out) < limit {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *memRepo) fee(id uuid.UUID) model.FeeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fees[id]
}

func (r *memRepo) account(subjectID string) model.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[subjectID]
}

// triangle returns markets and tickers where USDT→BTC→ETH→USDT grosses 1.2% at ask/bid.
func triangle() (map[string]model.Market, map[string]model.Ticker) {
	markets := map[string]model.Market{
		"BTCUSDT": {Exchange: "binance", Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", Active: true, AmountPrecision: 5, MinNotional: 5, MinAmount: 0.00001},
		"ETHBTC":  {Exchange: "binance", Symbol: "ETHBTC", Base: "ETH", Quote: "BTC", Active: true, AmountPrecision: 4, MinNotional: 0.0001, MinAmount: 0.0001},
		"ETHUSDT": {Exchange: "binance", Symbol: "ETHUSDT", Base: "ETH", Quote: "USDT", Active: true, AmountPrecision: 4, MinNotional: 5, MinAmount: 0.0001},
	}
	now := time.Now()
	tickers := map[string]model.Ticker{
		"BTCUSDT": {Exchange: "binance", Symbol: "BTCUSDT", Bid: 49990, Ask: 50000, UpdatedAt: now},
		"ETHBTC":  {Exchange: "binance", Symbol: "ETHBTC", Bid: 0.0499, Ask: 0.05, UpdatedAt: now},
		"ETHUSDT": {Exchange: "binance", Symbol: "ETHUSDT", Bid: 2530, Ask: 2531, UpdatedAt: now},
	}
	return markets, tickers
}

// forwardRoute is USDT→BTC→ETH→USDT.
func forwardRoute() model.Route {
	return model.Route{
		{From: "USDT", To: "BTC", Symbol: "BTCUSDT", Side: model.Buy, Exchange: "binance"},
		{From: "BTC", To: "ETH", Symbol: "ETHBTC", Side: model.Buy, Exchange: "binance"},
		{From: "ETH", To: "USDT", Symbol: "ETHUSDT", Side: model.Sell, Exchange: "binance"},
	}
}

func testSettings() Settings {
	return Settings{
		BaseCurrency:     "USDT",
		CycleLengths:     []int{3},
		MinProfitPct:     0.5,
		MaxRoutes:        3,
		Fees:             FeeTable{"binance": 0.1},
		ScanInterval:     time.Hour,
		CallTimeout:      time.Second,
		MaxNotional:      1000,
		DedupeCycles:     true,
		SummaryEveryScan: true,
		Commission:       CommissionPolicy{FeePct: 10, Asset: "USDT"},
	}
}
