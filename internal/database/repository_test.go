package database

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"cyclearb/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pool *pgxpool.Pool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Define the PostgreSQL container request
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Fatalf("could not start postgres container: %s", err)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Fatalf("could not get container host: %s", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("could not get mapped port: %s", err)
	}

	connStr := "postgres://testuser:testpassword@" + host + ":" + port.Port() + "/testdb"
	pool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("could not connect to database: %s", err)
	}

	if err := NewPostgresRepository(pool).Migrate(ctx); err != nil {
		log.Fatalf("could not migrate: %s", err)
	}

	code := m.Run()

	pool.Close()
	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("could not stop postgres container: %s", err)
	}
	os.Exit(code)
}

func seedAccount(t *testing.T, repo *PostgresRepository, subject string) model.Account {
	t.Helper()
	acct := model.Account{
		SubjectID:     subject,
		Exchange:      "binance",
		APIKey:        "key",
		APISecret:     "secret",
		Notional:      100,
		ReserveMin:    0.05,
		PayoutAddress: "TPayout",
	}
	require.NoError(t, repo.SaveAccount(context.Background(), acct))
	return acct
}

func TestPostgresRepository_MigrateIsIdempotent(t *testing.T) {
	assert.NoError(t, NewPostgresRepository(pool).Migrate(context.Background()))
}

func TestPostgresRepository_Accounts(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresRepository(pool)
	seedAccount(t, repo, "1001")

	acct, err := repo.GetAccount(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, "binance", acct.Exchange)
	assert.Equal(t, 100.0, acct.Notional)
	assert.False(t, acct.IsRunning)
	assert.Equal(t, "TPayout", acct.PayoutAddress)

	_, err = repo.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	require.NoError(t, repo.SetNotional(ctx, "1001", 250))
	assert.ErrorIs(t, repo.SetNotional(ctx, "missing", 1), ErrAccountNotFound)

	changed, err := repo.SetRunning(ctx, "1001", true)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = repo.SetRunning(ctx, "1001", true)
	require.NoError(t, err)
	assert.False(t, changed, "second flip must be a no-op")

	running, err := repo.ListRunningAccounts(ctx)
	require.NoError(t, err)
	var ids []string
	for _, a := range running {
		ids = append(ids, a.SubjectID)
	}
	assert.Contains(t, ids, "1001")

	require.NoError(t, repo.AddProfit(ctx, "1001", 1.25))
	require.NoError(t, repo.AddProfit(ctx, "1001", 0.75))
	acct, err = repo.GetAccount(ctx, "1001")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, acct.Profit, 1e-9)
	assert.Equal(t, 250.0, acct.Notional)
	assert.True(t, acct.IsRunning)

	// Saving settings again keeps the running flag and profit.
	seedAccount(t, repo, "1001")
	acct, err = repo.GetAccount(ctx, "1001")
	require.NoError(t, err)
	assert.True(t, acct.IsRunning)
	assert.InDelta(t, 2.0, acct.Profit, 1e-9)

	changed, err = repo.SetRunning(ctx, "1001", false)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestPostgresRepository_LogOpportunities(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresRepository(pool)
	now := time.Now().UTC()

	opps := []model.Opportunity{
		{ID: uuid.New(), SubjectID: "2002", Route: "USDT→BTC→ETH→USDT", Legs: "BTCUSDT:buy ETHBTC:buy ETHUSDT:sell", Length: 3, Notional: 100, GrossPct: 1.2, NetPct: 0.9, Viable: true, CreatedAt: now},
		{ID: uuid.New(), SubjectID: "2002", Route: "USDT→ETH→BTC→USDT", Legs: "ETHUSDT:buy ETHBTC:sell BTCUSDT:sell", Length: 3, Notional: 100, GrossPct: -1.3, NetPct: -1.6, Viable: false, CreatedAt: now},
	}
	require.NoError(t, repo.LogOpportunities(ctx, opps))
	require.NoError(t, repo.LogOpportunities(ctx, nil))

	rows, _ := pool.Query(ctx, `SELECT * FROM opportunities WHERE subject_id = '2002' ORDER BY net_pct DESC`)
	stored, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Opportunity])
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, opps[0].ID, stored[0].ID)
	assert.Equal(t, opps[0].Legs, stored[0].Legs)
	assert.True(t, stored[0].Viable)
	assert.False(t, stored[1].Viable)
	assert.InDelta(t, -1.6, stored[1].NetPct, 1e-9)
}

func TestPostgresRepository_TradeLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresRepository(pool)

	trade := model.Trade{
		ID:        uuid.New(),
		SubjectID: "3003",
		Route:     "USDT→BTC→ETH→USDT",
		Notional:  100,
		GrossPct:  1.2,
		NetPct:    0.9,
		Status:    model.TradeRunning,
		Report:    model.ExecutionReport{Fills: []model.Fill{}},
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateTrade(ctx, trade))

	trade.Status = model.TradeFailed
	trade.Report = model.ExecutionReport{
		OK:     false,
		Reason: "no_price",
		Where:  "ETHBTC",
		Fills: []model.Fill{{
			Symbol: "BTCUSDT",
			Side:   model.Buy,
			Amount: decimal.RequireFromString("0.002"),
			Price:  50000,
			Order:  model.OrderResult{OrderID: "1", Status: "FILLED", FilledAmount: decimal.RequireFromString("0.002"), AvgPrice: decimal.NewFromInt(50000)},
		}},
	}
	require.NoError(t, repo.FinishTrade(ctx, trade))

	stored, err := repo.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeFailed, stored.Status)
	assert.Equal(t, "ETHBTC", stored.Report.Where)
	require.Len(t, stored.Report.Fills, 1)
	assert.True(t, stored.Report.Fills[0].Amount.Equal(decimal.RequireFromString("0.002")))
	require.NotNil(t, stored.FinishedAt)

	trade.Status = model.TradeSuccess
	assert.ErrorIs(t, repo.FinishTrade(ctx, trade), ErrTradeNotRunning, "terminal states are final")

	trade.Status = model.TradeRunning
	assert.Error(t, repo.FinishTrade(ctx, trade))
}

func TestPostgresRepository_FeeLedger(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresRepository(pool)

	trade := model.Trade{ID: uuid.New(), SubjectID: "4004", Route: "r", Notional: 100, Status: model.TradeRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, repo.CreateTrade(ctx, trade))

	fee := model.FeeEntry{
		ID:        uuid.New(),
		SubjectID: "4004",
		TradeID:   trade.ID,
		Asset:     "USDT",
		Profit:    decimal.RequireFromString("0.9"),
		FeePct:    10,
		Amount:    decimal.RequireFromString("0.09"),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.LogFee(ctx, fee))

	pending, err := repo.UnsettledFees(ctx, 100)
	require.NoError(t, err)
	var found *model.FeeEntry
	for i := range pending {
		if pending[i].ID == fee.ID {
			found = &pending[i]
		}
	}
	require.NotNil(t, found)
	assert.True(t, found.Amount.Equal(fee.Amount), found.Amount.String())
	assert.True(t, found.Profit.Equal(fee.Profit))
	assert.Equal(t, trade.ID, found.TradeID)

	require.NoError(t, repo.MarkFeeSettled(ctx, fee.ID, "wd-1"))
	require.NoError(t, repo.MarkFeeSettled(ctx, fee.ID, "wd-2"))

	pending, err = repo.UnsettledFees(ctx, 100)
	require.NoError(t, err)
	for _, p := range pending {
		assert.NotEqual(t, fee.ID, p.ID)
	}

	var transferID string
	require.NoError(t, pool.QueryRow(ctx, `SELECT transfer_id FROM fee_ledger WHERE id = $1`, fee.ID).Scan(&transferID))
	assert.Equal(t, "wd-1", transferID)

	claimed, err := repo.ClaimFee(ctx, fee.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "settled entries cannot be claimed")
}

func pendingIDs(t *testing.T, repo *PostgresRepository) map[uuid.UUID]bool {
	t.Helper()
	pending, err := repo.UnsettledFees(context.Background(), 1000)
	require.NoError(t, err)
	ids := make(map[uuid.UUID]bool, len(pending))
	for _, p := range pending {
		ids[p.ID] = true
	}
	return ids
}

func TestPostgresRepository_FeeClaims(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresRepository(pool)

	trade := model.Trade{ID: uuid.New(), SubjectID: "5005", Route: "r", Notional: 100, Status: model.TradeRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, repo.CreateTrade(ctx, trade))

	now := time.Now().UTC()
	open := model.FeeEntry{ID: uuid.New(), SubjectID: "5005", TradeID: trade.ID, Asset: "USDT", Profit: decimal.RequireFromString("1"), FeePct: 10, Amount: decimal.RequireFromString("0.1"), CreatedAt: now}
	inFlight := open
	inFlight.ID = uuid.New()
	inFlight.ClaimedAt = &now
	require.NoError(t, repo.LogFee(ctx, open))
	require.NoError(t, repo.LogFee(ctx, inFlight))

	ids := pendingIDs(t, repo)
	assert.True(t, ids[open.ID])
	assert.False(t, ids[inFlight.ID], "entries written claimed are not listed")

	// Only one of several concurrent claimers wins.
	const claimers = 8
	wins := make(chan bool, claimers)
	for range claimers {
		go func() {
			ok, err := repo.ClaimFee(ctx, open.ID)
			assert.NoError(t, err)
			wins <- ok
		}()
	}
	won := 0
	for range claimers {
		if <-wins {
			won++
		}
	}
	assert.Equal(t, 1, won)
	assert.False(t, pendingIDs(t, repo)[open.ID])

	require.NoError(t, repo.ReleaseFee(ctx, open.ID))
	assert.True(t, pendingIDs(t, repo)[open.ID])

	claimed, err := repo.ClaimFee(ctx, open.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
	require.NoError(t, repo.MarkFeeSettled(ctx, open.ID, "wd-5"))
	require.NoError(t, repo.ReleaseFee(ctx, open.ID))
	assert.False(t, pendingIDs(t, repo)[open.ID], "releasing a settled entry does not reopen it")
}
