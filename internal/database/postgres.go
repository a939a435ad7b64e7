package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cyclearb/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		subject_id     TEXT PRIMARY KEY,
		exchange       TEXT NOT NULL,
		api_key        TEXT NOT NULL DEFAULT '',
		api_secret     TEXT NOT NULL DEFAULT '',
		notional       DOUBLE PRECISION NOT NULL DEFAULT 0,
		is_running     BOOLEAN NOT NULL DEFAULT FALSE,
		reserve_min    DOUBLE PRECISION NOT NULL DEFAULT 0,
		profit         DOUBLE PRECISION NOT NULL DEFAULT 0,
		payout_address TEXT NOT NULL DEFAULT '',
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS opportunities (
		id         UUID PRIMARY KEY,
		subject_id TEXT NOT NULL,
		route      TEXT NOT NULL,
		legs       TEXT NOT NULL,
		length     INTEGER NOT NULL,
		notional   DOUBLE PRECISION NOT NULL,
		gross_pct  DOUBLE PRECISION NOT NULL,
		net_pct    DOUBLE PRECISION NOT NULL,
		viable     BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS opportunities_subject_created_idx ON opportunities (subject_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id          UUID PRIMARY KEY,
		subject_id  TEXT NOT NULL,
		route       TEXT NOT NULL,
		notional    DOUBLE PRECISION NOT NULL,
		gross_pct   DOUBLE PRECISION NOT NULL,
		net_pct     DOUBLE PRECISION NOT NULL,
		status      TEXT NOT NULL CHECK (status IN ('running', 'success', 'failed')),
		report      JSONB NOT NULL DEFAULT '{}',
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS fee_ledger (
		id          UUID PRIMARY KEY,
		subject_id  TEXT NOT NULL,
		trade_id    UUID NOT NULL REFERENCES trades (id),
		asset       TEXT NOT NULL,
		profit      NUMERIC NOT NULL,
		fee_pct     DOUBLE PRECISION NOT NULL,
		amount      NUMERIC NOT NULL,
		settled     BOOLEAN NOT NULL DEFAULT FALSE,
		transfer_id TEXT NOT NULL DEFAULT '',
		claimed_at  TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE fee_ledger ADD COLUMN IF NOT EXISTS claimed_at TIMESTAMPTZ`,
	`CREATE INDEX IF NOT EXISTS fee_ledger_claimable_idx ON fee_ledger (created_at) WHERE NOT settled AND claimed_at IS NULL`,
}

// PostgresRepository implements Repository on a pgx connection pool.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

// Migrate creates the schema if it does not exist. Statements run in one batch.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	batch := &pgx.Batch{}
	for _, stmt := range schema {
		batch.Queue(stmt)
	}
	if err := r.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Column lists match the db tags of the model structs, which rows are scanned into by name.
const (
	accountColumns = `subject_id, exchange, api_key, api_secret, notional, is_running, reserve_min, profit, payout_address, updated_at`
	tradeColumns   = `id, subject_id, route, notional, gross_pct, net_pct, status, report, started_at, finished_at`
	feeColumns     = `id, subject_id, trade_id, asset, profit::text AS profit, fee_pct, amount::text AS amount, settled, transfer_id, claimed_at, created_at`
)

func (r *PostgresRepository) GetAccount(ctx context.Context, subjectID string) (model.Account, error) {
	rows, _ := r.Pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE subject_id = $1`, subjectID)
	a, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Account])
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, fmt.Errorf("subject %s: %w", subjectID, ErrAccountNotFound)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to get account %s: %w", subjectID, err)
	}
	return a, nil
}

// SaveAccount inserts or replaces the account's settings. Profit and the running flag are preserved on update.
func (r *PostgresRepository) SaveAccount(ctx context.Context, a model.Account) error {
	query := `
	INSERT INTO accounts (subject_id, exchange, api_key, api_secret, notional, reserve_min, payout_address)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (subject_id) DO UPDATE SET
		exchange = EXCLUDED.exchange,
		api_key = EXCLUDED.api_key,
		api_secret = EXCLUDED.api_secret,
		notional = EXCLUDED.notional,
		reserve_min = EXCLUDED.reserve_min,
		payout_address = EXCLUDED.payout_address,
		updated_at = NOW()`
	if _, err := r.Pool.Exec(ctx, query, a.SubjectID, a.Exchange, a.APIKey, a.APISecret, a.Notional, a.ReserveMin, a.PayoutAddress); err != nil {
		return fmt.Errorf("failed to save account %s: %w", a.SubjectID, err)
	}
	return nil
}

func (r *PostgresRepository) ListRunningAccounts(ctx context.Context) ([]model.Account, error) {
	rows, _ := r.Pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE is_running ORDER BY subject_id`)
	accounts, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Account])
	if err != nil {
		return nil, fmt.Errorf("failed to list running accounts: %w", err)
	}
	return accounts, nil
}

func (r *PostgresRepository) SetRunning(ctx context.Context, subjectID string, running bool) (bool, error) {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE accounts SET is_running = $2, updated_at = NOW() WHERE subject_id = $1 AND is_running <> $2`,
		subjectID, running)
	if err != nil {
		return false, fmt.Errorf("failed to set running flag for %s: %w", subjectID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) SetNotional(ctx context.Context, subjectID string, notional float64) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE accounts SET notional = $2, updated_at = NOW() WHERE subject_id = $1`, subjectID, notional)
	if err != nil {
		return fmt.Errorf("failed to set notional for %s: %w", subjectID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subject %s: %w", subjectID, ErrAccountNotFound)
	}
	return nil
}

func (r *PostgresRepository) AddProfit(ctx context.Context, subjectID string, profit float64) error {
	_, err := r.Pool.Exec(ctx, `UPDATE accounts SET profit = profit + $2, updated_at = NOW() WHERE subject_id = $1`, subjectID, profit)
	if err != nil {
		return fmt.Errorf("failed to add profit for %s: %w", subjectID, err)
	}
	return nil
}

// LogOpportunities appends a scan's evaluations with COPY.
func (r *PostgresRepository) LogOpportunities(ctx context.Context, opps []model.Opportunity) error {
	if len(opps) == 0 {
		return nil
	}
	columns := []string{"id", "subject_id", "route", "legs", "length", "notional", "gross_pct", "net_pct", "viable", "created_at"}
	src := pgx.CopyFromSlice(len(opps), func(i int) ([]any, error) {
		o := opps[i]
		return []any{o.ID, o.SubjectID, o.Route, o.Legs, o.Length, o.Notional, o.GrossPct, o.NetPct, o.Viable, o.CreatedAt}, nil
	})
	if _, err := r.Pool.CopyFrom(ctx, pgx.Identifier{"opportunities"}, columns, src); err != nil {
		return fmt.Errorf("failed to log %d opportunities: %w", len(opps), err)
	}
	return nil
}

func (r *PostgresRepository) CreateTrade(ctx context.Context, t model.Trade) error {
	query := `
	INSERT INTO trades (id, subject_id, route, notional, gross_pct, net_pct, status, report, started_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.Pool.Exec(ctx, query, t.ID, t.SubjectID, t.Route, t.Notional, t.GrossPct, t.NetPct, string(t.Status), t.Report, t.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

// FinishTrade records the terminal status and report of a running trade.
func (r *PostgresRepository) FinishTrade(ctx context.Context, t model.Trade) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("cannot finish trade %s with status %q", t.ID, t.Status)
	}
	finished := time.Now().UTC()
	if t.FinishedAt != nil {
		finished = *t.FinishedAt
	}
	query := `
	UPDATE trades SET status = $2, report = $3, gross_pct = $4, net_pct = $5, finished_at = $6
	WHERE id = $1 AND status = 'running'`
	tag, err := r.Pool.Exec(ctx, query, t.ID, string(t.Status), t.Report, t.GrossPct, t.NetPct, finished)
	if err != nil {
		return fmt.Errorf("failed to finish trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s: %w", t.ID, ErrTradeNotRunning)
	}
	return nil
}

func (r *PostgresRepository) GetTrade(ctx context.Context, id uuid.UUID) (model.Trade, error) {
	rows, _ := r.Pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Trade])
	if err != nil {
		return model.Trade{}, fmt.Errorf("failed to get trade %s: %w", id, err)
	}
	return t, nil
}

func (r *PostgresRepository) LogFee(ctx context.Context, f model.FeeEntry) error {
	query := `
	INSERT INTO fee_ledger (id, subject_id, trade_id, asset, profit, fee_pct, amount, settled, transfer_id, claimed_at, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.Pool.Exec(ctx, query, f.ID, f.SubjectID, f.TradeID, f.Asset, f.Profit.String(), f.FeePct, f.Amount.String(), f.Settled, f.TransferID, f.ClaimedAt, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to log fee for trade %s: %w", f.TradeID, err)
	}
	return nil
}

// MarkFeeSettled flips an entry to settled. Settling an already settled entry is a no-op.
func (r *PostgresRepository) MarkFeeSettled(ctx context.Context, id uuid.UUID, transferID string) error {
	_, err := r.Pool.Exec(ctx, `UPDATE fee_ledger SET settled = TRUE, transfer_id = $2 WHERE id = $1 AND NOT settled`, id, transferID)
	if err != nil {
		return fmt.Errorf("failed to mark fee %s settled: %w", id, err)
	}
	return nil
}

// ClaimFee marks an unsettled, unclaimed entry as being transferred. It reports false when
// the entry is settled or another settler holds it.
func (r *PostgresRepository) ClaimFee(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.Pool.Exec(ctx, `UPDATE fee_ledger SET claimed_at = NOW() WHERE id = $1 AND NOT settled AND claimed_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim fee %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseFee drops the claim on an unsettled entry so a later sweep retries it.
func (r *PostgresRepository) ReleaseFee(ctx context.Context, id uuid.UUID) error {
	if _, err := r.Pool.Exec(ctx, `UPDATE fee_ledger SET claimed_at = NULL WHERE id = $1 AND NOT settled`, id); err != nil {
		return fmt.Errorf("failed to release fee %s: %w", id, err)
	}
	return nil
}

// UnsettledFees returns the oldest unsettled, unclaimed entries first.
func (r *PostgresRepository) UnsettledFees(ctx context.Context, limit int) ([]model.FeeEntry, error) {
	rows, _ := r.Pool.Query(ctx, `SELECT `+feeColumns+`
	FROM fee_ledger WHERE NOT settled AND claimed_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	fees, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.FeeEntry])
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled fees: %w", err)
	}
	return fees, nil
}
