package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeStatus is the lifecycle state of an execution attempt.
type TradeStatus string

const (
	TradeRunning TradeStatus = "running"
	TradeSuccess TradeStatus = "success"
	TradeFailed  TradeStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TradeStatus) Terminal() bool {
	return s == TradeSuccess || s == TradeFailed
}

// Opportunity is the append-only audit record of one evaluated route.
type Opportunity struct {
	ID        uuid.UUID `db:"id"`
	SubjectID string    `db:"subject_id"`
	Route     string    `db:"route"`
	Legs      string    `db:"legs"`
	Length    int       `db:"length"`
	Notional  float64   `db:"notional"`
	GrossPct  float64   `db:"gross_pct"`
	NetPct    float64   `db:"net_pct"`
	Viable    bool      `db:"viable"`
	CreatedAt time.Time `db:"created_at"`
}

// Trade is the record of an execution attempt.
type Trade struct {
	ID         uuid.UUID       `db:"id"`
	SubjectID  string          `db:"subject_id"`
	Route      string          `db:"route"`
	Notional   float64         `db:"notional"`
	GrossPct   float64         `db:"gross_pct"`
	NetPct     float64         `db:"net_pct"`
	Status     TradeStatus     `db:"status"`
	Report     ExecutionReport `db:"report"`
	StartedAt  time.Time       `db:"started_at"`
	FinishedAt *time.Time      `db:"finished_at"`
}

// FeeEntry is the commission owed on a realized profit. ClaimedAt is set while a transfer
// is in flight and stays set when its outcome is unknown.
type FeeEntry struct {
	ID         uuid.UUID       `db:"id"`
	SubjectID  string          `db:"subject_id"`
	TradeID    uuid.UUID       `db:"trade_id"`
	Asset      string          `db:"asset"`
	Profit     decimal.Decimal `db:"profit"`
	FeePct     float64         `db:"fee_pct"`
	Amount     decimal.Decimal `db:"amount"`
	Settled    bool            `db:"settled"`
	TransferID string          `db:"transfer_id"`
	ClaimedAt  *time.Time      `db:"claimed_at"`
	CreatedAt  time.Time       `db:"created_at"`
}

// Account holds the per-subject settings. IsRunning is authoritative for whether the loop should run.
type Account struct {
	SubjectID     string    `db:"subject_id"`
	Exchange      string    `db:"exchange"`
	APIKey        string    `db:"api_key"`
	APISecret     string    `db:"api_secret"`
	Notional      float64   `db:"notional"`
	IsRunning     bool      `db:"is_running"`
	ReserveMin    float64   `db:"reserve_min"`
	Profit        float64   `db:"profit"`
	PayoutAddress string    `db:"payout_address"`
	UpdatedAt     time.Time `db:"updated_at"`
}
