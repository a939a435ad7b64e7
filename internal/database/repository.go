package database

import (
	"context"
	"errors"

	"cyclearb/internal/model"

	"github.com/google/uuid"
)

var (
	// ErrAccountNotFound is returned when no account exists for a subject.
	ErrAccountNotFound = errors.New("account not found")
	// ErrTradeNotRunning is returned when finishing a trade that already reached a terminal state.
	ErrTradeNotRunning = errors.New("trade is not running")
)

// Repository defines the standard interface for database operations.
// All records are keyed by subject id; opportunities and trades are append-only.
type Repository interface {
	Migrate(ctx context.Context) error

	GetAccount(ctx context.Context, subjectID string) (model.Account, error)
	SaveAccount(ctx context.Context, account model.Account) error
	ListRunningAccounts(ctx context.Context) ([]model.Account, error)
	// SetRunning flips is_running and reports whether the stored value changed.
	SetRunning(ctx context.Context, subjectID string, running bool) (bool, error)
	SetNotional(ctx context.Context, subjectID string, notional float64) error
	AddProfit(ctx context.Context, subjectID string, profit float64) error

	LogOpportunities(ctx context.Context, opps []model.Opportunity) error
	CreateTrade(ctx context.Context, trade model.Trade) error
	FinishTrade(ctx context.Context, trade model.Trade) error
	GetTrade(ctx context.Context, id uuid.UUID) (model.Trade, error)

	LogFee(ctx context.Context, fee model.FeeEntry) error
	MarkFeeSettled(ctx context.Context, id uuid.UUID, transferID string) error
	// ClaimFee takes an unsettled entry for transfer and reports whether this caller got it.
	// Claimed entries are not listed by UnsettledFees.
	ClaimFee(ctx context.Context, id uuid.UUID) (bool, error)
	ReleaseFee(ctx context.Context, id uuid.UUID) error
	UnsettledFees(ctx context.Context, limit int) ([]model.FeeEntry, error)
}
