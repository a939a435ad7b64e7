package arbitrage

import (
	"errors"
	"fmt"

	"cyclearb/internal/exchange"
)

// Control surface outcomes.
var (
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrNotFound           = errors.New("not_found")
	ErrCredentialsInvalid = errors.New("credentials_invalid")
	ErrAlreadyRunning     = errors.New("already_running")
	ErrNotRunning         = errors.New("not_running")
)

// ErrNoPrice is returned when a venue cannot quote a symbol.
var ErrNoPrice = exchange.ErrNoPrice

// Constraint violation reasons.
const (
	ReasonMinNotional = "min_notional"
	ReasonMinAmount   = "min_amount"
	ReasonNoMarket    = "no_market"
	ReasonNoPrice     = "no_price"
)

// Execution abort reasons.
const (
	ReasonZeroAmount        = "zero_amount"
	ReasonOrderFailed       = "order_failed"
	ReasonNoWithdrawAddress = "no_withdraw_address"
	ReasonTransferFailed    = "transfer_failed"
	ReasonTransferUnknown   = "transfer_unknown"
	ReasonLedgerUnavailable = "ledger_unavailable"
)

// ConstraintError reports the first leg of a route that violates a venue rule.
type ConstraintError struct {
	Leg    int
	Symbol string
	Reason string
	Value  float64
	Limit  float64
}

func (e *ConstraintError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("%s on leg %d (%s): %.8g < %.8g", e.Reason, e.Leg+1, e.Symbol, e.Value, e.Limit)
	}
	return fmt.Sprintf("%s on leg %d (%s)", e.Reason, e.Leg+1, e.Symbol)
}
