package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cyclearb/internal/database"
	"cyclearb/internal/metrics"
	"cyclearb/internal/model"

	"github.com/robfig/cron/v3"
)

const sweepBatch = 100

// Settler periodically retries the transfer of unsettled commission entries.
type Settler struct {
	logger   *slog.Logger
	repo     database.Repository
	newVenue VenueFactory
	settings Settings
	cron     *cron.Cron
}

// NewSettler creates a settler. Overlapping sweeps are skipped.
func NewSettler(logger *slog.Logger, repo database.Repository, newVenue VenueFactory, settings Settings) *Settler {
	cl := cronLogger{logger}
	return &Settler{
		logger:   logger,
		repo:     repo,
		newVenue: newVenue,
		settings: settings,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
}

// Start schedules Sweep with a cron spec such as "@every 10m" and starts the scheduler.
func (s *Settler) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("Fee sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and returns a context done when a running sweep has finished.
func (s *Settler) Stop() context.Context {
	return s.cron.Stop()
}

// Sweep attempts every unclaimed unsettled entry once, oldest first, and returns how many
// were settled. An entry is claimed before its transfer so no two settlers pay it.
func (s *Settler) Sweep(ctx context.Context) (int, error) {
	fees, err := s.repo.UnsettledFees(ctx, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list unsettled fees: %w", err)
	}

	settled := 0
	for _, fee := range fees {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		account, err := s.repo.GetAccount(ctx, fee.SubjectID)
		if err != nil {
			s.logger.Warn("Fee owner unavailable", "fee", fee.ID, "subject", fee.SubjectID, "error", err)
			continue
		}
		venue, err := s.newVenue(account)
		if err != nil {
			s.logger.Warn("Fee venue unavailable", "fee", fee.ID, "subject", fee.SubjectID, "error", err)
			continue
		}

		claimed, err := s.repo.ClaimFee(ctx, fee.ID)
		if err != nil {
			s.logger.Warn("Failed to claim fee", "fee", fee.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}

		res := SettleFee(ctx, venue, fee.Profit, fee.FeePct, fee.Asset, s.settings.payoutAddress(account), s.settings.CallTimeout)
		if recordSettlement(ctx, s.logger, s.repo, fee, res) {
			settled++
		}
	}
	if len(fees) > 0 {
		s.logger.Info("Fee sweep finished", "pending", len(fees), "settled", settled)
	}
	return settled, nil
}

// recordSettlement stores the outcome of a transfer attempted under a claim and reports
// whether the entry is now settled. Entries that were certainly not paid are released for the
// next sweep. An entry whose transfer outcome is unknown, or whose settled mark could not be
// written, stays claimed and is never sent again automatically.
func recordSettlement(ctx context.Context, logger *slog.Logger, repo database.Repository, fee model.FeeEntry, res model.FeeSettlement) bool {
	if res.OK {
		metrics.FeeSettlements.WithLabelValues("ok").Inc()
		if err := repo.MarkFeeSettled(ctx, fee.ID, res.TransferID); err != nil {
			logger.Error("Failed to mark fee settled, entry left claimed", "fee", fee.ID, "transfer", res.TransferID, "error", err)
			return false
		}
		return true
	}

	metrics.FeeSettlements.WithLabelValues(res.Reason).Inc()
	if res.Reason == ReasonTransferUnknown {
		logger.Error("Commission transfer outcome unknown, entry left claimed for reconciliation",
			"fee", fee.ID, "subject", fee.SubjectID, "amount", res.Amount.String())
		return false
	}
	logger.Warn("Commission not settled", "fee", fee.ID, "subject", fee.SubjectID, "amount", res.Amount.String(), "reason", res.Reason)
	if err := repo.ReleaseFee(ctx, fee.ID); err != nil {
		logger.Error("Failed to release fee claim", "fee", fee.ID, "error", err)
	}
	return false
}

// cronLogger adapts slog to the cron scheduler's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("Cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("Cron: "+msg, append(keysAndValues, "error", err)...)
}
