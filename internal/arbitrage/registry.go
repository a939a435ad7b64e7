package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"cyclearb/internal/database"
	"cyclearb/internal/exchange"
	"cyclearb/internal/metrics"
	"cyclearb/internal/model"
	"cyclearb/internal/notify"
)

// VenueFactory builds the venue client a subject trades on.
type VenueFactory func(account model.Account) (exchange.ExchangeClient, error)

type loop struct {
	engine *Engine
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// stopping is guarded by Registry.mu. A stopping loop keeps its slot until it exits.
	stopping bool
}

// SubjectStatus is the externally visible state of one subject.
type SubjectStatus struct {
	SubjectID string           `json:"subject_id"`
	Running   bool             `json:"running"`
	State     State            `json:"state"`
	Notional  float64          `json:"notional"`
	Profit    float64          `json:"profit"`
	LastScan  *IterationReport `json:"last_scan,omitempty"`
}

// Registry owns at most one loop per subject. A subject's slot is held from Start until its
// loop goroutine has exited, including while a stopped loop finishes the route in flight.
type Registry struct {
	logger     *slog.Logger
	repo       database.Repository
	notifier   notify.Notifier
	settings   Settings
	newVenue   VenueFactory
	summarizer Summarizer

	mu    sync.Mutex
	loops map[string]*loop
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, repo database.Repository, notifier notify.Notifier, settings Settings, newVenue VenueFactory, summarizer Summarizer) *Registry {
	return &Registry{
		logger:     logger,
		repo:       repo,
		notifier:   notifier,
		settings:   settings,
		newVenue:   newVenue,
		summarizer: summarizer,
		loops:      make(map[string]*loop),
	}
}

// Start validates the request, persists the running flag and notional, and spawns the loop.
// It returns ErrInvalidAmount, ErrNotFound, ErrCredentialsInvalid or ErrAlreadyRunning.
func (r *Registry) Start(ctx context.Context, subjectID string, notional float64) error {
	if math.IsNaN(notional) || notional <= 0 || (r.settings.MaxNotional > 0 && notional > r.settings.MaxNotional) {
		return ErrInvalidAmount
	}
	account, err := r.repo.GetAccount(ctx, subjectID)
	if errors.Is(err, database.ErrAccountNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load account %s: %w", subjectID, err)
	}
	if r.registered(subjectID) {
		return ErrAlreadyRunning
	}

	venue, err := r.checkedVenue(ctx, account)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.loops[subjectID]; ok {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	l := r.newLoop(subjectID, venue)
	r.loops[subjectID] = l
	r.mu.Unlock()

	if err := r.persistStart(ctx, subjectID, notional); err != nil {
		r.discard(subjectID, l)
		return err
	}
	r.run(subjectID, l)
	r.mu.Lock()
	stopped := l.stopping
	r.mu.Unlock()
	if stopped {
		// Stopped while the flag was being written; the stop wins.
		if _, err := r.repo.SetRunning(context.WithoutCancel(ctx), subjectID, false); err != nil {
			return fmt.Errorf("clear running flag for %s: %w", subjectID, err)
		}
		return nil
	}
	r.logger.Info("Subject started", "subject", subjectID, "notional", notional)
	return nil
}

func (r *Registry) persistStart(ctx context.Context, subjectID string, notional float64) error {
	if err := r.repo.SetNotional(ctx, subjectID, notional); err != nil {
		return fmt.Errorf("store notional for %s: %w", subjectID, err)
	}
	if _, err := r.repo.SetRunning(ctx, subjectID, true); err != nil {
		return fmt.Errorf("mark %s running: %w", subjectID, err)
	}
	return nil
}

// Stop cancels the subject's loop and clears its running flag exactly once.
// A loop already inside a route finishes that route before exiting; until then the
// subject cannot be started again.
func (r *Registry) Stop(ctx context.Context, subjectID string) error {
	r.mu.Lock()
	l, ok := r.loops[subjectID]
	if ok && l.stopping {
		r.mu.Unlock()
		return ErrNotRunning
	}
	if ok {
		l.stopping = true
	}
	r.mu.Unlock()

	if !ok {
		// A flag left behind by a previous process is still cleared.
		changed, err := r.repo.SetRunning(ctx, subjectID, false)
		if err != nil {
			return fmt.Errorf("clear running flag for %s: %w", subjectID, err)
		}
		if changed {
			return nil
		}
		return ErrNotRunning
	}

	l.cancel()
	if _, err := r.repo.SetRunning(context.WithoutCancel(ctx), subjectID, false); err != nil {
		return fmt.Errorf("clear running flag for %s: %w", subjectID, err)
	}
	r.logger.Info("Subject stopped", "subject", subjectID)
	return nil
}

// Resume restarts loops for every account persisted as running. Accounts whose credentials
// no longer work are marked stopped and notified.
func (r *Registry) Resume(ctx context.Context) (int, error) {
	accounts, err := r.repo.ListRunningAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running accounts: %w", err)
	}

	resumed := 0
	for _, account := range accounts {
		if r.registered(account.SubjectID) {
			continue
		}
		venue, err := r.checkedVenue(ctx, account)
		if err != nil {
			r.logger.Warn("Cannot resume subject", "subject", account.SubjectID, "error", err)
			if _, err := r.repo.SetRunning(ctx, account.SubjectID, false); err != nil {
				r.logger.Error("Failed to clear running flag", "subject", account.SubjectID, "error", err)
			}
			if err := r.notifier.Notify(ctx, account.SubjectID, "Trading was stopped after a restart because the exchange rejected your API keys."); err != nil {
				r.logger.Warn("Failed to notify subject", "subject", account.SubjectID, "error", err)
			}
			continue
		}

		r.mu.Lock()
		l, taken := r.loops[account.SubjectID]
		if !taken {
			l = r.newLoop(account.SubjectID, venue)
			r.loops[account.SubjectID] = l
		}
		r.mu.Unlock()
		if !taken {
			r.run(account.SubjectID, l)
			resumed++
		}
	}
	r.logger.Info("Resumed subject loops", "count", resumed)
	return resumed, nil
}

// Shutdown cancels every loop and waits for them to exit. Running flags are kept so the
// loops resume on the next start.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	loops := r.loops
	r.loops = make(map[string]*loop)
	r.mu.Unlock()

	for _, l := range loops {
		l.cancel()
	}
	for subjectID, l := range loops {
		select {
		case <-l.done:
		case <-ctx.Done():
			return fmt.Errorf("loop %s did not exit: %w", subjectID, ctx.Err())
		}
	}
	return nil
}

// IsRunning reports whether the subject has a loop that has not been asked to stop.
func (r *Registry) IsRunning(subjectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loops[subjectID]
	return ok && !l.stopping
}

func (r *Registry) registered(subjectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[subjectID]
	return ok
}

// Running lists the subjects whose loop has not been asked to stop.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.loops))
	for id, l := range r.loops {
		if !l.stopping {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Status combines the stored account with the live loop state.
func (r *Registry) Status(ctx context.Context, subjectID string) (SubjectStatus, error) {
	account, err := r.repo.GetAccount(ctx, subjectID)
	if errors.Is(err, database.ErrAccountNotFound) {
		return SubjectStatus{}, ErrNotFound
	}
	if err != nil {
		return SubjectStatus{}, fmt.Errorf("load account %s: %w", subjectID, err)
	}

	status := SubjectStatus{
		SubjectID: subjectID,
		State:     StateStopped,
		Notional:  account.Notional,
		Profit:    account.Profit,
	}
	r.mu.Lock()
	l, ok := r.loops[subjectID]
	stopping := ok && l.stopping
	r.mu.Unlock()
	if ok {
		status.Running = !stopping
		status.State = l.engine.State()
		if report, ok := l.engine.LastReport(); ok {
			status.LastScan = &report
		}
	}
	return status, nil
}

func (r *Registry) checkedVenue(ctx context.Context, account model.Account) (exchange.ExchangeClient, error) {
	venue, err := r.newVenue(account)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialsInvalid, err)
	}
	callCtx, cancel := callContext(ctx, r.settings.CallTimeout)
	defer cancel()
	if err := venue.CheckCredentials(callCtx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialsInvalid, err)
	}
	return venue, nil
}

func (r *Registry) newLoop(subjectID string, venue exchange.ExchangeClient) *loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &loop{
		engine: NewEngine(r.logger, subjectID, venue, r.repo, r.notifier, r.settings, r.summarizer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// discard releases the slot of a loop that was never run.
func (r *Registry) discard(subjectID string, l *loop) {
	r.mu.Lock()
	if r.loops[subjectID] == l {
		delete(r.loops, subjectID)
	}
	r.mu.Unlock()
	l.cancel()
	close(l.done)
}

// run starts the goroutine of a registered loop. The slot is released only after Run returns.
func (r *Registry) run(subjectID string, l *loop) {
	metrics.ActiveLoops.Inc()
	go func() {
		defer close(l.done)
		defer metrics.ActiveLoops.Dec()
		l.engine.Run(l.ctx)

		r.mu.Lock()
		if r.loops[subjectID] == l {
			delete(r.loops, subjectID)
		}
		r.mu.Unlock()
		l.cancel()
	}()
}
