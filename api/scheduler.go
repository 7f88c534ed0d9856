/*
scheduler.go - Reconciliation passes over every budget scope

PURPOSE:
  Brings every scope's periods up to date and historizes every closed
  period that still lacks an entry. Runs on a ticker and on demand.

DESIGN:
  - States IDLE and RUNNING; a pass started while RUNNING fails with
    budget.ErrPassInProgress instead of queueing
  - Scopes are processed by a bounded worker pool (errgroup.SetLimit),
    each under its own ScopeTimeout
  - A failing scope is recorded in the report and retried next pass; it
    never stops the other scopes
  - Every pass is saved as a reconciliation run and announced on the
    event publisher
  - The pass visits every resolvable scope, not only those with an expired
    period. Catch-up on a scope that is already current writes nothing; the
    extra scopes are there so closed periods missing history get healed

PER SCOPE:
  1. Materializer.Catchup (periods + predecessor history, one transaction)
  2. HistoryRecorder.RecordClosedPeriod for every closed period without
     history (legacy rows, periods whose successor was created elsewhere)

CONFIGURATION:
  - CheckInterval: How often the ticker fires (default: 1 hour)
  - Workers:       Scopes processed concurrently (default: 4)
  - ScopeTimeout:  Budget of one scope (default: 30s)

SEE ALSO:
  - handlers.go: POST /api/reconciliation/run (manual pass)
  - budget/materializer.go, budget/history.go
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/events"
	"golang.org/x/sync/errgroup"
)

// SchedulerState is IDLE or RUNNING.
type SchedulerState string

const (
	StateIdle    SchedulerState = "IDLE"
	StateRunning SchedulerState = "RUNNING"
)

// RunReport summarizes one reconciliation pass.
type RunReport struct {
	RunID           string           `json:"run_id"`
	AsOf            time.Time        `json:"as_of"`
	Status          budget.RunStatus `json:"status"`
	ScopesProcessed int              `json:"scopes_processed"`
	PeriodsCreated  int              `json:"periods_created"`
	HistoryRecorded int              `json:"history_recorded"`
	Errors          []string         `json:"errors"`
}

// ReconciliationScheduler runs reconciliation passes.
type ReconciliationScheduler struct {
	Resolver     *budget.ScopeResolver
	Materializer *budget.Materializer
	Recorder     *budget.HistoryRecorder
	Runs         budget.RunLog
	Events       events.Publisher

	CheckInterval time.Duration
	Workers       int
	ScopeTimeout  time.Duration
	Enabled       bool
	Logger        zerolog.Logger

	running atomic.Bool
	nextRun atomic.Int64 // unix nanos of the next tick, 0 when stopped
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciliationScheduler creates a scheduler with default settings.
func NewReconciliationScheduler(
	resolver *budget.ScopeResolver,
	materializer *budget.Materializer,
	recorder *budget.HistoryRecorder,
	runs budget.RunLog,
	publisher events.Publisher,
	logger zerolog.Logger,
) *ReconciliationScheduler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &ReconciliationScheduler{
		Resolver:      resolver,
		Materializer:  materializer,
		Recorder:      recorder,
		Runs:          runs,
		Events:        publisher,
		CheckInterval: time.Hour,
		Workers:       4,
		ScopeTimeout:  30 * time.Second,
		Enabled:       true,
		Logger:        logger.With().Str("component", "scheduler").Logger(),
		now:           time.Now,
	}
}

// State reports whether a pass is in flight.
func (rs *ReconciliationScheduler) State() SchedulerState {
	if rs.running.Load() {
		return StateRunning
	}
	return StateIdle
}

// =============================================================================
// TICKER
// =============================================================================

// Start runs a pass immediately and then every CheckInterval until Stop.
func (rs *ReconciliationScheduler) Start(ctx context.Context) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info().Msg("scheduler disabled, not starting")
		return
	}
	if rs.cancel != nil {
		return
	}

	ctx, rs.cancel = context.WithCancel(ctx)
	rs.wg.Add(1)
	go rs.run(ctx)

	rs.Logger.Info().Dur("check_interval", rs.CheckInterval).Msg("scheduler started")
}

// Stop cancels the ticker and any pass it started, then waits for both.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cancel == nil {
		return
	}
	rs.cancel()
	rs.wg.Wait()
	rs.cancel = nil
	rs.Logger.Info().Msg("scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	ticker := time.NewTicker(rs.CheckInterval)
	defer ticker.Stop()
	defer rs.nextRun.Store(0)

	rs.nextRun.Store(rs.now().Add(rs.CheckInterval).UnixNano())
	rs.tick(ctx)
	for {
		select {
		case t := <-ticker.C:
			rs.nextRun.Store(t.Add(rs.CheckInterval).UnixNano())
			rs.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (rs *ReconciliationScheduler) tick(ctx context.Context) {
	_, err := rs.RunReconciliationPass(ctx, rs.now())
	switch {
	case errors.Is(err, budget.ErrPassInProgress):
		rs.Logger.Debug().Msg("pass already running, tick skipped")
	case err != nil:
		rs.Logger.Error().Err(err).Msg("reconciliation pass failed")
	}
}

// NextRun returns when the ticker fires next. ok is false while the
// scheduler is not started.
func (rs *ReconciliationScheduler) NextRun() (next time.Time, ok bool) {
	n := rs.nextRun.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// =============================================================================
// PASS
// =============================================================================

// scopeOutcome is what one scope contributed to a pass.
type scopeOutcome struct {
	created []budget.BudgetPeriod
	history []budget.HistoryEntry
}

// RunReconciliationPass reconciles every scope as of asOf. Per-scope failures
// are reported, not returned; the error is non-nil only when the pass could
// not run at all.
func (rs *ReconciliationScheduler) RunReconciliationPass(ctx context.Context, asOf time.Time) (RunReport, error) {
	if !rs.running.CompareAndSwap(false, true) {
		return RunReport{}, budget.ErrPassInProgress
	}
	defer rs.running.Store(false)

	started := rs.now()
	report := RunReport{
		RunID:  uuid.NewString(),
		AsOf:   asOf,
		Errors: []string{},
	}
	log := rs.Logger.With().Str("run_id", report.RunID).Time("as_of", asOf).Logger()
	log.Info().Msg("reconciliation pass started")

	set, err := rs.Resolver.ListScopes(ctx)
	if err != nil {
		report.Status = budget.RunFailed
		report.Errors = append(report.Errors, fmt.Sprintf("list scopes: %v", err))
		rs.saveRun(ctx, log, report, started)
		return report, fmt.Errorf("list scopes: %w", err)
	}
	for _, rej := range set.Rejected {
		report.Errors = append(report.Errors, rej.Error())
	}

	var (
		mu       sync.Mutex
		outcomes []scopeOutcome
		failed   int
	)
	g := new(errgroup.Group)
	g.SetLimit(max(rs.Workers, 1))
	for _, scope := range set.Scopes {
		scope := scope
		g.Go(func() error {
			out, err := rs.reconcileScope(ctx, scope, asOf)

			mu.Lock()
			defer mu.Unlock()
			// Partial work of a failed scope is committed and still counted.
			outcomes = append(outcomes, out)
			if err != nil {
				failed++
				se := budget.NewScopeError(scope.String(), err)
				report.Errors = append(report.Errors, se.Error())
				log.Warn().Err(err).
					Str("scope", scope.String()).
					Str("kind", string(se.Kind)).
					Bool("retryable", budget.IsRetryable(err)).
					Msg("scope reconciliation failed")
				return nil
			}
			report.ScopesProcessed++
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		report.PeriodsCreated += len(out.created)
		report.HistoryRecorded += len(out.history)
	}
	report.Status = passStatus(len(set.Scopes), failed, len(report.Errors))

	log.Info().
		Str("status", string(report.Status)).
		Int("scopes_processed", report.ScopesProcessed).
		Int("periods_created", report.PeriodsCreated).
		Int("history_recorded", report.HistoryRecorded).
		Int("errors", len(report.Errors)).
		Msg("reconciliation pass completed")

	rs.saveRun(ctx, log, report, started)
	rs.publish(ctx, log, report, outcomes)
	return report, nil
}

func passStatus(scopes, failed, errs int) budget.RunStatus {
	switch {
	case scopes > 0 && failed == scopes:
		return budget.RunFailed
	case errs > 0:
		return budget.RunPartial
	default:
		return budget.RunCompleted
	}
}

func (rs *ReconciliationScheduler) reconcileScope(ctx context.Context, scope budget.Scope, asOf time.Time) (scopeOutcome, error) {
	if rs.ScopeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.ScopeTimeout)
		defer cancel()
	}

	var out scopeOutcome
	res, err := rs.Materializer.Catchup(ctx, scope, asOf)
	if err != nil {
		return out, fmt.Errorf("catchup: %w", err)
	}
	out.created = res.Created
	out.history = res.History

	unrecorded, err := rs.Materializer.Store.ListUnrecordedPeriods(ctx, scope, asOf)
	if err != nil {
		return out, fmt.Errorf("list unrecorded periods: %w", err)
	}
	for _, p := range unrecorded {
		entry, created, err := rs.Recorder.RecordClosedPeriod(ctx, p, asOf)
		if err != nil {
			return out, fmt.Errorf("record history of %s: %w", p.ID, err)
		}
		if created {
			out.history = append(out.history, entry)
		}
	}
	return out, nil
}

func (rs *ReconciliationScheduler) saveRun(ctx context.Context, log zerolog.Logger, report RunReport, started time.Time) {
	if rs.Runs == nil {
		return
	}
	err := rs.Runs.SaveRun(context.WithoutCancel(ctx), budget.RunRecord{
		ID:              report.RunID,
		AsOf:            report.AsOf,
		Status:          report.Status,
		ScopesProcessed: report.ScopesProcessed,
		PeriodsCreated:  report.PeriodsCreated,
		HistoryRecorded: report.HistoryRecorded,
		Errors:          report.Errors,
		StartedAt:       started,
		CompletedAt:     rs.now(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to save run record")
	}
}

// publish announces the pass. Failures are logged only.
func (rs *ReconciliationScheduler) publish(ctx context.Context, log zerolog.Logger, report RunReport, outcomes []scopeOutcome) {
	ctx = context.WithoutCancel(ctx)
	at := rs.now().UTC()
	send := func(e events.Event) {
		e.RunID = report.RunID
		e.OccurredAt = at
		if err := rs.Events.Publish(ctx, e); err != nil {
			log.Warn().Err(err).Str("type", string(e.Type)).Msg("failed to publish event")
		}
	}

	for _, out := range outcomes {
		for _, p := range out.created {
			send(events.Event{
				Type:     events.PeriodMaterialized,
				Scope:    p.Scope.String(),
				PeriodID: string(p.ID),
				Attributes: map[string]string{
					"start":    p.StartDate.Format(time.RFC3339),
					"end":      p.EndDate.Format(time.RFC3339),
					"rollover": p.RolloverAmount.String(),
				},
			})
		}
		for _, h := range out.history {
			send(events.Event{
				Type:     events.HistoryRecorded,
				Scope:    h.Scope.String(),
				PeriodID: string(h.PeriodID),
				Attributes: map[string]string{
					"label":   h.PeriodLabel,
					"type":    string(h.Type),
					"carried": h.CarriedAmount.String(),
				},
			})
		}
	}
	send(events.Event{
		Type: events.PassCompleted,
		Attributes: map[string]string{
			"status":           string(report.Status),
			"scopes_processed": fmt.Sprint(report.ScopesProcessed),
			"periods_created":  fmt.Sprint(report.PeriodsCreated),
			"history_recorded": fmt.Sprint(report.HistoryRecorded),
		},
	})
}
