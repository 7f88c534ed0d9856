/*
store.go - Persistence interfaces for budget periods and history

PURPOSE:
  Defines the interface between the engine and the relational store holding
  budget period rows, history entries and reconciliation run records.

KEY INTERFACES:
  Store:   Period and history reads plus insert-or-noop writes
  TxStore: Store with atomic multi-row writes
  RunLog:  Reconciliation pass records

INSERT-OR-NOOP CONTRACT:
  Periods are unique on (scope, start, end); history entries on
  (period id, label). InsertPeriodIfAbsent and InsertHistoryIfAbsent never
  fail on a duplicate key: they return the row already stored with
  created=false. Two passes racing on the same window therefore both end up
  with the same row.

NO UPDATES:
  There is no Update or Delete. A period's rollover amount is written once,
  when the row is inserted.

IMPLEMENTATIONS:
  - store/sqlite: SQLite (also implements the Ledger)
  - store/postgres: PostgreSQL via pgx (also implements the Ledger)
  - budget/store: in-memory for tests
*/
package budget

import (
	"context"
	"time"
)

// ScopeCandidate is a distinct owner of personal MONTHLY/YEARLY periods as
// stored, before validation. Rows keep the owning application's legacy
// column pair; exactly one of UserID and FamilyMemberID should be set.
type ScopeCandidate struct {
	AccountBookID  string
	UserID         string
	FamilyMemberID string
	LatestEnd      time.Time
}

// Store handles persistence of budget periods and history entries.
type Store interface {
	// ListScopeCandidates returns every (book, owner) pair with at least one
	// personal MONTHLY or YEARLY period, registered and custodial alike.
	ListScopeCandidates(ctx context.Context) ([]ScopeCandidate, error)

	// FindLatestPeriod returns the personal period with the greatest end date,
	// or nil.
	FindLatestPeriod(ctx context.Context, scope Scope) (*BudgetPeriod, error)

	// FindPeriod returns the period covering exactly window, or nil.
	FindPeriod(ctx context.Context, scope Scope, window Period) (*BudgetPeriod, error)

	// GetPeriod returns ErrPeriodNotFound for an unknown id.
	GetPeriod(ctx context.Context, id PeriodID) (*BudgetPeriod, error)

	// ListPeriods returns the scope's chain ordered by start date.
	ListPeriods(ctx context.Context, scope Scope) ([]BudgetPeriod, error)

	// InsertPeriodIfAbsent stores p unless its (scope, start, end) exists.
	InsertPeriodIfAbsent(ctx context.Context, p BudgetPeriod) (BudgetPeriod, bool, error)

	// FindHistory returns the entry for (periodID, label), or nil.
	FindHistory(ctx context.Context, periodID PeriodID, label string) (*HistoryEntry, error)

	// InsertHistoryIfAbsent stores e unless its (period id, label) exists.
	InsertHistoryIfAbsent(ctx context.Context, e HistoryEntry) (HistoryEntry, bool, error)

	// ListHistory returns the entries of a period, oldest first.
	ListHistory(ctx context.Context, periodID PeriodID) ([]HistoryEntry, error)

	// ListUnrecordedPeriods returns the scope's periods ending at or before
	// closedBy that have no history entry, ordered by start date.
	ListUnrecordedPeriods(ctx context.Context, scope Scope, closedBy time.Time) ([]BudgetPeriod, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// RUN LOG - One record per reconciliation pass
// =============================================================================

type RunStatus string

const (
	RunCompleted RunStatus = "completed" // every scope succeeded
	RunPartial   RunStatus = "partial"   // some scopes failed
	RunFailed    RunStatus = "failed"    // the scope list could not be read
)

// RunRecord is the persisted summary of a pass.
type RunRecord struct {
	ID              string
	AsOf            time.Time
	Status          RunStatus
	ScopesProcessed int
	PeriodsCreated  int
	HistoryRecorded int
	Errors          []string
	StartedAt       time.Time
	CompletedAt     time.Time
}

// RunLog stores pass records.
type RunLog interface {
	SaveRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}
