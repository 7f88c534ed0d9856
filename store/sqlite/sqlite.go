/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements the budget engine's persistence (budget.TxStore, budget.RunLog)
  and the read side of the owning application's ledger (budget.Ledger) on
  one SQLite database.

INTERFACES IMPLEMENTED:
  budget.TxStore:      Budget periods and history, insert-or-noop
  budget.Ledger:       Expense sums over [start, end)
  budget.LedgerWriter: Transaction seeding (demos, tests)
  budget.RunLog:       Reconciliation pass records

INSERT-OR-NOOP:
  Period and history inserts use INSERT OR IGNORE against their natural
  unique keys. When nothing was inserted the stored row is read back and
  returned with created=false. There are no UPDATE statements on
  budget_periods or budget_histories.

KEY TABLES:
  budget_periods:      One row per (scope, window)
  budget_histories:    One row per (period, label)
  transactions:        Ledger, amounts in integer cents
  reconciliation_runs: One row per pass

TIME STORAGE:
  Instants are stored in UTC with a fixed-width layout so string comparison
  in SQL matches chronological order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  whole transaction; the Store passed to fn runs on the sql.Tx only and must
  not call back into the parent Store.

MIGRATION:
  Schema is migrated on New() with golang-migrate (migrations/ is embedded).

SEE ALSO:
  - budget/store.go: Interface definitions
  - budget/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/warp/budget-engine/budget"
)

// timeLayout sorts lexically in chronological order for UTC instants.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	version uint
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	version, err := Migrate(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, version: version}, nil
}

// SchemaVersion is the migration version the database was left at.
func (s *Store) SchemaVersion() uint {
	return s.version
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// BUDGET PERIODS (budget.Store interface)
// =============================================================================

const periodColumns = `
	id, account_book_id, user_id, family_member_id, name, category_id, budget_type,
	period_type, refresh_day, start_date, end_date, amount, rollover_amount,
	rollover_enabled, created_at`

const scopeFilter = `account_book_id = ? AND user_id = ? AND family_member_id = ?`

const rollingFilter = `budget_type = 'PERSONAL' AND period_type IN ('MONTHLY', 'YEARLY')`

func scopeArgs(scope budget.Scope) []any {
	return []any{scope.AccountBookID, scope.UserID(), scope.CustodialMemberID()}
}

func (s *Store) ListScopeCandidates(ctx context.Context) ([]budget.ScopeCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listScopeCandidates(ctx, s.db)
}

func listScopeCandidates(ctx context.Context, q querier) ([]budget.ScopeCandidate, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT account_book_id, user_id, family_member_id, MAX(end_date)
		FROM budget_periods
		WHERE `+rollingFilter+`
		GROUP BY account_book_id, user_id, family_member_id
		ORDER BY account_book_id, user_id, family_member_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scope candidates: %w", err)
	}
	defer rows.Close()

	var out []budget.ScopeCandidate
	for rows.Next() {
		var c budget.ScopeCandidate
		var latestEnd string
		if err := rows.Scan(&c.AccountBookID, &c.UserID, &c.FamilyMemberID, &latestEnd); err != nil {
			return nil, err
		}
		if c.LatestEnd, err = parseTime(latestEnd); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) FindLatestPeriod(ctx context.Context, scope budget.Scope) (*budget.BudgetPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findLatestPeriod(ctx, s.db, scope)
}

func findLatestPeriod(ctx context.Context, q querier, scope budget.Scope) (*budget.BudgetPeriod, error) {
	return queryOnePeriod(ctx, q, `
		SELECT `+periodColumns+`
		FROM budget_periods
		WHERE `+scopeFilter+` AND `+rollingFilter+`
		ORDER BY end_date DESC
		LIMIT 1
	`, scopeArgs(scope)...)
}

func (s *Store) FindPeriod(ctx context.Context, scope budget.Scope, w budget.Period) (*budget.BudgetPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findPeriod(ctx, s.db, scope, w)
}

func findPeriod(ctx context.Context, q querier, scope budget.Scope, w budget.Period) (*budget.BudgetPeriod, error) {
	args := append(scopeArgs(scope), formatTime(w.Start), formatTime(w.End))
	return queryOnePeriod(ctx, q, `
		SELECT `+periodColumns+`
		FROM budget_periods
		WHERE `+scopeFilter+` AND start_date = ? AND end_date = ?
	`, args...)
}

func (s *Store) GetPeriod(ctx context.Context, id budget.PeriodID) (*budget.BudgetPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPeriod(ctx, s.db, id)
}

func getPeriod(ctx context.Context, q querier, id budget.PeriodID) (*budget.BudgetPeriod, error) {
	p, err := queryOnePeriod(ctx, q, `SELECT `+periodColumns+` FROM budget_periods WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", budget.ErrPeriodNotFound, id)
	}
	return p, nil
}

func (s *Store) ListPeriods(ctx context.Context, scope budget.Scope) ([]budget.BudgetPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPeriods(ctx, s.db, scope)
}

func listPeriods(ctx context.Context, q querier, scope budget.Scope) ([]budget.BudgetPeriod, error) {
	return queryPeriods(ctx, q, `
		SELECT `+periodColumns+`
		FROM budget_periods
		WHERE `+scopeFilter+`
		ORDER BY start_date ASC
	`, scopeArgs(scope)...)
}

func (s *Store) ListUnrecordedPeriods(ctx context.Context, scope budget.Scope, closedBy time.Time) ([]budget.BudgetPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listUnrecordedPeriods(ctx, s.db, scope, closedBy)
}

func listUnrecordedPeriods(ctx context.Context, q querier, scope budget.Scope, closedBy time.Time) ([]budget.BudgetPeriod, error) {
	args := append(scopeArgs(scope), formatTime(closedBy))
	return queryPeriods(ctx, q, `
		SELECT `+periodColumns+`
		FROM budget_periods p
		WHERE `+scopeFilter+` AND `+rollingFilter+`
		  AND end_date <= ?
		  AND NOT EXISTS (SELECT 1 FROM budget_histories h WHERE h.budget_period_id = p.id)
		ORDER BY start_date ASC
	`, args...)
}

// InsertPeriodIfAbsent stores p unless its window already exists.
func (s *Store) InsertPeriodIfAbsent(ctx context.Context, p budget.BudgetPeriod) (budget.BudgetPeriod, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPeriod(ctx, s.db, p)
}

func insertPeriod(ctx context.Context, q querier, p budget.BudgetPeriod) (budget.BudgetPeriod, bool, error) {
	if err := p.Validate(); err != nil {
		return budget.BudgetPeriod{}, false, err
	}

	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO budget_periods (`+periodColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(p.ID),
		p.Scope.AccountBookID,
		p.Scope.UserID(),
		p.Scope.CustodialMemberID(),
		p.Name,
		p.CategoryID,
		string(p.BudgetType),
		string(p.PeriodType),
		p.RefreshDay,
		formatTime(p.StartDate),
		formatTime(p.EndDate),
		p.Amount.String(),
		p.RolloverAmount.String(),
		p.RolloverEnabled,
		formatTime(p.CreatedAt),
	)
	if err != nil {
		return budget.BudgetPeriod{}, false, fmt.Errorf("failed to insert period: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return budget.BudgetPeriod{}, false, err
	}
	if n == 0 {
		existing, err := findPeriod(ctx, q, p.Scope, p.Window())
		if err != nil {
			return budget.BudgetPeriod{}, false, err
		}
		if existing == nil {
			return budget.BudgetPeriod{}, false, fmt.Errorf("%w: period id %s", budget.ErrDuplicate, p.ID)
		}
		return *existing, false, nil
	}

	saved, err := getPeriod(ctx, q, p.ID)
	if err != nil {
		return budget.BudgetPeriod{}, false, err
	}
	return *saved, true, nil
}

func queryOnePeriod(ctx context.Context, q querier, query string, args ...any) (*budget.BudgetPeriod, error) {
	periods, err := queryPeriods(ctx, q, query, args...)
	if err != nil || len(periods) == 0 {
		return nil, err
	}
	return &periods[0], nil
}

func queryPeriods(ctx context.Context, q querier, query string, args ...any) ([]budget.BudgetPeriod, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}
	defer rows.Close()

	var periods []budget.BudgetPeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func scanPeriod(rows *sql.Rows) (budget.BudgetPeriod, error) {
	var (
		p                                     budget.BudgetPeriod
		id, book, userID, memberID            string
		budgetType, periodType                string
		start, end, amount, rollover, created string
	)
	if err := rows.Scan(
		&id, &book, &userID, &memberID, &p.Name, &p.CategoryID, &budgetType,
		&periodType, &p.RefreshDay, &start, &end, &amount, &rollover,
		&p.RolloverEnabled, &created,
	); err != nil {
		return p, err
	}

	scope, err := budget.NewScope(book, userID, memberID)
	if err != nil {
		return p, fmt.Errorf("period %s: %w", id, err)
	}
	p.ID = budget.PeriodID(id)
	p.Scope = scope
	p.BudgetType = budget.BudgetType(budgetType)
	p.PeriodType = budget.PeriodType(periodType)

	if p.StartDate, err = parseTime(start); err != nil {
		return p, err
	}
	if p.EndDate, err = parseTime(end); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return p, err
	}
	if p.Amount, err = budget.ParseMoney(amount); err != nil {
		return p, err
	}
	if p.RolloverAmount, err = budget.ParseMoney(rollover); err != nil {
		return p, err
	}
	return p, nil
}

// =============================================================================
// BUDGET HISTORY
// =============================================================================

const historyColumns = `
	id, budget_period_id, account_book_id, user_id, family_member_id, period_label,
	amount, type, budget_amount, spent_amount, previous_rollover, carried_amount,
	description, created_at`

func (s *Store) FindHistory(ctx context.Context, periodID budget.PeriodID, label string) (*budget.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findHistory(ctx, s.db, periodID, label)
}

func findHistory(ctx context.Context, q querier, periodID budget.PeriodID, label string) (*budget.HistoryEntry, error) {
	entries, err := queryHistory(ctx, q, `
		SELECT `+historyColumns+`
		FROM budget_histories
		WHERE budget_period_id = ? AND period_label = ?
	`, string(periodID), label)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (s *Store) ListHistory(ctx context.Context, periodID budget.PeriodID) ([]budget.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listHistory(ctx, s.db, periodID)
}

func listHistory(ctx context.Context, q querier, periodID budget.PeriodID) ([]budget.HistoryEntry, error) {
	return queryHistory(ctx, q, `
		SELECT `+historyColumns+`
		FROM budget_histories
		WHERE budget_period_id = ?
		ORDER BY created_at ASC
	`, string(periodID))
}

// InsertHistoryIfAbsent stores e unless (period, label) already has an entry.
func (s *Store) InsertHistoryIfAbsent(ctx context.Context, e budget.HistoryEntry) (budget.HistoryEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertHistory(ctx, s.db, e)
}

func insertHistory(ctx context.Context, q querier, e budget.HistoryEntry) (budget.HistoryEntry, bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO budget_histories (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.ID),
		string(e.PeriodID),
		e.Scope.AccountBookID,
		e.Scope.UserID(),
		e.Scope.CustodialMemberID(),
		e.PeriodLabel,
		e.Amount.String(),
		string(e.Type),
		e.BudgetAmount.String(),
		e.SpentAmount.String(),
		e.PreviousRollover.String(),
		e.CarriedAmount.String(),
		e.Description,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return budget.HistoryEntry{}, false, fmt.Errorf("%w: %s", budget.ErrPeriodNotFound, e.PeriodID)
		}
		return budget.HistoryEntry{}, false, fmt.Errorf("failed to insert history: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return budget.HistoryEntry{}, false, err
	}
	saved, err := findHistory(ctx, q, e.PeriodID, e.PeriodLabel)
	if err != nil {
		return budget.HistoryEntry{}, false, err
	}
	if saved == nil {
		return budget.HistoryEntry{}, false, fmt.Errorf("%w: history id %s", budget.ErrDuplicate, e.ID)
	}
	return *saved, n > 0, nil
}

func queryHistory(ctx context.Context, q querier, query string, args ...any) ([]budget.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []budget.HistoryEntry
	for rows.Next() {
		var (
			e                                    budget.HistoryEntry
			id, periodID, book, userID, memberID string
			amount, typ, budgetAmt, spent, prev  string
			carried, created                     string
		)
		if err := rows.Scan(
			&id, &periodID, &book, &userID, &memberID, &e.PeriodLabel,
			&amount, &typ, &budgetAmt, &spent, &prev, &carried,
			&e.Description, &created,
		); err != nil {
			return nil, err
		}

		if e.Scope, err = budget.NewScope(book, userID, memberID); err != nil {
			return nil, fmt.Errorf("history %s: %w", id, err)
		}
		e.ID = budget.HistoryID(id)
		e.PeriodID = budget.PeriodID(periodID)
		e.Type = budget.RolloverType(typ)
		for _, f := range []struct {
			dst *budget.Money
			src string
		}{
			{&e.Amount, amount},
			{&e.BudgetAmount, budgetAmt},
			{&e.SpentAmount, spent},
			{&e.PreviousRollover, prev},
			{&e.CarriedAmount, carried},
		} {
			if *f.dst, err = budget.ParseMoney(f.src); err != nil {
				return nil, err
			}
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (budget.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store budget.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every statement on tx. It takes no lock: WithTx holds it.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) ListScopeCandidates(ctx context.Context) ([]budget.ScopeCandidate, error) {
	return listScopeCandidates(ctx, ts.tx)
}

func (ts *txStore) FindLatestPeriod(ctx context.Context, scope budget.Scope) (*budget.BudgetPeriod, error) {
	return findLatestPeriod(ctx, ts.tx, scope)
}

func (ts *txStore) FindPeriod(ctx context.Context, scope budget.Scope, w budget.Period) (*budget.BudgetPeriod, error) {
	return findPeriod(ctx, ts.tx, scope, w)
}

func (ts *txStore) GetPeriod(ctx context.Context, id budget.PeriodID) (*budget.BudgetPeriod, error) {
	return getPeriod(ctx, ts.tx, id)
}

func (ts *txStore) ListPeriods(ctx context.Context, scope budget.Scope) ([]budget.BudgetPeriod, error) {
	return listPeriods(ctx, ts.tx, scope)
}

func (ts *txStore) InsertPeriodIfAbsent(ctx context.Context, p budget.BudgetPeriod) (budget.BudgetPeriod, bool, error) {
	return insertPeriod(ctx, ts.tx, p)
}

func (ts *txStore) FindHistory(ctx context.Context, periodID budget.PeriodID, label string) (*budget.HistoryEntry, error) {
	return findHistory(ctx, ts.tx, periodID, label)
}

func (ts *txStore) InsertHistoryIfAbsent(ctx context.Context, e budget.HistoryEntry) (budget.HistoryEntry, bool, error) {
	return insertHistory(ctx, ts.tx, e)
}

func (ts *txStore) ListHistory(ctx context.Context, periodID budget.PeriodID) ([]budget.HistoryEntry, error) {
	return listHistory(ctx, ts.tx, periodID)
}

func (ts *txStore) ListUnrecordedPeriods(ctx context.Context, scope budget.Scope, closedBy time.Time) ([]budget.BudgetPeriod, error) {
	return listUnrecordedPeriods(ctx, ts.tx, scope, closedBy)
}

// =============================================================================
// LEDGER (budget.Ledger, budget.LedgerWriter)
// =============================================================================

// SumExpenses totals the EXPENSE rows of q.Scope in [q.Start, q.End).
func (s *Store) SumExpenses(ctx context.Context, q budget.ExpenseQuery) (budget.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM transactions
		WHERE type = 'EXPENSE' AND account_book_id = ?
		  AND date >= ? AND date < ?
	`
	args := []any{q.Scope.AccountBookID, formatTime(q.Start), formatTime(q.End)}

	switch q.Scope.Kind {
	case budget.OwnerRegistered:
		query += ` AND user_id = ? AND family_member_id = ''`
	case budget.OwnerCustodial:
		query += ` AND family_member_id = ?`
	default:
		return budget.ZeroMoney, fmt.Errorf("%w: owner kind %q", budget.ErrInvalidScope, q.Scope.Kind)
	}
	args = append(args, q.Scope.OwnerID)

	if q.CategoryID != "" {
		query += ` AND category_id = ?`
		args = append(args, q.CategoryID)
	}

	var cents int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&cents); err != nil {
		return budget.ZeroMoney, fmt.Errorf("failed to sum expenses: %w", err)
	}
	return budget.MoneyFromCents(cents), nil
}

// RecordTransaction appends a ledger row.
func (s *Store) RecordTransaction(ctx context.Context, e budget.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
		(id, account_book_id, user_id, family_member_id, category_id, type,
		 amount_cents, date, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.AccountBookID, e.UserID, e.FamilyMemberID, e.CategoryID, string(e.Type),
		e.Amount.Cents(), formatTime(e.Date), e.Description, formatTime(time.Now()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: transaction %s", budget.ErrDuplicate, e.ID)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// =============================================================================
// RECONCILIATION RUNS (budget.RunLog)
// =============================================================================

// SaveRun saves a reconciliation run.
func (s *Store) SaveRun(ctx context.Context, r budget.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (id, as_of, status, scopes_processed,
			periods_created, history_recorded, errors_json, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			scopes_processed = excluded.scopes_processed,
			periods_created = excluded.periods_created,
			history_recorded = excluded.history_recorded,
			errors_json = excluded.errors_json,
			completed_at = excluded.completed_at
	`,
		r.ID, formatTime(r.AsOf), string(r.Status), r.ScopesProcessed,
		r.PeriodsCreated, r.HistoryRecorded, string(errorsJSON),
		formatTime(r.StartedAt), formatTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns the newest runs first. limit <= 0 returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]budget.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, as_of, status, scopes_processed, periods_created, history_recorded,
			errors_json, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []budget.RunRecord
	for rows.Next() {
		var r budget.RunRecord
		var status, asOf, errorsJSON, startedAt, completedAt string
		if err := rows.Scan(
			&r.ID, &asOf, &status, &r.ScopesProcessed, &r.PeriodsCreated,
			&r.HistoryRecorded, &errorsJSON, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		r.Status = budget.RunStatus(status)
		if err := json.Unmarshal([]byte(errorsJSON), &r.Errors); err != nil {
			return nil, fmt.Errorf("run %s: %w", r.ID, err)
		}
		if r.AsOf, err = parseTime(asOf); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by other tools may use plain RFC3339.
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
