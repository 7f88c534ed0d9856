// Package postgres implements the budget engine's storage interfaces on
// PostgreSQL through a pgx connection pool.
//
// It mirrors store/sqlite statement for statement: insert-or-noop with
// ON CONFLICT DO NOTHING, no UPDATE on periods or history, and a WithTx
// whose Store runs on the pgx.Tx only. Amounts are NUMERIC(14,2) and travel
// as text so no float conversion ever happens.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/budget-engine/budget"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type Store struct {
	pool    *pgxpool.Pool
	version uint
}

// Connect migrates the database, then opens and checks a pool.
func Connect(ctx context.Context, url string) (*Store, error) {
	version, err := Migrate(url)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &Store{pool: pool, version: version}, nil
}

// SchemaVersion is the migration version applied by Connect.
func (s *Store) SchemaVersion() uint {
	return s.version
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// BUDGET PERIODS
// =============================================================================

const periodColumns = `
	id, account_book_id, user_id, family_member_id, name, category_id, budget_type,
	period_type, refresh_day, start_date, end_date, amount::text, rollover_amount::text,
	rollover_enabled, created_at`

const rollingFilter = `budget_type = 'PERSONAL' AND period_type IN ('MONTHLY', 'YEARLY')`

func (s *Store) ListScopeCandidates(ctx context.Context) ([]budget.ScopeCandidate, error) {
	return listScopeCandidates(ctx, s.pool)
}

func listScopeCandidates(ctx context.Context, q querier) ([]budget.ScopeCandidate, error) {
	rows, err := q.Query(ctx, `
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
		if err := rows.Scan(&c.AccountBookID, &c.UserID, &c.FamilyMemberID, &c.LatestEnd); err != nil {
			return nil, err
		}
		c.LatestEnd = c.LatestEnd.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) FindLatestPeriod(ctx context.Context, scope budget.Scope) (*budget.BudgetPeriod, error) {
	return findLatestPeriod(ctx, s.pool, scope)
}

func findLatestPeriod(ctx context.Context, q querier, scope budget.Scope) (*budget.BudgetPeriod, error) {
	return queryOnePeriod(ctx, q, `
		SELECT `+periodColumns+`
		FROM budget_periods
		WHERE account_book_id = $1 AND user_id = $2 AND family_member_id = $3
		  AND `+rollingFilter+`
		ORDER BY end_date DESC
		LIMIT 1
	`, scope.AccountBookID, scope.UserID(), scope.CustodialMemberID())
}

func (s *Store) FindPeriod(ctx context.Context, scope budget.Scope, w budget.Period) (*budget.BudgetPeriod, error) {
	return findPeriod(ctx, s.pool, scope, w)
}

func findPeriod(ctx context.Context, q querier, scope budget.Scope, w budget.Period) (*budget.BudgetPeriod, error) {
	return queryOnePeriod(ctx, q, `
		SELECT `+periodColumns+`
		FROM budget_periods
		WHERE account_book_id = $1 AND user_id = $2 AND family_member_id = $3
		  AND start_date = $4 AND end_date = $5
	`, scope.AccountBookID, scope.UserID(), scope.CustodialMemberID(), w.Start.UTC(), w.End.UTC())
}

func (s *Store) GetPeriod(ctx context.Context, id budget.PeriodID) (*budget.BudgetPeriod, error) {
	return getPeriod(ctx, s.pool, id)
}

func getPeriod(ctx context.Context, q querier, id budget.PeriodID) (*budget.BudgetPeriod, error) {
	p, err := queryOnePeriod(ctx, q, `SELECT `+periodColumns+` FROM budget_periods WHERE id = $1`, string(id))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", budget.ErrPeriodNotFound, id)
	}
	return p, nil
}

func (s *Store) ListPeriods(ctx context.Context, scope budget.Scope) ([]budget.BudgetPeriod, error) {
	return listPeriods(ctx, s.pool, scope)
}

func listPeriods(ctx context.Context, q querier, scope budget.Scope) ([]budget.BudgetPeriod, error) {
	return queryPeriods(ctx, q, `
		SELECT `+periodColumns+`
		FROM budget_periods
		WHERE account_book_id = $1 AND user_id = $2 AND family_member_id = $3
		ORDER BY start_date ASC
	`, scope.AccountBookID, scope.UserID(), scope.CustodialMemberID())
}

func (s *Store) ListUnrecordedPeriods(ctx context.Context, scope budget.Scope, closedBy time.Time) ([]budget.BudgetPeriod, error) {
	return listUnrecordedPeriods(ctx, s.pool, scope, closedBy)
}

func listUnrecordedPeriods(ctx context.Context, q querier, scope budget.Scope, closedBy time.Time) ([]budget.BudgetPeriod, error) {
	return queryPeriods(ctx, q, `
		SELECT `+periodColumns+`
		FROM budget_periods p
		WHERE account_book_id = $1 AND user_id = $2 AND family_member_id = $3
		  AND `+rollingFilter+`
		  AND end_date <= $4
		  AND NOT EXISTS (SELECT 1 FROM budget_histories h WHERE h.budget_period_id = p.id)
		ORDER BY start_date ASC
	`, scope.AccountBookID, scope.UserID(), scope.CustodialMemberID(), closedBy.UTC())
}

func (s *Store) InsertPeriodIfAbsent(ctx context.Context, p budget.BudgetPeriod) (budget.BudgetPeriod, bool, error) {
	return insertPeriod(ctx, s.pool, p)
}

func insertPeriod(ctx context.Context, q querier, p budget.BudgetPeriod) (budget.BudgetPeriod, bool, error) {
	if err := p.Validate(); err != nil {
		return budget.BudgetPeriod{}, false, err
	}

	var id string
	err := q.QueryRow(ctx, `
		INSERT INTO budget_periods (
			id, account_book_id, user_id, family_member_id, name, category_id, budget_type,
			period_type, refresh_day, start_date, end_date, amount, rollover_amount,
			rollover_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::text::numeric,
			$13::text::numeric, $14, $15)
		ON CONFLICT DO NOTHING
		RETURNING id
	`,
		string(p.ID), p.Scope.AccountBookID, p.Scope.UserID(), p.Scope.CustodialMemberID(),
		p.Name, p.CategoryID, string(p.BudgetType), string(p.PeriodType), p.RefreshDay,
		p.StartDate.UTC(), p.EndDate.UTC(), p.Amount.String(), p.RolloverAmount.String(),
		p.RolloverEnabled, p.CreatedAt.UTC(),
	).Scan(&id)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		existing, err := findPeriod(ctx, q, p.Scope, p.Window())
		if err != nil {
			return budget.BudgetPeriod{}, false, err
		}
		if existing == nil {
			return budget.BudgetPeriod{}, false, fmt.Errorf("%w: period id %s", budget.ErrDuplicate, p.ID)
		}
		return *existing, false, nil
	case err != nil:
		return budget.BudgetPeriod{}, false, fmt.Errorf("failed to insert period: %w", err)
	}

	saved, err := getPeriod(ctx, q, budget.PeriodID(id))
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
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}
	defer rows.Close()

	var periods []budget.BudgetPeriod
	for rows.Next() {
		var (
			p                          budget.BudgetPeriod
			id, book, userID, memberID string
			budgetType, periodType     string
			amount, rollover           string
		)
		if err := rows.Scan(
			&id, &book, &userID, &memberID, &p.Name, &p.CategoryID, &budgetType,
			&periodType, &p.RefreshDay, &p.StartDate, &p.EndDate, &amount, &rollover,
			&p.RolloverEnabled, &p.CreatedAt,
		); err != nil {
			return nil, err
		}
		if p.Scope, err = budget.NewScope(book, userID, memberID); err != nil {
			return nil, fmt.Errorf("period %s: %w", id, err)
		}
		if p.Amount, err = budget.ParseMoney(amount); err != nil {
			return nil, err
		}
		if p.RolloverAmount, err = budget.ParseMoney(rollover); err != nil {
			return nil, err
		}
		p.ID = budget.PeriodID(id)
		p.BudgetType = budget.BudgetType(budgetType)
		p.PeriodType = budget.PeriodType(periodType)
		p.StartDate = p.StartDate.UTC()
		p.EndDate = p.EndDate.UTC()
		p.CreatedAt = p.CreatedAt.UTC()
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// =============================================================================
// BUDGET HISTORY
// =============================================================================

const historyColumns = `
	id, budget_period_id, account_book_id, user_id, family_member_id, period_label,
	amount::text, type, budget_amount::text, spent_amount::text, previous_rollover::text,
	carried_amount::text, description, created_at`

func (s *Store) FindHistory(ctx context.Context, periodID budget.PeriodID, label string) (*budget.HistoryEntry, error) {
	return findHistory(ctx, s.pool, periodID, label)
}

func findHistory(ctx context.Context, q querier, periodID budget.PeriodID, label string) (*budget.HistoryEntry, error) {
	entries, err := queryHistory(ctx, q, `
		SELECT `+historyColumns+`
		FROM budget_histories
		WHERE budget_period_id = $1 AND period_label = $2
	`, string(periodID), label)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (s *Store) ListHistory(ctx context.Context, periodID budget.PeriodID) ([]budget.HistoryEntry, error) {
	return listHistory(ctx, s.pool, periodID)
}

func listHistory(ctx context.Context, q querier, periodID budget.PeriodID) ([]budget.HistoryEntry, error) {
	return queryHistory(ctx, q, `
		SELECT `+historyColumns+`
		FROM budget_histories
		WHERE budget_period_id = $1
		ORDER BY created_at ASC
	`, string(periodID))
}

func (s *Store) InsertHistoryIfAbsent(ctx context.Context, e budget.HistoryEntry) (budget.HistoryEntry, bool, error) {
	return insertHistory(ctx, s.pool, e)
}

func insertHistory(ctx context.Context, q querier, e budget.HistoryEntry) (budget.HistoryEntry, bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO budget_histories (
			id, budget_period_id, account_book_id, user_id, family_member_id, period_label,
			amount, type, budget_amount, spent_amount, previous_rollover, carried_amount,
			description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8, $9::text::numeric,
			$10::text::numeric, $11::text::numeric, $12::text::numeric, $13, $14)
		ON CONFLICT DO NOTHING
	`,
		string(e.ID), string(e.PeriodID), e.Scope.AccountBookID, e.Scope.UserID(),
		e.Scope.CustodialMemberID(), e.PeriodLabel, e.Amount.String(), string(e.Type),
		e.BudgetAmount.String(), e.SpentAmount.String(), e.PreviousRollover.String(),
		e.CarriedAmount.String(), e.Description, e.CreatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return budget.HistoryEntry{}, false, fmt.Errorf("%w: %s", budget.ErrPeriodNotFound, e.PeriodID)
		}
		return budget.HistoryEntry{}, false, fmt.Errorf("failed to insert history: %w", err)
	}

	saved, err := findHistory(ctx, q, e.PeriodID, e.PeriodLabel)
	if err != nil {
		return budget.HistoryEntry{}, false, err
	}
	if saved == nil {
		return budget.HistoryEntry{}, false, fmt.Errorf("%w: history id %s", budget.ErrDuplicate, e.ID)
	}
	return *saved, tag.RowsAffected() > 0, nil
}

func queryHistory(ctx context.Context, q querier, query string, args ...any) ([]budget.HistoryEntry, error) {
	rows, err := q.Query(ctx, query, args...)
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
			carried                              string
		)
		if err := rows.Scan(
			&id, &periodID, &book, &userID, &memberID, &e.PeriodLabel,
			&amount, &typ, &budgetAmt, &spent, &prev, &carried,
			&e.Description, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if e.Scope, err = budget.NewScope(book, userID, memberID); err != nil {
			return nil, fmt.Errorf("history %s: %w", id, err)
		}
		e.ID = budget.HistoryID(id)
		e.PeriodID = budget.PeriodID(periodID)
		e.Type = budget.RolloverType(typ)
		e.CreatedAt = e.CreatedAt.UTC()
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
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store budget.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	tx pgx.Tx
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
// LEDGER
// =============================================================================

// SumExpenses totals the EXPENSE rows of q.Scope in [q.Start, q.End).
func (s *Store) SumExpenses(ctx context.Context, q budget.ExpenseQuery) (budget.Money, error) {
	var ownerClause string
	switch q.Scope.Kind {
	case budget.OwnerRegistered:
		ownerClause = `user_id = $4 AND family_member_id = ''`
	case budget.OwnerCustodial:
		ownerClause = `family_member_id = $4`
	default:
		return budget.ZeroMoney, fmt.Errorf("%w: owner kind %q", budget.ErrInvalidScope, q.Scope.Kind)
	}

	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text
		FROM transactions
		WHERE type = 'EXPENSE' AND account_book_id = $1
		  AND date >= $2 AND date < $3
		  AND `+ownerClause+`
		  AND ($5 = '' OR category_id = $5)
	`, q.Scope.AccountBookID, q.Start.UTC(), q.End.UTC(), q.Scope.OwnerID, q.CategoryID).Scan(&total)
	if err != nil {
		return budget.ZeroMoney, fmt.Errorf("failed to sum expenses: %w", err)
	}
	return budget.ParseMoney(total)
}

func (s *Store) RecordTransaction(ctx context.Context, e budget.LedgerEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions
		(id, account_book_id, user_id, family_member_id, category_id, type, amount, date, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8, $9)
	`, e.ID, e.AccountBookID, e.UserID, e.FamilyMemberID, e.CategoryID, string(e.Type),
		e.Amount.String(), e.Date.UTC(), e.Description)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: transaction %s", budget.ErrDuplicate, e.ID)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

func (s *Store) SaveRun(ctx context.Context, r budget.RunRecord) error {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_runs (id, as_of, status, scopes_processed,
			periods_created, history_recorded, errors, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			scopes_processed = EXCLUDED.scopes_processed,
			periods_created = EXCLUDED.periods_created,
			history_recorded = EXCLUDED.history_recorded,
			errors = EXCLUDED.errors,
			completed_at = EXCLUDED.completed_at
	`, r.ID, r.AsOf.UTC(), string(r.Status), r.ScopesProcessed, r.PeriodsCreated,
		r.HistoryRecorded, errs, r.StartedAt.UTC(), r.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns the newest runs first. limit <= 0 returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]budget.RunRecord, error) {
	query := `
		SELECT id, as_of, status, scopes_processed, periods_created, history_recorded,
			errors, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []budget.RunRecord
	for rows.Next() {
		var r budget.RunRecord
		var status string
		if err := rows.Scan(
			&r.ID, &r.AsOf, &status, &r.ScopesProcessed, &r.PeriodsCreated,
			&r.HistoryRecorded, &r.Errors, &r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, err
		}
		r.Status = budget.RunStatus(status)
		r.AsOf, r.StartedAt, r.CompletedAt = r.AsOf.UTC(), r.StartedAt.UTC(), r.CompletedAt.UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
