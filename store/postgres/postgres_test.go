package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/store/postgres"
)

// These tests need a disposable database; every table is truncated.
const databaseURLEnv = "BUDGET_TEST_DATABASE_URL"

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv(databaseURLEnv)
	if url == "" {
		t.Skipf("%s not set", databaseURLEnv)
	}
	ctx := context.Background()

	store, err := postgres.Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conn, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, `TRUNCATE budget_histories, budget_periods, transactions, reconciliation_runs`)
	require.NoError(t, err)
	return store
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func period(scope budget.Scope, start, end time.Time, amount string) budget.BudgetPeriod {
	return budget.BudgetPeriod{
		ID:              budget.NewPeriodID(),
		Scope:           scope,
		Name:            "Rent",
		BudgetType:      budget.BudgetPersonal,
		PeriodType:      budget.PeriodMonthly,
		RefreshDay:      start.Day(),
		StartDate:       start,
		EndDate:         end,
		Amount:          budget.MustParseMoney(amount),
		RolloverAmount:  budget.ZeroMoney,
		RolloverEnabled: true,
		CreatedAt:       start,
	}
}

func expense(scope budget.Scope, at time.Time, amount string) budget.LedgerEntry {
	return budget.LedgerEntry{
		ID:             uuid.NewString(),
		AccountBookID:  scope.AccountBookID,
		UserID:         scope.UserID(),
		FamilyMemberID: scope.CustodialMemberID(),
		Type:           budget.EntryExpense,
		Amount:         budget.MustParseMoney(amount),
		Date:           at,
	}
}

var (
	parent = budget.Registered("family", "parent")
	kid    = budget.Custodial("family", "kid")
)

func TestInsertPeriodIfAbsent_SameWindowReturnsExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, created, err := store.InsertPeriodIfAbsent(ctx, period(parent, date(2025, 6, 1), date(2025, 7, 1), "1000.50"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "1000.50", first.Amount.String())

	second, created, err := store.InsertPeriodIfAbsent(ctx, period(parent, date(2025, 6, 1), date(2025, 7, 1), "5"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Same window, other owner kind: independent.
	_, created, err = store.InsertPeriodIfAbsent(ctx, period(kid, date(2025, 6, 1), date(2025, 7, 1), "10"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestInsertHistoryIfAbsent_UnknownPeriod(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.InsertHistoryIfAbsent(context.Background(), budget.HistoryEntry{
		ID:          budget.NewHistoryID(),
		PeriodID:    "missing",
		Scope:       parent,
		PeriodLabel: "2025-5",
		Type:        budget.RolloverSurplus,
		CreatedAt:   date(2025, 6, 1),
	})
	assert.ErrorIs(t, err, budget.ErrPeriodNotFound)
}

func TestSumExpenses_HalfOpen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordTransaction(ctx, expense(parent, date(2025, 6, 1), "10.10")))
	require.NoError(t, store.RecordTransaction(ctx, expense(parent, date(2025, 6, 30), "0.20")))
	require.NoError(t, store.RecordTransaction(ctx, expense(parent, date(2025, 7, 1), "99")))
	require.NoError(t, store.RecordTransaction(ctx, expense(kid, date(2025, 6, 5), "7")))

	total, err := store.SumExpenses(ctx, budget.ExpenseQuery{
		Scope: parent, Start: date(2025, 6, 1), End: date(2025, 7, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, "10.30", total.String())

	total, err = store.SumExpenses(ctx, budget.ExpenseQuery{
		Scope: kid, Start: date(2025, 6, 1), End: date(2025, 7, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, "7.00", total.String())
}

func TestMaterializer_OnPostgres_Catchup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	calc := budget.NewCalculator(time.UTC)
	mat := budget.NewMaterializer(store, budget.NewSpendAggregator(store, time.Second), calc, budget.RolloverPolicy{}, zerolog.Nop())

	_, _, err := store.InsertPeriodIfAbsent(ctx, period(parent, date(2025, 5, 1), date(2025, 6, 1), "1000"))
	require.NoError(t, err)
	require.NoError(t, store.RecordTransaction(ctx, expense(parent, date(2025, 5, 20), "800")))

	res, err := mat.Catchup(ctx, parent, date(2025, 7, 3))
	require.NoError(t, err)
	require.Len(t, res.Created, 2)
	assert.Equal(t, date(2025, 7, 1), res.Current.StartDate)
	// June spent nothing: 1000 + 200 carried forward.
	assert.Equal(t, "1200.00", res.Current.RolloverAmount.String())

	again, err := mat.Catchup(ctx, parent, date(2025, 7, 3))
	require.NoError(t, err)
	assert.Empty(t, again.Created)
	assert.Equal(t, res.Current.ID, again.Current.ID)
}

func TestRuns_SaveAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := budget.RunRecord{
		ID:              uuid.NewString(),
		AsOf:            date(2025, 6, 1),
		Status:          budget.RunPartial,
		ScopesProcessed: 2,
		Errors:          []string{"family/registered:x: boom"},
		StartedAt:       date(2025, 6, 1),
		CompletedAt:     date(2025, 6, 1).Add(time.Second),
	}
	require.NoError(t, store.SaveRun(ctx, run))

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.Errors, runs[0].Errors)
	assert.Equal(t, budget.RunPartial, runs[0].Status)
}

func TestMigrate_Versioned(t *testing.T) {
	// GIVEN: a database already migrated by Connect
	// WHEN: Migrate runs again
	// THEN: nothing changes and both report version 1
	store := newTestStore(t)
	assert.Equal(t, uint(1), store.SchemaVersion())

	version, err := postgres.Migrate(os.Getenv(databaseURLEnv))
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}
