package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func period(scope budget.Scope, start, end time.Time, amount string) budget.BudgetPeriod {
	return budget.BudgetPeriod{
		ID:              budget.NewPeriodID(),
		Scope:           scope,
		Name:            "Groceries",
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

// =============================================================================
// PERIOD UNIQUENESS
// =============================================================================

func TestInsertPeriodIfAbsent_SameWindowReturnsExisting(t *testing.T) {
	// GIVEN: June already stored for a scope
	// WHEN: another insert for the same window arrives with a new id
	// THEN: the stored row is returned with created=false
	store := newTestStore(t)
	ctx := context.Background()

	first, created, err := store.InsertPeriodIfAbsent(ctx, period(parent, date(2025, 6, 1), date(2025, 7, 1), "1000"))
	require.NoError(t, err)
	assert.True(t, created)

	dup := period(parent, date(2025, 6, 1), date(2025, 7, 1), "9999")
	second, created, err := store.InsertPeriodIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "1000.00", second.Amount.String())

	periods, err := store.ListPeriods(ctx, parent)
	require.NoError(t, err)
	assert.Len(t, periods, 1)
}

func TestInsertPeriodIfAbsent_ScopesAreIndependent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, created, err := store.InsertPeriodIfAbsent(ctx, period(parent, date(2025, 6, 1), date(2025, 7, 1), "1000"))
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = store.InsertPeriodIfAbsent(ctx, period(kid, date(2025, 6, 1), date(2025, 7, 1), "50"))
	require.NoError(t, err)
	assert.True(t, created, "custodial scope has its own window")
}

func TestInsertPeriodIfAbsent_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := period(kid, date(2024, 1, 31), date(2024, 2, 29), "12.34")
	p.RolloverAmount = budget.MustParseMoney("-5.67")
	p.CategoryID = "cat-food"
	_, _, err := store.InsertPeriodIfAbsent(ctx, p)
	require.NoError(t, err)

	got, err := store.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, kid, got.Scope)
	assert.Equal(t, date(2024, 1, 31), got.StartDate)
	assert.Equal(t, date(2024, 2, 29), got.EndDate)
	assert.Equal(t, "-5.67", got.RolloverAmount.String())
	assert.Equal(t, "cat-food", got.CategoryID)
	assert.Equal(t, 31, got.RefreshDay)
	assert.True(t, got.RolloverEnabled)

	found, err := store.FindPeriod(ctx, kid, got.Window())
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, p.ID, found.ID)
}

func TestInsertPeriodIfAbsent_InvalidWindow(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.InsertPeriodIfAbsent(context.Background(), period(parent, date(2025, 7, 1), date(2025, 7, 1), "10"))
	assert.ErrorIs(t, err, budget.ErrInvalidPeriod)
}

func TestGetPeriod_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPeriod(context.Background(), "missing")
	assert.ErrorIs(t, err, budget.ErrPeriodNotFound)
}

func TestFindLatestPeriod(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	latest, err := store.FindLatestPeriod(ctx, parent)
	require.NoError(t, err)
	assert.Nil(t, latest)

	for _, m := range []time.Month{time.May, time.July, time.June} {
		_, _, err := store.InsertPeriodIfAbsent(ctx, period(parent, date(2025, m, 1), date(2025, m+1, 1), "10"))
		require.NoError(t, err)
	}
	general := period(parent, date(2025, 8, 1), date(2025, 9, 1), "10")
	general.BudgetType = budget.BudgetGeneral
	_, _, err = store.InsertPeriodIfAbsent(ctx, general)
	require.NoError(t, err)

	latest, err = store.FindLatestPeriod(ctx, parent)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, date(2025, 8, 1), latest.EndDate, "general budgets are not rolled")
}

// =============================================================================
// HISTORY UNIQUENESS
// =============================================================================

func TestInsertHistoryIfAbsent_OnePerPeriodAndLabel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	may, _, err := store.InsertPeriodIfAbsent(ctx, period(parent, date(2025, 5, 1), date(2025, 6, 1), "1000"))
	require.NoError(t, err)

	entry := budget.HistoryEntry{
		ID:               budget.NewHistoryID(),
		PeriodID:         may.ID,
		Scope:            parent,
		PeriodLabel:      "2025-5",
		Amount:           budget.MustParseMoney("200"),
		Type:             budget.RolloverSurplus,
		BudgetAmount:     budget.MustParseMoney("1000"),
		SpentAmount:      budget.MustParseMoney("800"),
		PreviousRollover: budget.ZeroMoney,
		CarriedAmount:    budget.MustParseMoney("200"),
		Description:      "surplus carried",
		CreatedAt:        date(2025, 6, 1),
	}

	first, created, err := store.InsertHistoryIfAbsent(ctx, entry)
	require.NoError(t, err)
	assert.True(t, created)

	entry.ID = budget.NewHistoryID()
	second, created, err := store.InsertHistoryIfAbsent(ctx, entry)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	entries, err := store.ListHistory(ctx, may.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "200.00", entries[0].CarriedAmount.String())
	assert.Equal(t, budget.RolloverSurplus, entries[0].Type)

	unrecorded, err := store.ListUnrecordedPeriods(ctx, parent, date(2025, 7, 1))
	require.NoError(t, err)
	assert.Empty(t, unrecorded)
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

// =============================================================================
// LEDGER
// =============================================================================

func TestSumExpenses_HalfOpenAndOwnerFilter(t *testing.T) {
	// GIVEN: expenses of the parent and the kid around the June boundaries
	// THEN: each scope sums only its own rows inside [start, end)
	store := newTestStore(t)
	ctx := context.Background()

	for _, e := range []budget.LedgerEntry{
		expense(parent, date(2025, 5, 31).Add(23*time.Hour), "1.00"), // May
		expense(parent, date(2025, 6, 1), "10.10"),                   // first instant of June
		expense(parent, date(2025, 6, 30), "20.20"),
		expense(parent, date(2025, 7, 1), "1000"), // July
		expense(kid, date(2025, 6, 15), "5.05"),
	} {
		require.NoError(t, store.RecordTransaction(ctx, e))
	}
	income := expense(parent, date(2025, 6, 10), "500")
	income.Type = budget.EntryIncome
	require.NoError(t, store.RecordTransaction(ctx, income))

	// Booked by the parent for the kid: counts for the kid only.
	forKid := expense(kid, date(2025, 6, 20), "2.00")
	forKid.UserID = parent.OwnerID
	require.NoError(t, store.RecordTransaction(ctx, forKid))

	q := budget.ExpenseQuery{Scope: parent, Start: date(2025, 6, 1), End: date(2025, 7, 1)}
	sum, err := store.SumExpenses(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "30.30", sum.String())

	q.Scope = kid
	sum, err = store.SumExpenses(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "7.05", sum.String())
}

func TestSumExpenses_EmptyIsZero(t *testing.T) {
	store := newTestStore(t)

	sum, err := store.SumExpenses(context.Background(), budget.ExpenseQuery{Scope: kid, Start: date(2025, 6, 1), End: date(2025, 7, 1)})
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
}

func TestSumExpenses_CategoryFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	food := expense(parent, date(2025, 6, 2), "12.00")
	food.CategoryID = "food"
	fuel := expense(parent, date(2025, 6, 3), "40.00")
	fuel.CategoryID = "fuel"
	require.NoError(t, store.RecordTransaction(ctx, food))
	require.NoError(t, store.RecordTransaction(ctx, fuel))

	sum, err := store.SumExpenses(ctx, budget.ExpenseQuery{Scope: parent, CategoryID: "food", Start: date(2025, 6, 1), End: date(2025, 7, 1)})
	require.NoError(t, err)
	assert.Equal(t, "12.00", sum.String())
}

func TestRecordTransaction_DuplicateID(t *testing.T) {
	store := newTestStore(t)
	e := expense(parent, date(2025, 6, 2), "1")

	require.NoError(t, store.RecordTransaction(context.Background(), e))
	assert.ErrorIs(t, store.RecordTransaction(context.Background(), e), budget.ErrDuplicate)
}

// =============================================================================
// SCOPES
// =============================================================================

func TestListScopeCandidates_BothOwnerKinds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.InsertPeriodIfAbsent(ctx, period(parent, date(2025, 5, 1), date(2025, 6, 1), "10"))
	require.NoError(t, err)
	_, _, err = store.InsertPeriodIfAbsent(ctx, period(kid, date(2025, 5, 1), date(2025, 6, 1), "10"))
	require.NoError(t, err)
	_, _, err = store.InsertPeriodIfAbsent(ctx, period(kid, date(2025, 6, 1), date(2025, 7, 1), "10"))
	require.NoError(t, err)

	candidates, err := store.ListScopeCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	byOwner := map[string]budget.ScopeCandidate{}
	for _, c := range candidates {
		byOwner[c.UserID+"|"+c.FamilyMemberID] = c
	}
	assert.Equal(t, date(2025, 6, 1), byOwner["parent|"].LatestEnd)
	assert.Equal(t, date(2025, 7, 1), byOwner["|kid"].LatestEnd)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx budget.Store) error {
		_, created, err := tx.InsertPeriodIfAbsent(ctx, period(parent, date(2025, 6, 1), date(2025, 7, 1), "10"))
		require.NoError(t, err)
		require.True(t, created)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	periods, err := store.ListPeriods(ctx, parent)
	require.NoError(t, err)
	assert.Empty(t, periods)
}

func TestMaterializer_OnSQLite_MayJuneJuly(t *testing.T) {
	// End to end on SQLite: June carries +200, July carries -100.
	store := newTestStore(t)
	ctx := context.Background()
	calc := budget.NewCalculator(time.UTC)
	spend := budget.NewSpendAggregator(store, time.Second)
	mat := budget.NewMaterializer(store, spend, calc, budget.RolloverPolicy{}, zerolog.Nop())

	_, _, err := store.InsertPeriodIfAbsent(ctx, period(kid, date(2025, 5, 1), date(2025, 6, 1), "1000"))
	require.NoError(t, err)
	require.NoError(t, store.RecordTransaction(ctx, expense(kid, date(2025, 5, 20), "800")))

	june, created, err := mat.EnsureCurrentPeriod(ctx, kid, date(2025, 6, 3))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "200.00", june.RolloverAmount.String())

	require.NoError(t, store.RecordTransaction(ctx, expense(kid, date(2025, 6, 20), "1300")))

	july, created, err := mat.EnsureCurrentPeriod(ctx, kid, date(2025, 7, 3))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "-100.00", july.RolloverAmount.String())

	entries, err := store.ListHistory(ctx, june.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, budget.RolloverDeficit, entries[0].Type)
	assert.Equal(t, "100.00", entries[0].Amount.String())

	again, created, err := mat.EnsureCurrentPeriod(ctx, kid, date(2025, 7, 3))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, july.ID, again.ID)
}

// =============================================================================
// RUN LOG
// =============================================================================

func TestRuns_SaveAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, status := range []budget.RunStatus{budget.RunCompleted, budget.RunPartial} {
		started := date(2025, 6, 1+i)
		require.NoError(t, store.SaveRun(ctx, budget.RunRecord{
			ID:              uuid.NewString(),
			AsOf:            started,
			Status:          status,
			ScopesProcessed: 3,
			PeriodsCreated:  i,
			Errors:          []string{},
			StartedAt:       started,
			CompletedAt:     started.Add(time.Second),
		}))
	}

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, budget.RunPartial, runs[0].Status, "newest first")
	assert.Equal(t, date(2025, 6, 2), runs[0].AsOf)

	runs, err = store.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestMigrate_Idempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Ping(context.Background()))

	// A second store on a file migrates the same schema without error.
	path := t.TempDir() + "/budget.db"
	s1, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())
	s2, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}
