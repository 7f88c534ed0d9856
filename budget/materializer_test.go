package budget_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/budget/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type engine struct {
	store    *store.Memory
	calc     *budget.Calculator
	mat      *budget.Materializer
	recorder *budget.HistoryRecorder
}

func newEngine(t *testing.T, policy budget.RolloverPolicy) *engine {
	t.Helper()
	st := store.NewMemory()
	calc := budget.NewCalculator(time.UTC)
	spend := budget.NewSpendAggregator(st, time.Second)
	return &engine{
		store:    st,
		calc:     calc,
		mat:      budget.NewMaterializer(st, spend, calc, policy, zerolog.Nop()),
		recorder: budget.NewHistoryRecorder(st, spend, calc, policy, zerolog.Nop()),
	}
}

func (e *engine) seedPeriod(t *testing.T, scope budget.Scope, start, end time.Time, amount string, rolloverEnabled bool) budget.BudgetPeriod {
	t.Helper()
	p, created, err := e.store.InsertPeriodIfAbsent(context.Background(), budget.BudgetPeriod{
		ID:              budget.NewPeriodID(),
		Scope:           scope,
		Name:            "Monthly budget",
		BudgetType:      budget.BudgetPersonal,
		PeriodType:      budget.PeriodMonthly,
		RefreshDay:      start.Day(),
		StartDate:       start,
		EndDate:         end,
		Amount:          money(amount),
		RolloverAmount:  budget.ZeroMoney,
		RolloverEnabled: rolloverEnabled,
		CreatedAt:       start,
	})
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func (e *engine) spend(t *testing.T, scope budget.Scope, at time.Time, amount string) {
	t.Helper()
	require.NoError(t, e.store.RecordTransaction(context.Background(), budget.LedgerEntry{
		ID:             uuid.NewString(),
		AccountBookID:  scope.AccountBookID,
		UserID:         scope.UserID(),
		FamilyMemberID: scope.CustodialMemberID(),
		Type:           budget.EntryExpense,
		Amount:         money(amount),
		Date:           at,
	}))
}

func (e *engine) historyOf(t *testing.T, p budget.BudgetPeriod) budget.HistoryEntry {
	t.Helper()
	entries, err := e.store.ListHistory(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1, "period %s", p.Window())
	return entries[0]
}

var alice = budget.Registered("book-1", "alice")

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestEnsureCurrentPeriod_Idempotent(t *testing.T) {
	// GIVEN: a May period and asOf in June
	// WHEN: EnsureCurrentPeriod is called twice
	// THEN: the same June row is returned and only one is stored
	e := newEngine(t, budget.RolloverPolicy{})
	ctx := context.Background()
	e.seedPeriod(t, alice, date(2025, time.May, 1), date(2025, time.June, 1), "1000", true)

	first, created, err := e.mat.EnsureCurrentPeriod(ctx, alice, date(2025, time.June, 10))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := e.mat.EnsureCurrentPeriod(ctx, alice, date(2025, time.June, 10))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	periods, err := e.store.ListPeriods(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, periods, 2)
}

func TestEnsureCurrentPeriod_CurrentExists_NoWrite(t *testing.T) {
	e := newEngine(t, budget.RolloverPolicy{})
	june := e.seedPeriod(t, alice, date(2025, time.June, 1), date(2025, time.July, 1), "1000", true)

	got, created, err := e.mat.EnsureCurrentPeriod(context.Background(), alice, date(2025, time.June, 30))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, june.ID, got.ID)

	entries, err := e.store.ListHistory(context.Background(), june.ID)
	require.NoError(t, err)
	assert.Empty(t, entries, "open period must not be historized")
}

func TestEnsureCurrentPeriod_ConcurrentCalls_SingleRow(t *testing.T) {
	e := newEngine(t, budget.RolloverPolicy{})
	e.seedPeriod(t, alice, date(2025, time.May, 1), date(2025, time.June, 1), "1000", true)
	e.spend(t, alice, date(2025, time.May, 3), "150")

	var wg sync.WaitGroup
	ids := make([]budget.PeriodID, 10)
	createdCount := make([]bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, created, err := e.mat.EnsureCurrentPeriod(context.Background(), alice, date(2025, time.June, 2))
			assert.NoError(t, err)
			ids[i] = p.ID
			createdCount[i] = created
		}(i)
	}
	wg.Wait()

	n := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if createdCount[i] {
			n++
		}
	}
	assert.Equal(t, 1, n, "exactly one call creates the row")

	periods, err := e.store.ListPeriods(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, periods, 2)
	assert.Equal(t, "850.00", periods[1].RolloverAmount.String())
}

// =============================================================================
// ROLLOVER CHAIN
// =============================================================================

func TestEnsureCurrentPeriod_MayJuneJulyScenario(t *testing.T) {
	// GIVEN: May amount 1000, rollover 0, spend 800
	// WHEN: June is materialized, then June spends 1300 and July is materialized
	// THEN: June carries +200, July carries -100, June's history is DEFICIT 100
	e := newEngine(t, budget.RolloverPolicy{})
	ctx := context.Background()
	may := e.seedPeriod(t, alice, date(2025, time.May, 1), date(2025, time.June, 1), "1000", true)
	e.spend(t, alice, date(2025, time.May, 12), "500")
	e.spend(t, alice, date(2025, time.May, 31), "300")

	june, created, err := e.mat.EnsureCurrentPeriod(ctx, alice, date(2025, time.June, 1))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "200.00", june.RolloverAmount.String())
	assert.Equal(t, "1000.00", june.Amount.String())

	mayHistory := e.historyOf(t, may)
	assert.Equal(t, budget.RolloverSurplus, mayHistory.Type)
	assert.Equal(t, "200.00", mayHistory.Amount.String())
	assert.Equal(t, "800.00", mayHistory.SpentAmount.String())
	assert.Equal(t, "2025-5", mayHistory.PeriodLabel)

	e.spend(t, alice, date(2025, time.June, 20), "1300")

	july, created, err := e.mat.EnsureCurrentPeriod(ctx, alice, date(2025, time.July, 5))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "-100.00", july.RolloverAmount.String())

	juneHistory := e.historyOf(t, june)
	assert.Equal(t, budget.RolloverDeficit, juneHistory.Type)
	assert.Equal(t, "100.00", juneHistory.Amount.String())
	assert.Equal(t, "1300.00", juneHistory.SpentAmount.String())
	assert.Equal(t, "200.00", juneHistory.PreviousRollover.String())
	assert.True(t, juneHistory.CarriedAmount.Equal(july.RolloverAmount))
}

func TestCatchup_SeveralMissedMonths_Conservation(t *testing.T) {
	// GIVEN: the job did not run from May to September
	// WHEN: Catchup runs on September 3
	// THEN: June to September are created and every link conserves money
	e := newEngine(t, budget.RolloverPolicy{})
	ctx := context.Background()
	e.seedPeriod(t, alice, date(2025, time.May, 1), date(2025, time.June, 1), "1000", true)
	e.spend(t, alice, date(2025, time.May, 2), "900.10")
	e.spend(t, alice, date(2025, time.June, 2), "1250.55")
	e.spend(t, alice, date(2025, time.July, 2), "10")
	e.spend(t, alice, date(2025, time.August, 31), "2000")

	res, err := e.mat.Catchup(ctx, alice, date(2025, time.September, 3))
	require.NoError(t, err)
	assert.Len(t, res.Created, 4)
	assert.Len(t, res.History, 4)
	assert.True(t, res.CurrentCreated)
	assert.Equal(t, date(2025, time.September, 1), res.Current.StartDate)

	periods, err := e.store.ListPeriods(ctx, alice)
	require.NoError(t, err)
	require.Len(t, periods, 5)

	for i := 0; i < len(periods)-1; i++ {
		prev, next := periods[i], periods[i+1]
		assert.Equal(t, prev.EndDate, next.StartDate, "chain must be contiguous")

		spent, err := e.store.SumExpenses(ctx, budget.ExpenseQuery{Scope: alice, Start: prev.StartDate, End: prev.EndDate})
		require.NoError(t, err)
		want := prev.Amount.Add(prev.RolloverAmount).Sub(spent)
		assert.True(t, want.Equal(next.RolloverAmount), "%s: want %s got %s", prev.Window(), want, next.RolloverAmount)
		assert.True(t, e.historyOf(t, prev).CarriedAmount.Equal(next.RolloverAmount))
	}
	assert.Equal(t, "-160.65", periods[4].RolloverAmount.String())

	again, err := e.mat.Catchup(ctx, alice, date(2025, time.September, 3))
	require.NoError(t, err)
	assert.Empty(t, again.Created)
	assert.Empty(t, again.History)
}

func TestEnsureCurrentPeriod_BoundaryExpenseCountsForLaterPeriod(t *testing.T) {
	e := newEngine(t, budget.RolloverPolicy{})
	e.seedPeriod(t, alice, date(2025, time.May, 1), date(2025, time.June, 1), "100", true)
	e.spend(t, alice, date(2025, time.June, 1), "40")

	june, _, err := e.mat.EnsureCurrentPeriod(context.Background(), alice, date(2025, time.June, 2))
	require.NoError(t, err)
	assert.Equal(t, "100.00", june.RolloverAmount.String())
}

func TestEnsureCurrentPeriod_RolloverDisabled(t *testing.T) {
	// GIVEN: rollover disabled on the line
	// THEN: the next period starts at 0 and the history still records the result
	e := newEngine(t, budget.RolloverPolicy{})
	may := e.seedPeriod(t, alice, date(2025, time.May, 1), date(2025, time.June, 1), "1000", false)
	e.spend(t, alice, date(2025, time.May, 10), "300")

	june, created, err := e.mat.EnsureCurrentPeriod(context.Background(), alice, date(2025, time.June, 10))
	require.NoError(t, err)
	require.True(t, created)
	assert.True(t, june.RolloverAmount.IsZero())
	assert.False(t, june.RolloverEnabled)

	h := e.historyOf(t, may)
	assert.Equal(t, "700.00", h.Amount.String())
	assert.True(t, h.CarriedAmount.IsZero())
}

func TestEnsureCurrentPeriod_ForgiveDeficits(t *testing.T) {
	e := newEngine(t, budget.RolloverPolicy{ForgiveDeficits: true})
	may := e.seedPeriod(t, alice, date(2025, time.May, 1), date(2025, time.June, 1), "1000", true)
	e.spend(t, alice, date(2025, time.May, 10), "1250")

	june, _, err := e.mat.EnsureCurrentPeriod(context.Background(), alice, date(2025, time.June, 10))
	require.NoError(t, err)
	assert.True(t, june.RolloverAmount.IsZero())

	h := e.historyOf(t, may)
	assert.Equal(t, budget.RolloverDeficit, h.Type)
	assert.Equal(t, "250.00", h.Amount.String())
	assert.True(t, h.CarriedAmount.IsZero())
}

func TestEnsureCurrentPeriod_ReusesExistingHistory(t *testing.T) {
	// GIVEN: May was historized, then a late May expense was booked
	// WHEN: June is materialized
	// THEN: June carries what the history recorded, not a recomputed value
	e := newEngine(t, budget.RolloverPolicy{})
	ctx := context.Background()
	may := e.seedPeriod(t, alice, date(2025, time.May, 1), date(2025, time.June, 1), "1000", true)
	e.spend(t, alice, date(2025, time.May, 10), "100")

	_, created, err := e.recorder.RecordClosedPeriod(ctx, may, date(2025, time.June, 1))
	require.NoError(t, err)
	require.True(t, created)

	e.spend(t, alice, date(2025, time.May, 11), "100")

	june, _, err := e.mat.EnsureCurrentPeriod(ctx, alice, date(2025, time.June, 2))
	require.NoError(t, err)
	assert.Equal(t, "900.00", june.RolloverAmount.String())
}

// =============================================================================
// SCOPES
// =============================================================================

func TestEnsureCurrentPeriod_CustodialScope(t *testing.T) {
	// GIVEN: a custodial member and a registered user sharing a book
	// THEN: the member's chain is built from the member's expenses only
	e := newEngine(t, budget.RolloverPolicy{})
	ctx := context.Background()
	kid := budget.Custodial("book-1", "kid")
	may := e.seedPeriod(t, kid, date(2025, time.May, 1), date(2025, time.June, 1), "50", true)
	e.spend(t, kid, date(2025, time.May, 4), "20")
	e.spend(t, budget.Registered("book-1", "parent"), date(2025, time.May, 4), "500")

	june, created, err := e.mat.EnsureCurrentPeriod(ctx, kid, date(2025, time.June, 3))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, kid, june.Scope)
	assert.Equal(t, "30.00", june.RolloverAmount.String())
	assert.Equal(t, "30.00", e.historyOf(t, may).Amount.String())
}

func TestEnsureCurrentPeriod_NoPeriods(t *testing.T) {
	e := newEngine(t, budget.RolloverPolicy{})

	_, _, err := e.mat.EnsureCurrentPeriod(context.Background(), alice, date(2025, time.June, 3))
	assert.ErrorIs(t, err, budget.ErrScopeHasNoPeriods)
	assert.True(t, budget.IsIntegrity(err))
}

func TestEnsureCurrentPeriod_InvalidScope(t *testing.T) {
	e := newEngine(t, budget.RolloverPolicy{})

	_, _, err := e.mat.EnsureCurrentPeriod(context.Background(), budget.Scope{AccountBookID: "book-1"}, date(2025, time.June, 3))
	assert.ErrorIs(t, err, budget.ErrInvalidScope)
}

func TestEnsureCurrentPeriod_RefreshDay31AcrossFebruary(t *testing.T) {
	e := newEngine(t, budget.RolloverPolicy{})
	e.seedPeriod(t, alice, date(2024, time.January, 31), date(2024, time.February, 29), "100", true)

	res, err := e.mat.Catchup(context.Background(), alice, date(2024, time.April, 1))
	require.NoError(t, err)
	require.Len(t, res.Created, 2)
	assert.Equal(t, date(2024, time.February, 29), res.Created[0].StartDate)
	assert.Equal(t, date(2024, time.March, 31), res.Created[0].EndDate)
	assert.Equal(t, date(2024, time.April, 30), res.Created[1].EndDate)
	assert.Equal(t, "200.00", res.Created[1].RolloverAmount.String())
}

// =============================================================================
// TIMEOUTS
// =============================================================================

// hangingLedger answers no query until the caller's context ends.
type hangingLedger struct{}

func (hangingLedger) SumExpenses(ctx context.Context, _ budget.ExpenseQuery) (budget.Money, error) {
	<-ctx.Done()
	return budget.ZeroMoney, ctx.Err()
}

func TestCatchup_LedgerTimeoutWritesNothing(t *testing.T) {
	// GIVEN: a ledger that never answers and a 50ms aggregator timeout
	// WHEN: catch-up needs the spend of May
	// THEN: it fails with a retryable timeout and stores no new period
	st := store.NewMemory()
	calc := budget.NewCalculator(time.UTC)
	spend := budget.NewSpendAggregator(hangingLedger{}, 50*time.Millisecond)
	mat := budget.NewMaterializer(st, spend, calc, budget.RolloverPolicy{}, zerolog.Nop())
	e := &engine{store: st, calc: calc, mat: mat}
	e.seedPeriod(t, alice, date(2025, time.May, 1), date(2025, time.June, 1), "1000", true)

	start := time.Now()
	_, err := mat.Catchup(context.Background(), alice, date(2025, time.June, 5))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, budget.IsTimeout(err))
	assert.True(t, budget.IsRetryable(err))
	assert.Equal(t, budget.KindTimeout, budget.Classify(err))

	periods, err := st.ListPeriods(context.Background(), alice)
	require.NoError(t, err)
	assert.Len(t, periods, 1)
}
