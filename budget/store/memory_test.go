package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/budget/store"
)

func monthly(scope budget.Scope, start, end time.Time) budget.BudgetPeriod {
	return budget.BudgetPeriod{
		ID:              budget.NewPeriodID(),
		Scope:           scope,
		BudgetType:      budget.BudgetPersonal,
		PeriodType:      budget.PeriodMonthly,
		RefreshDay:      start.Day(),
		StartDate:       start,
		EndDate:         end,
		Amount:          budget.MustParseMoney("100"),
		RolloverAmount:  budget.ZeroMoney,
		RolloverEnabled: true,
	}
}

var (
	june = [2]time.Time{time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)}
	ann  = budget.Registered("book", "ann")
)

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: a transaction that inserts a period then fails
	// WHEN: it returns
	// THEN: the period is gone
	m := store.NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx budget.Store) error {
		_, created, err := tx.InsertPeriodIfAbsent(ctx, monthly(ann, june[0], june[1]))
		require.NoError(t, err)
		require.True(t, created)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err := m.FindPeriod(ctx, ann, budget.Period{Start: june[0], End: june[1]})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMemory_WithTxRollsBackOnCancel(t *testing.T) {
	m := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	err := m.WithTx(ctx, func(tx budget.Store) error {
		_, _, err := tx.InsertPeriodIfAbsent(ctx, monthly(ann, june[0], june[1]))
		cancel()
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)

	periods, err := m.ListPeriods(context.Background(), ann)
	require.NoError(t, err)
	assert.Empty(t, periods)
}

func TestMemory_InsertPeriodIfAbsent_SameWindow(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	first, created, err := m.InsertPeriodIfAbsent(ctx, monthly(ann, june[0], june[1]))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := m.InsertPeriodIfAbsent(ctx, monthly(ann, june[0], june[1]))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestMemory_RecordTransaction_DuplicateID(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	e := budget.LedgerEntry{
		ID:            "tx-1",
		AccountBookID: "book",
		UserID:        "ann",
		Type:          budget.EntryExpense,
		Amount:        budget.MustParseMoney("3.333"),
		Date:          june[0],
	}

	require.NoError(t, m.RecordTransaction(ctx, e))
	assert.ErrorIs(t, m.RecordTransaction(ctx, e), budget.ErrDuplicate)

	total, err := m.SumExpenses(ctx, budget.ExpenseQuery{Scope: ann, Start: june[0], End: june[1]})
	require.NoError(t, err)
	assert.Equal(t, "3.33", total.String())
}

func TestMemory_ListRuns_NewestFirst(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.SaveRun(ctx, budget.RunRecord{ID: id, Status: budget.RunCompleted}))
	}

	runs, err := m.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
}
