package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// HISTORY RECORDER - One immutable entry per closed period
// =============================================================================

// HistoryRecorder historizes closed periods. The Materializer records the
// predecessor of every period it creates in the same transaction; the
// recorder covers the rest (legacy rows, manual requests) without touching
// any period row.
type HistoryRecorder struct {
	Store  Store
	Spend  *SpendAggregator
	Calc   *Calculator
	Policy RolloverPolicy
	Logger zerolog.Logger

	now func() time.Time
}

func NewHistoryRecorder(store Store, spend *SpendAggregator, calc *Calculator, policy RolloverPolicy, logger zerolog.Logger) *HistoryRecorder {
	return &HistoryRecorder{
		Store:  store,
		Spend:  spend,
		Calc:   calc,
		Policy: policy,
		Logger: logger.With().Str("component", "history_recorder").Logger(),
		now:    time.Now,
	}
}

// RecordClosedPeriod ensures period has exactly one history entry. Periods
// still open at asOf are refused with ErrPeriodOpen.
//
// When the next period already exists its stored rollover is what was
// carried, and the entry records that amount. A mismatch with a freshly
// computed value means the ledger changed after materialization; it is
// logged, never written back.
func (h *HistoryRecorder) RecordClosedPeriod(ctx context.Context, period BudgetPeriod, asOf time.Time) (HistoryEntry, bool, error) {
	if err := period.Validate(); err != nil {
		return HistoryEntry{}, false, err
	}
	if period.EndDate.After(asOf) {
		return HistoryEntry{}, false, fmt.Errorf("%w: period %s ends %s", ErrPeriodOpen, period.ID, period.EndDate.Format(time.RFC3339))
	}

	cfg := h.Calc.ConfigFor(period)
	label := h.Calc.Label(cfg, period.Window())

	existing, err := h.Store.FindHistory(ctx, period.ID, label)
	if err != nil {
		return HistoryEntry{}, false, fmt.Errorf("find history of %s: %w", period.ID, err)
	}
	if existing != nil {
		return *existing, false, nil
	}

	spent, err := h.Spend.SumExpenses(ctx, period.Scope, period.Window(), period.CategoryID)
	if err != nil {
		return HistoryEntry{}, false, err
	}
	r := h.Policy.Apply(period, spent)

	nextWindow, err := h.Calc.NextPeriod(cfg, period.Window())
	if err != nil {
		return HistoryEntry{}, false, err
	}
	next, err := h.Store.FindPeriod(ctx, period.Scope, nextWindow)
	if err != nil {
		return HistoryEntry{}, false, fmt.Errorf("find successor of %s: %w", period.ID, err)
	}
	if next != nil {
		if !next.RolloverAmount.Equal(r.Carried) {
			h.Logger.Warn().
				Str("scope", period.Scope.String()).
				Str("period_id", string(period.ID)).
				Str("stored", next.RolloverAmount.String()).
				Str("computed", r.Carried.String()).
				Msg("rollover drift: keeping stored amount")
		}
		r.Carried = next.RolloverAmount
	}

	entry, created, err := h.Store.InsertHistoryIfAbsent(ctx, newHistoryEntry(period, label, spent, r, h.now()))
	if err != nil {
		return HistoryEntry{}, false, fmt.Errorf("insert history of %s: %w", period.ID, err)
	}
	if created {
		h.Logger.Info().
			Str("scope", period.Scope.String()).
			Str("period_id", string(period.ID)).
			Str("label", label).
			Str("type", string(entry.Type)).
			Str("amount", entry.Amount.String()).
			Msg("history recorded")
	}
	return entry, created, nil
}

// newHistoryEntry builds the entry of a closed period from its rollover.
func newHistoryEntry(p BudgetPeriod, label string, spent Money, r Rollover, now time.Time) HistoryEntry {
	kind := "surplus carried"
	if r.Type == RolloverDeficit {
		kind = "deficit carried"
	}
	return HistoryEntry{
		ID:               NewHistoryID(),
		PeriodID:         p.ID,
		Scope:            p.Scope,
		PeriodLabel:      label,
		Amount:           r.Amount,
		Type:             r.Type,
		BudgetAmount:     p.Amount,
		SpentAmount:      NewMoney(spent.Value),
		PreviousRollover: p.RolloverAmount,
		CarriedAmount:    r.Carried,
		Description: fmt.Sprintf("%s: budget %s, previous rollover %s, spent %s, carried %s",
			kind, p.Amount, p.RolloverAmount, NewMoney(spent.Value), r.Carried),
		CreatedAt: now.UTC(),
	}
}
