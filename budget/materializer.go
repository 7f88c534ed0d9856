/*
materializer.go - Creates the period rows of a scope, exactly once per window

PURPOSE:
  Brings a scope's chain of periods up to the window containing asOf. Each
  missing window is created from its predecessor: same base amount (no
  auto-inflation), rollover seeded from the predecessor's closing balance.

ALGORITHM (Catchup):
  1. Load the latest period; its config drives every new window
  2. Compute the missing windows between latest.End and asOf
  3. Sum the spend of every predecessor OUTSIDE the transaction
  4. In one transaction, per window:
       a. insert-or-noop the predecessor's history entry
       b. insert-or-noop the successor, rollover = history.CarriedAmount
     A row inserted concurrently by another pass is used as is.

CONSERVATION:
  The successor's RolloverAmount is read from the history entry written in
  the same transaction, so the two can never disagree.

LOCKING:
  No ledger I/O happens inside WithTx. The transaction only touches the
  store, and is bounded by TxTimeout.
*/
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// CatchupResult describes what one materialization call did.
type CatchupResult struct {
	Current        BudgetPeriod   // period containing asOf, or the latest one
	CurrentCreated bool           // Current was inserted by this call
	Created        []BudgetPeriod // every period inserted, oldest first
	History        []HistoryEntry // every history entry inserted
}

// Materializer ensures the current period of a scope exists.
type Materializer struct {
	Store     TxStore
	Spend     *SpendAggregator
	Calc      *Calculator
	Policy    RolloverPolicy
	TxTimeout time.Duration // 0 = bounded by ctx only
	Logger    zerolog.Logger

	now func() time.Time
}

func NewMaterializer(store TxStore, spend *SpendAggregator, calc *Calculator, policy RolloverPolicy, logger zerolog.Logger) *Materializer {
	return &Materializer{
		Store:  store,
		Spend:  spend,
		Calc:   calc,
		Policy: policy,
		Logger: logger.With().Str("component", "materializer").Logger(),
		now:    time.Now,
	}
}

// EnsureCurrentPeriod returns the period of scope containing asOf, creating
// it (and any gap before it) when missing. Calling it twice with the same
// arguments returns the same row with created=false the second time.
func (m *Materializer) EnsureCurrentPeriod(ctx context.Context, scope Scope, asOf time.Time) (BudgetPeriod, bool, error) {
	res, err := m.Catchup(ctx, scope, asOf)
	if err != nil {
		return BudgetPeriod{}, false, err
	}
	return res.Current, res.CurrentCreated, nil
}

// closing is a predecessor period known before the transaction opens.
type closing struct {
	spent    Money
	computed bool // spent is valid; false when history already existed
}

// Catchup materializes every missing window of scope up to asOf.
func (m *Materializer) Catchup(ctx context.Context, scope Scope, asOf time.Time) (CatchupResult, error) {
	if err := scope.Validate(); err != nil {
		return CatchupResult{}, err
	}

	latest, err := m.Store.FindLatestPeriod(ctx, scope)
	if err != nil {
		return CatchupResult{}, fmt.Errorf("find latest period: %w", err)
	}
	if latest == nil {
		return CatchupResult{}, fmt.Errorf("%w: %s", ErrScopeHasNoPeriods, scope)
	}
	if err := latest.Validate(); err != nil {
		return CatchupResult{}, err
	}

	cfg := m.Calc.ConfigFor(*latest)
	windows, err := m.Calc.PeriodsBetween(cfg, latest.EndDate, asOf)
	if err != nil {
		return CatchupResult{}, err
	}
	if len(windows) == 0 {
		return CatchupResult{Current: *latest}, nil
	}

	// Predecessor i closes into windows[i]: latest first, then windows[:n-1].
	predecessors := make([]Period, len(windows))
	predecessors[0] = latest.Window()
	copy(predecessors[1:], windows[:len(windows)-1])

	closings := make([]closing, len(predecessors))
	for i, w := range predecessors {
		if i == 0 {
			h, err := m.Store.FindHistory(ctx, latest.ID, m.Calc.Label(cfg, w))
			if err != nil {
				return CatchupResult{}, fmt.Errorf("find history of %s: %w", latest.ID, err)
			}
			if h != nil {
				continue
			}
		}
		spent, err := m.Spend.SumExpenses(ctx, scope, w, latest.CategoryID)
		if err != nil {
			return CatchupResult{}, err
		}
		closings[i] = closing{spent: spent, computed: true}
	}

	txCtx := ctx
	if m.TxTimeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, m.TxTimeout)
		defer cancel()
	}

	var res CatchupResult
	err = m.Store.WithTx(txCtx, func(tx Store) error {
		res = CatchupResult{}
		prev := *latest
		for i, w := range windows {
			carried, entry, err := m.close(txCtx, tx, prev, closings[i])
			if err != nil {
				return err
			}
			if entry != nil {
				res.History = append(res.History, *entry)
			}

			saved, created, err := tx.InsertPeriodIfAbsent(txCtx, m.successor(prev, w, carried))
			if err != nil {
				return fmt.Errorf("insert period %s: %w", w, err)
			}
			if created {
				res.Created = append(res.Created, saved)
			}
			res.Current, res.CurrentCreated = saved, created
			prev = saved
		}
		return nil
	})
	if err != nil {
		return CatchupResult{}, err
	}

	for _, p := range res.Created {
		m.Logger.Info().
			Str("scope", scope.String()).
			Str("period_id", string(p.ID)).
			Time("start", p.StartDate).
			Time("end", p.EndDate).
			Str("rollover", p.RolloverAmount.String()).
			Msg("period materialized")
	}
	return res, nil
}

// close returns the amount p carries forward, recording p's history entry
// when it has none. entry is non-nil only when this call inserted it.
func (m *Materializer) close(ctx context.Context, tx Store, p BudgetPeriod, c closing) (Money, *HistoryEntry, error) {
	cfg := m.Calc.ConfigFor(p)
	label := m.Calc.Label(cfg, p.Window())

	existing, err := tx.FindHistory(ctx, p.ID, label)
	if err != nil {
		return ZeroMoney, nil, fmt.Errorf("find history of %s: %w", p.ID, err)
	}
	if existing != nil {
		return existing.CarriedAmount, nil, nil
	}
	if !c.computed {
		// History was seen before the transaction and cannot disappear.
		return ZeroMoney, nil, fmt.Errorf("history of %s vanished during catchup", p.ID)
	}

	r := m.Policy.Apply(p, c.spent)
	saved, created, err := tx.InsertHistoryIfAbsent(ctx, newHistoryEntry(p, label, c.spent, r, m.now()))
	if err != nil {
		return ZeroMoney, nil, fmt.Errorf("insert history of %s: %w", p.ID, err)
	}
	if !created {
		return saved.CarriedAmount, nil, nil
	}
	return saved.CarriedAmount, &saved, nil
}

// successor derives the row of window w from its predecessor.
func (m *Materializer) successor(prev BudgetPeriod, w Period, carried Money) BudgetPeriod {
	rollover := carried
	if !prev.RolloverEnabled {
		rollover = ZeroMoney
	}
	return BudgetPeriod{
		ID:              NewPeriodID(),
		Scope:           prev.Scope,
		Name:            prev.Name,
		CategoryID:      prev.CategoryID,
		BudgetType:      prev.BudgetType,
		PeriodType:      prev.PeriodType,
		RefreshDay:      prev.RefreshDay,
		StartDate:       w.Start,
		EndDate:         w.End,
		Amount:          prev.Amount,
		RolloverAmount:  rollover,
		RolloverEnabled: prev.RolloverEnabled,
		CreatedAt:       m.now().UTC(),
	}
}
