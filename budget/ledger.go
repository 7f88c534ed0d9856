/*
ledger.go - Read side of the transaction ledger

PURPOSE:
  The engine never writes expenses. It asks the owning application's ledger
  for the total spent by a scope inside a window, and nothing else.

CRITICAL INVARIANTS:
  1. HALF-OPEN: an expense dated exactly at End belongs to the next period
  2. NO CACHE: every call is a fresh aggregate; a stale total would be frozen
     into a rollover amount forever
  3. EMPTY IS ZERO: no matching expense is 0, never an error
*/
package budget

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// LEDGER - External expense source
// =============================================================================

type EntryType string

const (
	EntryExpense EntryType = "EXPENSE"
	EntryIncome  EntryType = "INCOME"
)

// ExpenseQuery selects the EXPENSE entries of a scope in [Start, End).
type ExpenseQuery struct {
	Scope      Scope
	CategoryID string // empty = every category
	Start      time.Time
	End        time.Time
}

// Ledger sums expenses. Implementations return ZeroMoney for no match.
type Ledger interface {
	SumExpenses(ctx context.Context, q ExpenseQuery) (Money, error)
}

// LedgerEntry is a transaction row of the ledger. The owner columns follow
// the owning application's schema: UserID for registered members,
// FamilyMemberID for custodial ones.
type LedgerEntry struct {
	ID             string
	AccountBookID  string
	UserID         string
	FamilyMemberID string
	CategoryID     string
	Type           EntryType
	Amount         Money
	Date           time.Time
	Description    string
}

// LedgerWriter records ledger entries. Only the bundled stores implement it,
// for seeding and tests.
type LedgerWriter interface {
	RecordTransaction(ctx context.Context, e LedgerEntry) error
}

// Matches reports whether e counts towards q.
func (e LedgerEntry) Matches(q ExpenseQuery) bool {
	if e.Type != EntryExpense || e.AccountBookID != q.Scope.AccountBookID {
		return false
	}
	if q.CategoryID != "" && e.CategoryID != q.CategoryID {
		return false
	}
	switch q.Scope.Kind {
	case OwnerRegistered:
		// Expenses booked for a custodial member are not the user's own.
		if e.UserID != q.Scope.OwnerID || e.FamilyMemberID != "" {
			return false
		}
	case OwnerCustodial:
		if e.FamilyMemberID != q.Scope.OwnerID {
			return false
		}
	default:
		return false
	}
	return !e.Date.Before(q.Start) && e.Date.Before(q.End)
}

// =============================================================================
// SPEND AGGREGATOR
// =============================================================================

// SpendAggregator validates a query, bounds it with Timeout and normalises
// the result to Money precision.
type SpendAggregator struct {
	Ledger  Ledger
	Timeout time.Duration // 0 = no extra deadline
}

func NewSpendAggregator(ledger Ledger, timeout time.Duration) *SpendAggregator {
	return &SpendAggregator{Ledger: ledger, Timeout: timeout}
}

// SumExpenses returns the total EXPENSE amount of scope in window.
func (a *SpendAggregator) SumExpenses(ctx context.Context, scope Scope, window Period, categoryID string) (Money, error) {
	if err := scope.Validate(); err != nil {
		return ZeroMoney, err
	}
	if err := window.Validate(); err != nil {
		return ZeroMoney, err
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	spent, err := a.Ledger.SumExpenses(ctx, ExpenseQuery{
		Scope:      scope,
		CategoryID: categoryID,
		Start:      window.Start,
		End:        window.End,
	})
	if err != nil {
		return ZeroMoney, fmt.Errorf("sum expenses for %s %s: %w", scope, window, err)
	}
	return NewMoney(spent.Value), nil
}
