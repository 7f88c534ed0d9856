/*
Package budget provides the budget period and rollover engine.

PURPOSE:
  Every recurring personal budget (a registered user's or a custodial family
  member's) is a chain of period rows. At each period boundary the engine
  materializes the next row exactly once and carries the unspent or overspent
  balance of the closed period into it, leaving an immutable history entry
  that explains the carried amount.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: fixed-point amount, always 2 fractional digits (truncated)
  - Scope: the (account book, owner) pair a budget line belongs to
  - BudgetPeriod: one materialized period of a scope
  - HistoryEntry: audit record of a closed period's rollover

DESIGN PRINCIPLES:
  1. Immutability: period amounts and rollovers are written once
  2. Precision: decimal.Decimal, never float64
  3. Type Safety: owner identity is a tagged variant, not two nullable ids
  4. Idempotency: natural unique keys make every write insert-or-noop

SEE ALSO:
  - period.go: period boundaries
  - rollover.go: rollover arithmetic
  - materializer.go: period creation
  - history.go: history entries
*/
package budget

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point amount with 2 fractional digits
// =============================================================================

// MoneyScale is the number of fractional digits kept for every stored or
// computed amount.
const MoneyScale = 2

// Money is a signed monetary amount. All constructors truncate to MoneyScale
// so chained periods never drift.
type Money struct {
	Value decimal.Decimal
}

// ZeroMoney is the zero amount.
var ZeroMoney = Money{Value: decimal.Zero}

// NewMoney truncates d to MoneyScale.
func NewMoney(d decimal.Decimal) Money {
	return Money{Value: d.Truncate(MoneyScale)}
}

func MoneyFromInt(n int64) Money { return Money{Value: decimal.NewFromInt(n)} }

// MoneyFromCents builds an amount from an integer number of hundredths.
func MoneyFromCents(cents int64) Money { return Money{Value: decimal.New(cents, -MoneyScale)} }

// ParseMoney parses a decimal string such as "1200.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ZeroMoney, fmt.Errorf("parse money %q: %w", s, err)
	}
	return NewMoney(d), nil
}

// MustParseMoney is ParseMoney for literals; it panics on malformed input.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(o Money) Money { return NewMoney(m.Value.Add(o.Value)) }
func (m Money) Sub(o Money) Money { return NewMoney(m.Value.Sub(o.Value)) }
func (m Money) Neg() Money { return Money{Value: m.Value.Neg()} }
func (m Money) Abs() Money { return Money{Value: m.Value.Abs()} }
func (m Money) IsNegative() bool { return m.Value.IsNegative() }
func (m Money) IsZero() bool { return m.Value.IsZero() }
func (m Money) Equal(o Money) bool { return m.Value.Equal(o.Value) }

// Cents returns the amount in hundredths.
func (m Money) Cents() int64 {
	return m.Value.Truncate(MoneyScale).Shift(MoneyScale).IntPart()
}

// String renders the amount with exactly MoneyScale digits.
func (m Money) String() string { return m.Value.StringFixed(MoneyScale) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PeriodID string
type HistoryID string

func NewPeriodID() PeriodID   { return PeriodID(uuid.NewString()) }
func NewHistoryID() HistoryID { return HistoryID(uuid.NewString()) }

// =============================================================================
// SCOPE - Who a personal budget belongs to
// =============================================================================

// OwnerKind tags which kind of family member owns a scope.
type OwnerKind string

const (
	OwnerRegistered OwnerKind = "registered" // member with a login (userId)
	OwnerCustodial  OwnerKind = "custodial"  // member tracked on their behalf (familyMemberId)
)

// ParseOwnerKind accepts the stored tag of a scope.
func ParseOwnerKind(s string) (OwnerKind, error) {
	switch OwnerKind(s) {
	case OwnerRegistered, OwnerCustodial:
		return OwnerKind(s), nil
	}
	return "", fmt.Errorf("%w: unknown owner kind %q", ErrInvalidScope, s)
}

// Scope identifies one budget line across time. Two scopes with the same
// book, kind and owner are the same line.
type Scope struct {
	AccountBookID string
	Kind          OwnerKind
	OwnerID       string
}

// Registered returns the scope of a registered user's budget in a book.
func Registered(accountBookID, userID string) Scope {
	return Scope{AccountBookID: accountBookID, Kind: OwnerRegistered, OwnerID: userID}
}

// Custodial returns the scope of a custodial member's budget in a book.
func Custodial(accountBookID, memberID string) Scope {
	return Scope{AccountBookID: accountBookID, Kind: OwnerCustodial, OwnerID: memberID}
}

// NewScope converts the legacy (userId, familyMemberId) column pair into a
// scope. Exactly one of the two must be set.
func NewScope(accountBookID, userID, custodialMemberID string) (Scope, error) {
	var s Scope
	switch {
	case userID != "" && custodialMemberID != "":
		return Scope{}, fmt.Errorf("%w: both user %q and custodial member %q set", ErrInvalidScope, userID, custodialMemberID)
	case userID != "":
		s = Registered(accountBookID, userID)
	case custodialMemberID != "":
		s = Custodial(accountBookID, custodialMemberID)
	default:
		return Scope{}, fmt.Errorf("%w: neither user nor custodial member set", ErrInvalidScope)
	}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// Validate reports whether the scope is well formed.
func (s Scope) Validate() error {
	if s.AccountBookID == "" {
		return fmt.Errorf("%w: missing account book", ErrInvalidScope)
	}
	if _, err := ParseOwnerKind(string(s.Kind)); err != nil {
		return err
	}
	if s.OwnerID == "" {
		return fmt.Errorf("%w: missing owner id", ErrInvalidScope)
	}
	return nil
}

// UserID is the registered owner, or "" for custodial scopes.
func (s Scope) UserID() string {
	if s.Kind == OwnerRegistered {
		return s.OwnerID
	}
	return ""
}

// CustodialMemberID is the custodial owner, or "" for registered scopes.
func (s Scope) CustodialMemberID() string {
	if s.Kind == OwnerCustodial {
		return s.OwnerID
	}
	return ""
}

func (s Scope) String() string {
	return s.AccountBookID + "/" + string(s.Kind) + ":" + s.OwnerID
}

// =============================================================================
// BUDGET PERIOD - One materialized period of a scope
// =============================================================================

// BudgetType distinguishes personal budget lines from shared ones. Only
// personal lines are rolled forward by the engine.
type BudgetType string

const (
	BudgetPersonal BudgetType = "PERSONAL"
	BudgetGeneral  BudgetType = "GENERAL"
)

// BudgetPeriod is a row of the Budget Store. Amount, dates and
// RolloverAmount never change after creation.
type BudgetPeriod struct {
	ID         PeriodID
	Scope      Scope
	Name       string
	CategoryID string // empty = all categories
	BudgetType BudgetType

	PeriodType PeriodType
	RefreshDay int
	StartDate  time.Time // inclusive
	EndDate    time.Time // exclusive

	Amount          Money // base allotment
	RolloverAmount  Money // signed carry-in from the previous period
	RolloverEnabled bool

	CreatedAt time.Time
}

// Window returns the half-open interval covered by the period.
func (p BudgetPeriod) Window() Period {
	return Period{Start: p.StartDate, End: p.EndDate}
}

// Config returns the period settings the next periods are derived from.
// Yearly lines are anchored on the month their periods start in.
func (p BudgetPeriod) Config() PeriodConfig {
	return PeriodConfig{
		Type:        p.PeriodType,
		RefreshDay:  p.RefreshDay,
		AnchorMonth: p.StartDate.Month(),
	}
}

// Available is the allowance of the period: base amount plus carry-in.
func (p BudgetPeriod) Available() Money {
	return p.Amount.Add(p.RolloverAmount)
}

// Validate checks the row-level invariants.
func (p BudgetPeriod) Validate() error {
	if err := p.Scope.Validate(); err != nil {
		return err
	}
	if err := p.Window().Validate(); err != nil {
		return fmt.Errorf("period %s: %w", p.ID, err)
	}
	if err := p.Config().Validate(); err != nil {
		return fmt.Errorf("period %s: %w", p.ID, err)
	}
	return nil
}

// =============================================================================
// HISTORY ENTRY - Immutable audit of a closed period
// =============================================================================

type RolloverType string

const (
	RolloverSurplus RolloverType = "SURPLUS" // underspend carried forward
	RolloverDeficit RolloverType = "DEFICIT" // overspend carried forward
)

// HistoryEntry records how a closed period ended. At most one exists per
// (PeriodID, PeriodLabel).
type HistoryEntry struct {
	ID          HistoryID
	PeriodID    PeriodID
	Scope       Scope
	PeriodLabel string

	Amount           Money // absolute value of the rollover
	Type             RolloverType
	BudgetAmount     Money
	SpentAmount      Money
	PreviousRollover Money
	CarriedAmount    Money // signed amount seeded into the next period

	Description string
	CreatedAt   time.Time
}

// Signed returns the rollover with its sign restored.
func (h HistoryEntry) Signed() Money {
	if h.Type == RolloverDeficit {
		return h.Amount.Neg()
	}
	return h.Amount
}
