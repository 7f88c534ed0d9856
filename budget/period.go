package budget

import (
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// PERIOD - Half-open window a budget row covers
// =============================================================================

// Period is the half-open interval [Start, End). The boundary instant belongs
// to the later period only, so no expense is counted twice.
//
// Examples (refresh day 1):
//   - June 2025:   [2025-06-01, 2025-07-01)
//   - Year 2025:   [2025-01-01, 2026-01-01)
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t is within [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Validate rejects empty or inverted windows.
func (p Period) Validate() error {
	if !p.End.After(p.Start) {
		return fmt.Errorf("%w: [%s, %s)", ErrInvalidPeriod, p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
	}
	return nil
}

// Equal compares both instants.
func (p Period) Equal(o Period) bool {
	return p.Start.Equal(o.Start) && p.End.Equal(o.End)
}

func (p Period) String() string {
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + ")"
}

// PeriodType defines how periods are calculated
type PeriodType string

const (
	PeriodMonthly PeriodType = "MONTHLY" // boundary on RefreshDay of every month
	PeriodYearly  PeriodType = "YEARLY"  // boundary on RefreshDay of AnchorMonth
)

// ParsePeriodType accepts the stored name of a period type.
func ParsePeriodType(s string) (PeriodType, error) {
	switch PeriodType(s) {
	case PeriodMonthly, PeriodYearly:
		return PeriodType(s), nil
	}
	return "", fmt.Errorf("%w: unknown period type %q", ErrInvalidPeriodConfig, s)
}

// PeriodConfig defines how to calculate periods for a budget line.
type PeriodConfig struct {
	Type PeriodType

	// Day of month the period starts on. Days past the end of a month clamp
	// to its last day (31 in February is the 28th or 29th).
	RefreshDay int

	// For yearly: the month the line was created in.
	AnchorMonth time.Month
}

// Validate checks the config can produce periods.
func (pc PeriodConfig) Validate() error {
	if _, err := ParsePeriodType(string(pc.Type)); err != nil {
		return err
	}
	if pc.RefreshDay < 1 || pc.RefreshDay > 31 {
		return fmt.Errorf("%w: refresh day %d outside 1-31", ErrInvalidPeriodConfig, pc.RefreshDay)
	}
	if pc.Type == PeriodYearly && (pc.AnchorMonth < time.January || pc.AnchorMonth > time.December) {
		return fmt.Errorf("%w: anchor month %d outside 1-12", ErrInvalidPeriodConfig, pc.AnchorMonth)
	}
	return nil
}

// =============================================================================
// PERIOD CALCULATOR - Determines which period a date falls into
// =============================================================================

// maxCatchupPeriods bounds PeriodsBetween so a corrupt end date cannot make
// a pass generate rows without limit.
const maxCatchupPeriods = 240

// Calculator computes period boundaries at midnight in Location. It holds no
// other state; every method is a pure function of its arguments.
type Calculator struct {
	Location *time.Location
}

// NewCalculator returns a calculator for loc (UTC when nil).
func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{Location: loc}
}

func (c *Calculator) loc() *time.Location {
	if c == nil || c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// CurrentPeriod returns the period that contains refDate.
func (c *Calculator) CurrentPeriod(cfg PeriodConfig, refDate time.Time) (Period, error) {
	if err := cfg.Validate(); err != nil {
		return Period{}, err
	}
	loc := c.loc()
	ref := refDate.In(loc)

	switch cfg.Type {
	case PeriodYearly:
		b := boundary(ref.Year(), cfg.AnchorMonth, cfg.RefreshDay, loc)
		if !ref.Before(b) {
			return Period{Start: b, End: boundary(ref.Year()+1, cfg.AnchorMonth, cfg.RefreshDay, loc)}, nil
		}
		return Period{Start: boundary(ref.Year()-1, cfg.AnchorMonth, cfg.RefreshDay, loc), End: b}, nil

	default:
		b := boundary(ref.Year(), ref.Month(), cfg.RefreshDay, loc)
		if !ref.Before(b) {
			ny, nm := AddMonths(ref.Year(), ref.Month(), 1)
			return Period{Start: b, End: boundary(ny, nm, cfg.RefreshDay, loc)}, nil
		}
		py, pm := AddMonths(ref.Year(), ref.Month(), -1)
		return Period{Start: boundary(py, pm, cfg.RefreshDay, loc), End: b}, nil
	}
}

// PreviousPeriod returns the period immediately before the one containing refDate.
func (c *Calculator) PreviousPeriod(cfg PeriodConfig, refDate time.Time) (Period, error) {
	cur, err := c.CurrentPeriod(cfg, refDate)
	if err != nil {
		return Period{}, err
	}
	// The day before Start always lies in the previous period: periods are
	// at least 28 days long.
	return c.CurrentPeriod(cfg, cur.Start.AddDate(0, 0, -1))
}

// NextPeriod returns the period starting at p.End.
func (c *Calculator) NextPeriod(cfg PeriodConfig, p Period) (Period, error) {
	next, err := c.CurrentPeriod(cfg, p.End)
	if err != nil {
		return Period{}, err
	}
	if next.Start.Before(p.End) {
		// p.End is not on a boundary of cfg (the refresh day changed).
		next.Start = p.End
	}
	return next, nil
}

// PeriodsBetween returns the contiguous windows starting at from up to and
// including the one containing asOf. from is normally the end of the latest
// materialized period; an empty slice means asOf precedes from.
func (c *Calculator) PeriodsBetween(cfg PeriodConfig, from, asOf time.Time) ([]Period, error) {
	var windows []Period
	w, err := c.NextPeriod(cfg, Period{End: from})
	if err != nil {
		return nil, err
	}
	for !w.Start.After(asOf) {
		if len(windows) == maxCatchupPeriods {
			return nil, fmt.Errorf("%w: more than %d periods between %s and %s",
				ErrInvalidPeriod, maxCatchupPeriods, from.Format("2006-01-02"), asOf.Format("2006-01-02"))
		}
		windows = append(windows, w)
		if w.End.After(asOf) {
			break
		}
		if w, err = c.NextPeriod(cfg, w); err != nil {
			return nil, err
		}
	}
	return windows, nil
}

// ConfigFor returns the config of a stored period, reading its anchor month
// in the calculator's location.
func (c *Calculator) ConfigFor(p BudgetPeriod) PeriodConfig {
	return PeriodConfig{
		Type:        p.PeriodType,
		RefreshDay:  p.RefreshDay,
		AnchorMonth: p.StartDate.In(c.loc()).Month(),
	}
}

// Label names a period in history entries: "2025-6" for monthly periods and
// "2025" for yearly ones, taken from the start date.
func (c *Calculator) Label(cfg PeriodConfig, p Period) string {
	start := p.Start.In(c.loc())
	if cfg.Type == PeriodYearly {
		return strconv.Itoa(start.Year())
	}
	return strconv.Itoa(start.Year()) + "-" + strconv.Itoa(int(start.Month()))
}
