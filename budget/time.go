package budget

import "time"

// =============================================================================
// CALENDAR UTILITIES
// =============================================================================
// Period types live in period.go. Everything here works on calendar dates at
// midnight in a given location.

// DaysIn returns the number of days of month in year.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ClampDay returns day, or the last day of the month when day exceeds it.
func ClampDay(year int, month time.Month, day int) int {
	if last := DaysIn(year, month); day > last {
		return last
	}
	return day
}

// AddMonths shifts (year, month) by n months, normalising the year.
func AddMonths(year int, month time.Month, n int) (int, time.Month) {
	t := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return t.Year(), t.Month()
}

func boundary(year int, month time.Month, refreshDay int, loc *time.Location) time.Time {
	return time.Date(year, month, ClampDay(year, month, refreshDay), 0, 0, 0, 0, loc)
}
