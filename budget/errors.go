/*
errors.go - Centralized error types for the budget engine

ERROR CATEGORIES:
  1. Integrity errors - malformed scopes, windows or configs. The scope is
     skipped and reported; retrying cannot help until the data is fixed.
  2. Transient errors - store or ledger unreachable, timeouts. The scope is
     reported and picked up again by the next scheduled pass.
  3. Idempotency races - a concurrent pass inserted the same row first.
     Stores resolve these to the existing row, so callers see success.

USAGE:
  if budget.IsIntegrity(err) {
      // skip the scope, do not retry
  }
*/
package budget

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidScope is returned for a scope with both or neither owner set,
	// an unknown owner kind, or a missing account book.
	ErrInvalidScope = errors.New("invalid budget scope")

	// ErrInvalidPeriod is returned when a period is malformed (end <= start).
	ErrInvalidPeriod = errors.New("invalid period: end not after start")

	// ErrInvalidPeriodConfig is returned for an unknown period type or an
	// out-of-range refresh day or anchor month.
	ErrInvalidPeriodConfig = errors.New("invalid period config")

	// ErrPeriodOpen is returned when historizing a period that has not ended.
	ErrPeriodOpen = errors.New("period has not closed yet")

	// ErrPeriodNotFound is returned when a referenced period doesn't exist.
	ErrPeriodNotFound = errors.New("budget period not found")

	// ErrScopeHasNoPeriods is returned when a scope has no period to use as a
	// template for the next one.
	ErrScopeHasNoPeriods = errors.New("scope has no budget periods")

	// ErrDuplicate is returned by low-level inserts hitting a unique key.
	// Store implementations translate it into (existing row, created=false).
	ErrDuplicate = errors.New("duplicate row")

	// ErrPassInProgress is returned when a reconciliation pass is started
	// while another one is running.
	ErrPassInProgress = errors.New("reconciliation pass already running")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ErrorKind classifies a per-scope failure.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindIntegrity ErrorKind = "integrity"
	KindTimeout   ErrorKind = "timeout"
)

// ScopeError is a failure of one scope during a pass.
type ScopeError struct {
	Scope string // Scope.String(), or the raw identifiers of an invalid scope
	Kind  ErrorKind
	Err   error
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Scope, e.Kind, e.Err)
}

func (e *ScopeError) Unwrap() error {
	return e.Err
}

// NewScopeError wraps err with its classification.
func NewScopeError(scope string, err error) *ScopeError {
	return &ScopeError{Scope: scope, Kind: Classify(err), Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsIntegrity returns true if the error comes from malformed data.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrInvalidScope) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidPeriodConfig) ||
		errors.Is(err, ErrScopeHasNoPeriods)
}

// IsRetryable returns true if the next pass might succeed without a data fix.
func IsRetryable(err error) bool {
	return err != nil && !IsIntegrity(err) && !errors.Is(err, ErrPeriodOpen)
}

// IsTimeout returns true if the error came from an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Classify maps an error onto an ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case IsIntegrity(err):
		return KindIntegrity
	case IsTimeout(err):
		return KindTimeout
	}
	return KindTransient
}
