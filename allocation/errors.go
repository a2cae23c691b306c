/*
errors.go - Centralized error types for the allocation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores and the HTTP layer classify failures with errors.Is / errors.As
  against the sentinels below.

ERROR CATEGORIES:
  1. Validation errors  - Out-of-range input (percentage, month, negative amount)
  2. Locked period      - Mutation targeting a month before the current month
  3. Not found          - Unknown fund or workspace
  4. Upstream errors    - Ledger, registry or override store unavailable

RETRY POLICY:
  Validation and locked-period errors are never retried and are surfaced
  verbatim. Upstream errors are retried by the caller's transport layer,
  never by the engine itself.

USAGE:
  if errors.Is(err, allocation.ErrLockedPeriod) {
      // tell the user the month is closed
  }

  var lockedErr *allocation.LockedPeriodError
  if errors.As(err, &lockedErr) {
      fmt.Println(lockedErr.Month)
  }

SEE ALSO:
  - overrides.go: Raises validation, locked and not-found errors
  - engine.go: Wraps collaborator failures in UpstreamError
  - api/handlers.go: Maps errors to HTTP status codes
*/
package allocation

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when an input is outside its allowed range.
	ErrValidation = errors.New("validation failed")

	// ErrLockedPeriod is returned when a mutation targets a locked month.
	ErrLockedPeriod = errors.New("period is locked")

	// ErrNotFound is returned when a referenced fund or workspace doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrUpstream is returned when a collaborator (ledger, registry, store) fails.
	ErrUpstream = errors.New("upstream unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a single rejected field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// LockedPeriodError is returned for any write against a month that is
// strictly before the current calendar month.
type LockedPeriodError struct {
	Month   MonthKey
	Current MonthKey
}

func (e *LockedPeriodError) Error() string {
	return fmt.Sprintf("month %s is locked (current month is %s)", e.Month, e.Current)
}

func (e *LockedPeriodError) Unwrap() error {
	return ErrLockedPeriod
}

// NotFoundError identifies the missing resource.
type NotFoundError struct {
	Kind string // "fund" or "workspace"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// UpstreamError wraps a failure reported by a collaborator.
type UpstreamError struct {
	Source string // "fund_registry", "ledger", "override_store", "workspace"
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Source, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstream, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// NewValidationError is a shorthand used by the override service and stores.
func NewValidationError(field, value, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// upstream wraps err as an UpstreamError unless it already carries a
// domain classification (not found, validation) that must reach the caller.
func upstream(source string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrLockedPeriod) || errors.Is(err, ErrUpstream) {
		return err
	}
	// A caller abandoning the read is not a collaborator failure.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &UpstreamError{Source: source, Err: err}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstream)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrLockedPeriod)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
