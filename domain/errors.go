/*
errors.go - Error taxonomy shared by every component

ERROR CATEGORIES:
  1. ValidationError      - malformed input, rejected before any state change
  2. ComplianceDenied     - hard labor-rule breach, transition refused
  3. ConcurrencyConflict  - lost compare-and-set, caller re-reads and retries
  4. IdempotentNoop       - replayed ledger event, silently accepted
  5. PaymentProviderError - transient provider failure, bounded retry
  6. InvariantViolation   - fails closed and is surfaced to an operator

  Compliance flags are not errors: the transition proceeds and the
  decision carries the violation that was written.

USAGE:
  if errors.Is(err, domain.ErrConcurrencyConflict) {
      // re-read the shift and try again
  }
*/
package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation          = errors.New("validation failed")
	ErrComplianceDenied    = errors.New("compliance denied")
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrIdempotentNoop is returned together with the already stored value
	// when a write is replayed. Callers treat it as success.
	ErrIdempotentNoop = errors.New("idempotent replay")

	ErrPaymentProvider    = errors.New("payment provider error")
	ErrInvariantViolation = errors.New("invariant violation")

	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrForbidden         = errors.New("forbidden")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports a lost compare-and-set on a shared resource.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func NewConflict(resource, id, reason string) *ConflictError {
	return &ConflictError{Resource: resource, ID: id, Reason: reason}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// TransitionError reports a state change the state machine does not allow.
type TransitionError struct {
	Aggregate string
	From      string
	To        string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Aggregate, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ProviderError wraps a payment provider failure after Attempts tries.
type ProviderError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() []error { return []error{ErrPaymentProvider, e.Err} }

// InvariantError halts automated processing of the affected aggregate.
type InvariantError struct {
	Aggregate string
	ID        string
	Detail    string
}

func NewInvariant(aggregate, id, detail string) *InvariantError {
	return &InvariantError{Aggregate: aggregate, ID: id, Detail: detail}
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated on %s %s: %s", e.Aggregate, e.ID, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func NewNotFound(kind, id string) *NotFoundError { return &NotFoundError{Kind: kind, ID: id} }

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may re-read and try again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrPaymentProvider)
}

// IsClientError returns true if the error is due to the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrComplianceDenied) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrForbidden)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
