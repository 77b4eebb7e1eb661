/*
errors.go - Centralized error types for the credits engine

PURPOSE:
  All expected failure kinds in one place. Callers branch with errors.Is /
  errors.As; the structured types carry enough context to render a
  user-facing message without string parsing.

ERROR CATEGORIES:
  1. Business outcomes - insufficient credits, no active subscription
  2. Input errors - unknown plan, pack, or operation
  3. Store errors - surfaced verbatim; they roll back the unit of work

PROPAGATION:
  No error is retried inside the engine. Expected failures never mutate
  state: a rejected consumption leaves every source untouched.
*/
package credits

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCredits is returned when a consumption exceeds the
	// available balance. No state is mutated.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNoActiveSubscription gates consumption and pack purchase when the
	// profile's subscription status does not permit spending.
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrUnknownOperation is returned for an operation key missing from the
	// cost table.
	ErrUnknownOperation = errors.New("unknown credit operation")

	// ErrInvalidPack is returned for an unknown pack id.
	ErrInvalidPack = errors.New("invalid credit pack")

	// ErrPlanNotFound is returned for an unknown plan id. Fatal input
	// error: no partial state is created.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrProfileNotFound is returned when a referenced profile doesn't exist.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrSourceNotFound is returned by stores when updating a missing source.
	ErrSourceNotFound = errors.New("credit source not found")

	// ErrTransactionNotFound is returned when enriching a missing ledger entry.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError reports how short the balance fell.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// CreditOperationError reports an invalid operation key.
type CreditOperationError struct {
	Operation string
}

func (e *CreditOperationError) Error() string {
	return fmt.Sprintf("unknown credit operation: %q", e.Operation)
}

func (e *CreditOperationError) Unwrap() error { return ErrUnknownOperation }

// InvalidCreditPackError reports an unknown pack id.
type InvalidCreditPackError struct {
	PackID string
}

func (e *InvalidCreditPackError) Error() string {
	return fmt.Sprintf("invalid credit pack id: %q", e.PackID)
}

func (e *InvalidCreditPackError) Unwrap() error { return ErrInvalidPack }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is an expected business outcome or
// invalid input, as opposed to a storage failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrNoActiveSubscription) ||
		errors.Is(err, ErrUnknownOperation) ||
		errors.Is(err, ErrInvalidPack) ||
		errors.Is(err, ErrPlanNotFound)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProfileNotFound) ||
		errors.Is(err, ErrSourceNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
