/*
errors.go - Centralized error types for the allocation engine

ERROR CATEGORIES:
  1. ValidationError     - malformed input; caller must correct it
  2. BudgetExceededError - business rule; carries the remaining budget
  3. NotFoundError       - referenced user or target does not exist
  4. StoreError          - persistence failure; always a server error
  5. ConsistencyWarning  - NOT an error; logged and counted, never returned

PROPAGATION:
  Every business-rule failure is detected before the first write, and all
  writes happen inside one store transaction. A returned error therefore
  means nothing was changed.

USAGE:
  var budgetErr *allocation.BudgetExceededError
  if errors.As(err, &budgetErr) {
      fmt.Println("remaining:", budgetErr.Remaining)
  }
  if allocation.IsClientError(err) { ... 400 ... }
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
	ErrValidation     = errors.New("validation failed")
	ErrBudgetExceeded = errors.New("slice budget exceeded")
	ErrNotFound       = errors.New("not found")
	ErrStore          = errors.New("store failure")

	// ErrDuplicate is returned by stores when a unique field (username,
	// email, entity id) is already taken.
	ErrDuplicate = errors.New("duplicate entity")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the field and the bound it violated.
type ValidationError struct {
	Field   string
	Bound   string // e.g. "min=0", "max=8", "required"
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s: %v violates %s", e.Field, e.Value, e.Bound)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// BudgetExceededError reports how much of the budget is still available
// to this target so the caller can clamp its next attempt.
type BudgetExceededError struct {
	UserID    UserID
	TargetID  TargetID
	Requested int
	Budget    int
	Remaining int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("slice budget exceeded: requested %d, remaining %d of %d",
		e.Requested, e.Remaining, e.Budget)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Kind string // "user", "target", "allocation"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StoreError wraps an underlying persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// =============================================================================
// CONSISTENCY WARNINGS
// =============================================================================

type WarningKind string

const (
	// WarnNegativeTotal: applying a delta would have driven a target total
	// below zero; the total was clamped.
	WarnNegativeTotal WarningKind = "negative_total"

	// WarnAggregateMismatch: a target total disagrees with its ledger sum.
	WarnAggregateMismatch WarningKind = "aggregate_mismatch"

	// WarnBudgetViolation: a user's committed slices exceed their budget.
	WarnBudgetViolation WarningKind = "budget_violation"
)

// ConsistencyWarning records a detected ledger/aggregate disagreement.
// It is logged and counted; it never fails the request that found it.
type ConsistencyWarning struct {
	Kind     WarningKind
	TargetID TargetID
	UserID   UserID
	Expected int
	Actual   int
}

func (w ConsistencyWarning) String() string {
	return fmt.Sprintf("%s: expected %d, actual %d", w.Kind, w.Expected, w.Actual)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input
// or a business rule the client can act on.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrBudgetExceeded)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// wrapStore classifies a raw store error. Errors that already carry a
// category pass through untouched.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrBudgetExceeded) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrStore) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
