/*
errors.go - Centralized error types for the commission ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Services wrap these with context; the HTTP layer maps them to status
  codes through Code().

ERROR CATEGORIES:
  1. Validation - malformed input, rejected before any state is read
  2. NotFound - a referenced agent, withdrawal or commission is missing
  3. Permission - the caller may not perform the operation
  4. Conflict - the operation collides with current state
  5. InsufficientBalance - a withdrawal exceeds the available balance
  6. Storage - the persistence layer failed (the only retryable class)

USAGE:
  if errors.Is(err, ledger.ErrAlreadyProcessed) {
      // the withdrawal was decided by someone else
  }
  if ledger.IsRetryable(err) {
      // back off and retry the whole operation
  }

SEE ALSO:
  - store.go: Stores return ErrNotFound sentinels and StorageError
  - api/handlers.go: Maps Code() to HTTP status
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/zeebo/errs"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrPermission          = errors.New("permission denied")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

var (
	ErrAgentNotFound      = fmt.Errorf("agent %w", ErrNotFound)
	ErrWithdrawalNotFound = fmt.Errorf("withdrawal %w", ErrNotFound)
	ErrCommissionNotFound = fmt.Errorf("commission %w", ErrNotFound)
	ErrOrderNotFound      = fmt.Errorf("order %w", ErrNotFound)

	// ErrAgentNotApproved is returned when a pending or rejected agent tries
	// to withdraw. It is a permission failure, not a missing record.
	ErrAgentNotApproved = fmt.Errorf("agent is not approved: %w", ErrPermission)

	// ErrAlreadyProcessed is returned when a withdrawal has left pending.
	ErrAlreadyProcessed = fmt.Errorf("withdrawal already processed: %w", ErrConflict)

	// ErrDuplicateCommission is returned by stores when an entry for the
	// same (agent, order, type) already exists.
	ErrDuplicateCommission = fmt.Errorf("duplicate commission: %w", ErrConflict)

	// ErrOrderAgentMismatch is returned when an order id already completed
	// for one agent is delivered again for another.
	ErrOrderAgentMismatch = fmt.Errorf("order already completed for another agent: %w", ErrConflict)

	// ErrAgentExists is returned when a user applies twice.
	ErrAgentExists = fmt.Errorf("agent already exists for user: %w", ErrConflict)
)

// StorageError is the error class for persistence failures. Stores wrap
// every driver error with it.
var StorageError = errs.Class("storage")

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PermissionError names the action that was refused.
type PermissionError struct {
	Actor  Actor
	Action string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s may not %s", e.Actor.Role, e.Action)
}

func (e *PermissionError) Unwrap() error { return ErrPermission }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AgentID   AgentID
	Available Money
	Requested Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Requested.Sub(e.Available))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return StorageError.Has(err)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPermission) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrNotFound)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Error codes returned by Code.
const (
	CodeValidation          = "validation_error"
	CodeNotFound            = "not_found"
	CodePermission          = "permission_denied"
	CodeConflict            = "conflict"
	CodeInsufficientBalance = "insufficient_balance"
	CodeStorage             = "storage_error"
	CodeInternal            = "internal_error"
)

// Code classifies an error into one of the taxonomy codes.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPermission):
		return CodePermission
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrInsufficientBalance):
		return CodeInsufficientBalance
	case StorageError.Has(err):
		return CodeStorage
	default:
		return CodeInternal
	}
}
