/*
errors.go - Error types for the billing engine

ERROR CATEGORIES:
  1. Not found     - referenced rows that do not exist
  2. Conflicts     - unique constraint violations surfaced by stores
  3. Validation    - field-specific input errors, raised before persistence

USAGE:
  Stores translate driver errors into the sentinels below. Services wrap
  them with context; callers classify with errors.Is or the helpers at the
  bottom of this file.

    if errors.Is(err, billing.ErrDuplicateCharge) {
        // another request created the cycle charge first: re-fetch
    }
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrAssociationNotFound = errors.New("association not found")
	ErrMemberNotFound      = errors.New("member not found")
	ErrMembershipNotFound  = errors.New("membership not found")
	ErrFeeNotFound         = errors.New("fee not found")
	ErrChargeNotFound      = errors.New("charge not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrReminderNotFound    = errors.New("reminder log not found")

	// ErrDuplicateCharge is returned when a charge already exists for the
	// same membership, fee and period. Callers re-fetch the existing row.
	ErrDuplicateCharge = errors.New("charge already exists for this cycle")

	// ErrDuplicateReminder is returned when a reminder of the same type was
	// already logged for the charge on that day.
	ErrDuplicateReminder = errors.New("reminder already logged")

	// ErrDuplicateMembership is returned when the member already belongs to
	// the association.
	ErrDuplicateMembership = errors.New("member already belongs to association")

	// ErrValidation is the category of every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending input field.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the error is due to invalid input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAssociationNotFound) ||
		errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrMembershipNotFound) ||
		errors.Is(err, ErrFeeNotFound) ||
		errors.Is(err, ErrChargeNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrReminderNotFound)
}

// IsConflict returns true if the error is a uniqueness violation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateCharge) ||
		errors.Is(err, ErrDuplicateReminder) ||
		errors.Is(err, ErrDuplicateMembership)
}
