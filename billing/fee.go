package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FEE POLICY
// =============================================================================

type FeeType string

const (
	FeeTypeMembership   FeeType = "membership"
	FeeTypeSubscription FeeType = "subscription"
)

func (t FeeType) Valid() bool {
	return t == FeeTypeMembership || t == FeeTypeSubscription
}

// Label is the human readable fee type, used as charge title.
func (t FeeType) Label() string {
	switch t {
	case FeeTypeMembership:
		return "Membership"
	case FeeTypeSubscription:
		return "Subscription"
	default:
		return "Fee"
	}
}

// Fee is an association billing policy.
//
// Membership fees are billed once; subscription fees are billed every
// DurationMonths months from the membership anchor date.
type Fee struct {
	ID                FeeID
	AssociationID     AssociationID
	Type              FeeType
	Amount            decimal.Decimal
	DurationMonths    int
	GraceDays         int
	MaxMissedCycles   int
	AllowInstallments bool

	// ReminderDaysBeforeDue lists extra lead times (in days) at which a
	// before-due reminder is sent, on top of the due-soon window.
	ReminderDaysBeforeDue []int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (f *Fee) IsSubscription() bool { return f.Type == FeeTypeSubscription }

// Normalize resets the subscription-only fields of a membership fee.
func (f *Fee) Normalize() {
	if f.Type != FeeTypeMembership {
		return
	}
	f.DurationMonths = 0
	f.GraceDays = 0
	f.MaxMissedCycles = 0
	f.AllowInstallments = true
	f.ReminderDaysBeforeDue = nil
}

// Validate checks the fee invariants. Call Normalize first.
func (f *Fee) Validate() error {
	if !f.Type.Valid() {
		return NewValidationError("fee_type", "Select a valid fee type.")
	}
	if !f.Amount.IsPositive() {
		return NewValidationError("amount", "Amount must be greater than 0.")
	}
	if f.GraceDays < 0 {
		return NewValidationError("grace_days", "Grace days cannot be negative.")
	}
	if f.DurationMonths < 0 {
		return NewValidationError("duration_months", "Duration cannot be negative.")
	}
	if f.IsSubscription() {
		if f.DurationMonths <= 0 {
			return NewValidationError("duration_months", "Required for Subscription. Enter months (e.g. 4 or 12).")
		}
		if f.MaxMissedCycles < 1 {
			return NewValidationError("max_missed_cycles", "Required for Subscription. Must be at least 1.")
		}
		for _, d := range f.ReminderDaysBeforeDue {
			if d < 0 {
				return NewValidationError("reminder_days_before_due", "Enter a list of non-negative integers. Example: [14, 3].")
			}
		}
	}
	return nil
}
