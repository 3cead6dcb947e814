package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CHARGE - Amount owed by a membership
// =============================================================================

type ChargePurpose string

const (
	PurposeMembershipFee   ChargePurpose = "membership_fee"
	PurposeSubscriptionFee ChargePurpose = "subscription_fee"
	PurposeEvent           ChargePurpose = "event"
	PurposeMerch           ChargePurpose = "merch"
	PurposeDonation        ChargePurpose = "donation"
	PurposeOther           ChargePurpose = "other"
)

func (p ChargePurpose) Valid() bool {
	switch p {
	case PurposeMembershipFee, PurposeSubscriptionFee, PurposeEvent,
		PurposeMerch, PurposeDonation, PurposeOther:
		return true
	}
	return false
}

type ChargeStatus string

const (
	ChargeUnpaid    ChargeStatus = "unpaid"
	ChargePartial   ChargeStatus = "partial"
	ChargePaid      ChargeStatus = "paid"
	ChargeCancelled ChargeStatus = "cancelled"
)

// Charge is never deleted. Cancellation is a terminal status.
type Charge struct {
	ID            ChargeID
	AssociationID AssociationID
	MembershipID  MembershipID
	FeeID         FeeID // empty for custom charges
	Purpose       ChargePurpose
	Title         string
	Description   string
	AmountDue     decimal.Decimal
	DueDate       Date // zero when the charge has no due date
	Status        ChargeStatus
	Period        Period // zero for non-subscription charges
	IsOverdue     bool
	CreatedBy     UserID
	CreatedAt     time.Time

	// AmountPaid is the sum of recorded (non-reversed) payments.
	// Populated by the store on every read.
	AmountPaid decimal.Decimal
}

// Balance is what remains to be paid, never negative.
func (c *Charge) Balance() decimal.Decimal {
	b := c.AmountDue.Sub(c.AmountPaid)
	if b.IsNegative() {
		return decimal.Zero
	}
	return b
}

func (c *Charge) IsCancelled() bool { return c.Status == ChargeCancelled }

// IsOpen reports whether the charge still expects payments.
func (c *Charge) IsOpen() bool {
	return c.Status == ChargeUnpaid || c.Status == ChargePartial
}

// StatusFor derives the payment status from the amount paid so far.
func StatusFor(amountDue, paid decimal.Decimal) ChargeStatus {
	switch {
	case !paid.IsPositive():
		return ChargeUnpaid
	case paid.LessThan(amountDue):
		return ChargePartial
	default:
		return ChargePaid
	}
}

// RecomputeStatus updates Status from AmountPaid. Cancelled charges are left
// untouched. Returns true if the status changed.
func (c *Charge) RecomputeStatus() bool {
	if c.IsCancelled() {
		return false
	}
	next := StatusFor(c.AmountDue, c.AmountPaid)
	if next == c.Status {
		return false
	}
	c.Status = next
	return true
}

// OverdueOn reports whether the charge is overdue on today.
// Grace is already folded into DueDate when the charge is created.
func (c *Charge) OverdueOn(today Date) bool {
	if c.IsCancelled() || c.DueDate.IsZero() {
		return false
	}
	return c.Balance().IsPositive() && today.After(c.DueDate)
}

// Refresh recomputes status and overdue flag. Returns true if either changed.
func (c *Charge) Refresh(today Date) bool {
	changed := c.RecomputeStatus()
	overdue := c.OverdueOn(today)
	if overdue != c.IsOverdue {
		c.IsOverdue = overdue
		changed = true
	}
	return changed
}
