package billing

import "github.com/shopspring/decimal"

// =============================================================================
// CHARGE TARGET - What a payment is applied to
// =============================================================================

// ChargeTarget selects the charge a payment settles. Exactly one of
// ExistingCharge, ExistingFee or CustomCharge.
type ChargeTarget interface {
	isChargeTarget()
}

// ExistingCharge pays a charge that already exists.
type ExistingCharge struct {
	ChargeID ChargeID
}

// ExistingFee pays the charge of a fee, creating it when missing.
// Subscription fees resolve to the current cycle charge.
type ExistingFee struct {
	FeeID FeeID
}

// CustomCharge creates a new fee-less charge and pays it.
type CustomCharge struct {
	Purpose     ChargePurpose   `json:"purpose"`
	Title       string          `json:"title" validate:"required,max=255"`
	AmountDue   decimal.Decimal `json:"amount_due" validate:"gt=0"`
	DueDate     Date            `json:"due_date"`
	Description string          `json:"description"`
}

func (ExistingCharge) isChargeTarget() {}
func (ExistingFee) isChargeTarget()    {}
func (CustomCharge) isChargeTarget()   {}
