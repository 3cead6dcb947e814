package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT - Money received against a charge
// =============================================================================

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodMobileMoney  PaymentMethod = "mobile_money"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCard         PaymentMethod = "card"
	MethodOther        PaymentMethod = "other"
)

func (m PaymentMethod) Label() string {
	switch m {
	case MethodCash:
		return "Cash"
	case MethodMobileMoney:
		return "Mobile Money"
	case MethodBankTransfer:
		return "Bank Transfer"
	case MethodCard:
		return "Card"
	default:
		return "Other"
	}
}

type PaymentStatus string

const (
	PaymentRecorded PaymentStatus = "recorded"
	PaymentReversed PaymentStatus = "reversed"
)

// Payment amounts are immutable. Corrections are made by reversal, which
// only flips Status.
type Payment struct {
	ID            PaymentID
	ChargeID      ChargeID
	MembershipID  MembershipID
	FeeID         FeeID
	AmountPaid    decimal.Decimal
	PaidAt        time.Time
	RecordedAt    time.Time
	RecordedBy    UserID
	Method        PaymentMethod
	ReferenceCode string
	Status        PaymentStatus
	Note          string
}

func (p *Payment) IsReversed() bool { return p.Status == PaymentReversed }

// PaymentReceipt is returned by the recorder: the payment and the charge
// state right after it was applied.
type PaymentReceipt struct {
	Payment Payment
	Charge  Charge
}
