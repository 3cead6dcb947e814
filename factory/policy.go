/*
Package factory provides JSON to Go fee policy conversion and demo seeding.

PURPOSE:
  Converts JSON fee definitions into billing.FeeInput values so association
  admins can describe their fees without code changes, and loads complete
  demo scenarios (associations, fees, members, memberships, payments)
  through the billing services.

JSON SCHEMA (fee):
  {
    "fee_type": "subscription",
    "amount": "20000",
    "duration_months": 4,
    "grace_days": 3,
    "max_missed_cycles": 2,
    "allow_installments": true,
    "reminder_days_before_due": [7, 3, 1]
  }

  Amounts may be JSON numbers or strings. allow_installments defaults to
  true. Membership fees ignore the cycle fields.

USAGE:
  f := NewPolicyFactory()
  in, err := f.ParseFee(SubscriptionPolicyJSON("20000", 4, 3, 2), assocID)
  fee, err := policies.CreateFee(ctx, in, actor)

SEE ALSO:
  - billing/policies.go: fee validation rules
  - scenario.go: scenario seeding
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// FeePolicyJSON is the JSON representation of a fee.
type FeePolicyJSON struct {
	FeeType               string          `json:"fee_type" validate:"required,oneof=membership subscription"`
	Amount                decimal.Decimal `json:"amount"`
	DurationMonths        int             `json:"duration_months,omitempty"`
	GraceDays             int             `json:"grace_days,omitempty"`
	MaxMissedCycles       int             `json:"max_missed_cycles,omitempty"`
	AllowInstallments     *bool           `json:"allow_installments,omitempty"`
	ReminderDaysBeforeDue []int           `json:"reminder_days_before_due,omitempty"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON fee policies to service inputs.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParseFee parses a JSON string into a FeeInput for assoc.
func (f *PolicyFactory) ParseFee(jsonStr string, assoc billing.AssociationID) (billing.FeeInput, error) {
	var fj FeePolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &fj); err != nil {
		return billing.FeeInput{}, fmt.Errorf("failed to parse fee JSON: %w", err)
	}
	return f.FromJSON(fj, assoc)
}

// FromJSON converts FeePolicyJSON to a FeeInput. Range checks are left to
// PolicyService so both entry points report the same errors.
func (f *PolicyFactory) FromJSON(fj FeePolicyJSON, assoc billing.AssociationID) (billing.FeeInput, error) {
	typ := billing.FeeType(fj.FeeType)
	if !typ.Valid() {
		return billing.FeeInput{}, fmt.Errorf("unknown fee type %q", fj.FeeType)
	}

	return billing.FeeInput{
		AssociationID:         assoc,
		Type:                  typ,
		Amount:                fj.Amount,
		DurationMonths:        fj.DurationMonths,
		GraceDays:             fj.GraceDays,
		MaxMissedCycles:       fj.MaxMissedCycles,
		AllowInstallments:     fj.AllowInstallments,
		ReminderDaysBeforeDue: fj.ReminderDaysBeforeDue,
	}, nil
}

// =============================================================================
// PRESETS
// =============================================================================

// SubscriptionPolicyJSON returns a subscription fee definition.
func SubscriptionPolicyJSON(amount string, months, graceDays, maxMissed int) string {
	return fmt.Sprintf(`{
  "fee_type": "subscription",
  "amount": %q,
  "duration_months": %d,
  "grace_days": %d,
  "max_missed_cycles": %d,
  "allow_installments": true,
  "reminder_days_before_due": [7, 3, 1]
}`, amount, months, graceDays, maxMissed)
}

// MembershipPolicyJSON returns a one-off membership fee definition.
func MembershipPolicyJSON(amount string, allowInstallments bool) string {
	return fmt.Sprintf(`{
  "fee_type": "membership",
  "amount": %q,
  "allow_installments": %t
}`, amount, allowInstallments)
}
