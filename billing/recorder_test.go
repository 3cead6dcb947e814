package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

func TestPaymentRecorder_PartialThenFull(t *testing.T) {
	// GIVEN: the Jan 1 - Apr 30 cycle charge of 20000
	// WHEN: 12000 then 8000 are paid against the fee
	// THEN: the charge goes partial (balance 8000) then paid

	f := newFixture(t, "2024-02-15")
	assoc := f.association("Coders Club")
	fee := f.subscriptionFee(assoc, 20000, 4, 7, 2)
	ms := f.membership(assoc, f.member("Amina", "amina@example.com"), "2024-01-01")

	first := f.pay(ms, billing.ExistingFee{FeeID: fee.ID}, 12000)
	assert.Equal(t, billing.ChargePartial, first.Charge.Status)
	assert.True(t, first.Charge.Balance().Equal(dec("8000")))
	assert.True(t, first.Charge.AmountPaid.Equal(dec("12000")))
	assert.Equal(t, billing.MethodCash, first.Payment.Method, "method defaults to cash")
	assert.Equal(t, billing.PaymentRecorded, first.Payment.Status)
	assert.Equal(t, fee.ID, first.Payment.FeeID)

	second := f.pay(ms, billing.ExistingCharge{ChargeID: first.Charge.ID}, 8000)
	assert.Equal(t, first.Charge.ID, second.Charge.ID)
	assert.Equal(t, billing.ChargePaid, second.Charge.Status)
	assert.True(t, second.Charge.Balance().IsZero())

	assert.Equal(t, 2, f.metrics.payments)
	assert.Equal(t, 2, countEvents(f.outboxTypes(), billing.EventPaymentRecorded))
}

func TestPaymentRecorder_InstallmentsDefaultToAllowed(t *testing.T) {
	// GIVEN: a subscription fee created without allow_installments
	// WHEN: 12000 of 20000 is paid
	// THEN: the charge is partial with balance 8000

	f := newFixture(t, "2024-02-15")
	assoc := f.association("Coders Club")
	fee, err := f.policies.CreateFee(f.ctx, billing.FeeInput{
		AssociationID:   assoc,
		Type:            billing.FeeTypeSubscription,
		Amount:          dec("20000"),
		DurationMonths:  4,
		GraceDays:       7,
		MaxMissedCycles: 2,
	}, billing.SystemActor)
	require.NoError(t, err)
	assert.True(t, fee.AllowInstallments)
	ms := f.membership(assoc, f.member("Amina", "amina@example.com"), "2024-01-01")

	r := f.pay(ms, billing.ExistingFee{FeeID: fee.ID}, 12000)
	assert.Equal(t, billing.ChargePartial, r.Charge.Status)
	assert.True(t, r.Charge.Balance().Equal(dec("8000")))

	// An explicit false is kept and enforced.
	no := false
	strict, err := f.policies.UpdateFee(f.ctx, fee.ID, billing.FeeInput{
		Type:              billing.FeeTypeSubscription,
		Amount:            dec("20000"),
		DurationMonths:    4,
		GraceDays:         7,
		MaxMissedCycles:   2,
		AllowInstallments: &no,
	}, billing.SystemActor)
	require.NoError(t, err)
	assert.False(t, strict.AllowInstallments)

	_, err = f.recorder.RecordPayment(f.ctx, billing.RecordPaymentInput{
		MembershipID: ms,
		Target:       billing.ExistingCharge{ChargeID: r.Charge.ID},
		Amount:       dec("3000"),
	}, billing.SystemActor)
	var vErr *billing.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "amount_paid", vErr.Field)
}

func TestPaymentRecorder_OverpaymentIsPaid(t *testing.T) {
	f := newFixture(t, "2024-02-15")
	assoc := f.association("Coders Club")
	fee := f.subscriptionFee(assoc, 20000, 4, 7, 2)
	ms := f.membership(assoc, f.member("Amina", "amina@example.com"), "2024-01-01")

	r := f.pay(ms, billing.ExistingFee{FeeID: fee.ID}, 25000)

	assert.Equal(t, billing.ChargePaid, r.Charge.Status)
	assert.True(t, r.Charge.Balance().IsZero())
}

func TestPaymentRecorder_CustomCharge(t *testing.T) {
	f := newFixture(t, "2024-02-15")
	assoc := f.association("Coders Club")
	ms := f.membership(assoc, f.member("Amina", "amina@example.com"), "2024-01-01")

	r := f.pay(ms, billing.CustomCharge{
		Purpose:   billing.PurposeMerch,
		Title:     "Club hoodie",
		AmountDue: dec("45000"),
	}, 45000)

	assert.Equal(t, billing.PurposeMerch, r.Charge.Purpose)
	assert.Equal(t, billing.ChargePaid, r.Charge.Status)
	assert.Equal(t, []billing.EventType{billing.EventChargeCreated, billing.EventPaymentRecorded}, f.outboxTypes())
}

func TestPaymentRecorder_PaymentNoticeInEvent(t *testing.T) {
	f := newFixture(t, "2024-02-15")
	assoc := f.association("Coders Club")
	fee := f.subscriptionFee(assoc, 20000, 4, 7, 2)
	ms := f.membership(assoc, f.member("Amina", "amina@example.com"), "2024-01-01")

	f.pay(ms, billing.ExistingFee{FeeID: fee.ID}, 12000)

	entries, err := f.store.ListOutbox(f.ctx)
	require.NoError(t, err)
	var notice *billing.PaymentNotice
	for i := range entries {
		if entries[i].EventType != billing.EventPaymentRecorded {
			continue
		}
		ev, err := entries[i].Event()
		require.NoError(t, err)
		notice = ev.Payment
		assert.Equal(t, "treasurer", string(ev.Actor.ID))
		assert.Equal(t, "partial", ev.Metadata["charge_status"])
	}
	require.NotNil(t, notice)
	assert.Equal(t, "amina@example.com", notice.MemberEmail)
	assert.Equal(t, "Coders Club", notice.AssociationName)
	assert.True(t, notice.Balance.Equal(dec("8000")))
}

func TestPaymentRecorder_Validation(t *testing.T) {
	f := newFixture(t, "2024-02-15")
	assoc := f.association("Coders Club")
	fee := f.subscriptionFee(assoc, 20000, 4, 7, 2)
	ms := f.membership(assoc, f.member("Amina", "amina@example.com"), "2024-01-01")

	tests := []struct {
		name  string
		in    billing.RecordPaymentInput
		field string
	}{
		{"no target", billing.RecordPaymentInput{MembershipID: ms, Amount: dec("10")}, "target"},
		{"zero amount", billing.RecordPaymentInput{MembershipID: ms, Target: billing.ExistingFee{FeeID: fee.ID}, Amount: dec("0")}, "amount_paid"},
		{"negative amount", billing.RecordPaymentInput{MembershipID: ms, Target: billing.ExistingFee{FeeID: fee.ID}, Amount: dec("-1")}, "amount_paid"},
		{"bad method", billing.RecordPaymentInput{MembershipID: ms, Target: billing.ExistingFee{FeeID: fee.ID}, Amount: dec("10"), Method: "cheque"}, "payment_method"},
		{"custom without title", billing.RecordPaymentInput{MembershipID: ms, Target: billing.CustomCharge{AmountDue: dec("10")}, Amount: dec("10")}, "title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.recorder.RecordPayment(f.ctx, tt.in, billing.SystemActor)
			var vErr *billing.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}

	charges, err := f.store.ListCharges(f.ctx, billing.ChargeFilter{MembershipID: ms})
	require.NoError(t, err)
	assert.Empty(t, charges, "rejected payments leave nothing behind")
}

func TestPaymentRecorder_ChargeOfAnotherMembership(t *testing.T) {
	f := newFixture(t, "2024-02-15")
	assoc := f.association("Coders Club")
	ms1 := f.membership(assoc, f.member("Amina", "amina@example.com"), "2024-01-01")
	ms2 := f.membership(assoc, f.member("Brian", "brian@example.com"), "2024-01-01")
	c, err := f.ledger.CreateCustomCharge(f.ctx, ms1, billing.CustomCharge{Title: "Merch", AmountDue: dec("100")}, billing.SystemActor)
	require.NoError(t, err)

	_, err = f.recorder.RecordPayment(f.ctx, billing.RecordPaymentInput{
		MembershipID: ms2,
		Target:       billing.ExistingCharge{ChargeID: c.ID},
		Amount:       dec("100"),
	}, billing.SystemActor)

	assert.True(t, billing.IsValidation(err))
	assert.Equal(t, billing.ChargeUnpaid, f.charge(c.ID).Status)
}

func TestPaymentRecorder_CancelledChargeRejected(t *testing.T) {
	f := newFixture(t, "2024-02-15")
	assoc := f.association("Coders Club")
	ms := f.membership(assoc, f.member("Amina", "amina@example.com"), "2024-01-01")
	c, err := f.ledger.CreateCustomCharge(f.ctx, ms, billing.CustomCharge{Title: "Merch", AmountDue: dec("100")}, billing.SystemActor)
	require.NoError(t, err)
	_, err = f.ledger.CancelCharge(f.ctx, c.ID, billing.SystemActor)
	require.NoError(t, err)

	_, err = f.recorder.RecordPayment(f.ctx, billing.RecordPaymentInput{
		MembershipID: ms,
		Target:       billing.ExistingCharge{ChargeID: c.ID},
		Amount:       dec("100"),
	}, billing.SystemActor)

	assert.True(t, billing.IsValidation(err))
}

func TestPaymentRecorder_InstallmentsNotAllowed(t *testing.T) {
	// GIVEN: a membership fee that must be paid in one go
	// WHEN: a partial amount is paid
	// THEN: the payment is rejected and no charge is left behind

	f := newFixture(t, "2024-02-15")
	assoc := f.association("Coders Club")
	fee := f.membershipFee(assoc, 5000, false)
	ms := f.membership(assoc, f.member("Amina", "amina@example.com"), "2024-01-01")

	_, err := f.recorder.RecordPayment(f.ctx, billing.RecordPaymentInput{
		MembershipID: ms,
		Target:       billing.ExistingFee{FeeID: fee.ID},
		Amount:       dec("2000"),
	}, billing.SystemActor)

	var vErr *billing.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "amount_paid", vErr.Field)
	assert.Contains(t, vErr.Message, "5000.00")

	charges, err := f.store.ListCharges(f.ctx, billing.ChargeFilter{MembershipID: ms})
	require.NoError(t, err)
	assert.Empty(t, charges)

	r := f.pay(ms, billing.ExistingFee{FeeID: fee.ID}, 5000)
	assert.Equal(t, billing.ChargePaid, r.Charge.Status)
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestPaymentRecorder_ReversePayment(t *testing.T) {
	f := newFixture(t, "2024-02-15")
	assoc := f.association("Coders Club")
	fee := f.subscriptionFee(assoc, 20000, 4, 7, 2)
	ms := f.membership(assoc, f.member("Amina", "amina@example.com"), "2024-01-01")
	first := f.pay(ms, billing.ExistingFee{FeeID: fee.ID}, 12000)
	second := f.pay(ms, billing.ExistingFee{FeeID: fee.ID}, 8000)
	require.Equal(t, billing.ChargePaid, second.Charge.Status)

	r, err := f.recorder.ReversePayment(f.ctx, second.Payment.ID, "bounced transfer", billing.SystemActor)
	require.NoError(t, err)

	assert.Equal(t, billing.PaymentReversed, r.Payment.Status)
	assert.Equal(t, billing.ChargePartial, r.Charge.Status)
	assert.True(t, r.Charge.Balance().Equal(dec("8000")))
	assert.True(t, r.Payment.AmountPaid.Equal(dec("8000")), "amount stays immutable")

	// Reversing twice changes nothing
	again, err := f.recorder.ReversePayment(f.ctx, second.Payment.ID, "", billing.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, billing.ChargePartial, again.Charge.Status)
	assert.Equal(t, 1, f.metrics.reversed)
	assert.Equal(t, 1, countEvents(f.outboxTypes(), billing.EventPaymentReversed))

	_, err = f.recorder.ReversePayment(f.ctx, first.Payment.ID, "", billing.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, billing.ChargeUnpaid, f.charge(first.Charge.ID).Status)
}

func TestPaymentRecorder_ReversalReopensOverdue(t *testing.T) {
	// GIVEN: a paid charge whose due date has passed
	// WHEN: its payment is reversed
	// THEN: the charge is unpaid and overdue again

	f := newFixture(t, "2024-02-15")
	assoc := f.association("Coders Club")
	fee := f.subscriptionFee(assoc, 20000, 4, 7, 2)
	ms := f.membership(assoc, f.member("Amina", "amina@example.com"), "2024-01-01")
	r := f.pay(ms, billing.ExistingFee{FeeID: fee.ID}, 20000)

	f.setToday("2024-05-10")
	reversed, err := f.recorder.ReversePayment(f.ctx, r.Payment.ID, "", billing.SystemActor)
	require.NoError(t, err)

	assert.Equal(t, billing.ChargeUnpaid, reversed.Charge.Status)
	assert.True(t, reversed.Charge.IsOverdue)
}

func TestPaymentRecorder_ReverseUnknownPayment(t *testing.T) {
	f := newFixture(t, "2024-02-15")

	_, err := f.recorder.ReversePayment(f.ctx, "missing", "", billing.SystemActor)

	assert.ErrorIs(t, err, billing.ErrPaymentNotFound)
}
