/*
recorder.go - Payments against charges

PURPOSE:
  Attaches a payment to exactly one charge target, then recomputes the
  charge status from the payment history. Payment insert, status recompute
  and the outbox event commit together; the "payment recorded" message is
  delivered from the outbox after commit.

TARGETS:
  ExistingCharge: the charge must belong to the membership
  ExistingFee:    the fee must belong to the membership's association;
                  resolved through the Ledger (get-or-create)
  CustomCharge:   a new fee-less charge is created in the same transaction

REVERSAL:
  Payment amounts are immutable. A reversal flips the payment status and
  recomputes the charge synchronously. Reversing twice is a no-op.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RecordPaymentInput describes a payment to record.
type RecordPaymentInput struct {
	MembershipID  MembershipID    `json:"membership_id" validate:"required"`
	Target        ChargeTarget    `json:"-" validate:"-"`
	Amount        decimal.Decimal `json:"amount_paid" validate:"gt=0"`
	Method        PaymentMethod   `json:"payment_method" validate:"omitempty,oneof=cash mobile_money bank_transfer card other"`
	ReferenceCode string          `json:"reference_code" validate:"max=100"`
	PaidAt        time.Time       `json:"paid_at"` // zero means now
	Note          string          `json:"note"`
}

type PaymentRecorder struct {
	store  TxStore
	ledger *Ledger
	opts   Options
	log    *zap.Logger
}

func NewPaymentRecorder(store TxStore, ledger *Ledger, opts Options) *PaymentRecorder {
	opts = opts.withDefaults()
	return &PaymentRecorder{store: store, ledger: ledger, opts: opts, log: opts.Logger.Named("payments")}
}

// RecordPayment validates the input, resolves the target charge, stores
// the payment and recomputes the charge, all in one transaction.
func (r *PaymentRecorder) RecordPayment(ctx context.Context, in RecordPaymentInput, actor Actor) (*PaymentReceipt, error) {
	if err := validatePayment(&in); err != nil {
		return nil, err
	}

	var receipt *PaymentReceipt
	fx := &effects{}
	err := r.store.WithTx(ctx, func(tx Store) error {
		fx.charges, fx.events = nil, 0

		m, err := tx.GetMembership(ctx, in.MembershipID)
		if err != nil {
			return err
		}
		charge, err := r.resolveTarget(ctx, tx, m, in.Target, actor, fx)
		if err != nil {
			return err
		}
		if err := r.checkInstallments(ctx, tx, charge, in.Amount); err != nil {
			return err
		}

		now := r.opts.Clock.Now()
		paidAt := in.PaidAt
		if paidAt.IsZero() {
			paidAt = now
		}
		p := Payment{
			ID:            PaymentID(NewID()),
			ChargeID:      charge.ID,
			MembershipID:  m.ID,
			FeeID:         charge.FeeID,
			AmountPaid:    in.Amount,
			PaidAt:        paidAt,
			RecordedAt:    now,
			RecordedBy:    actor.ID,
			Method:        in.Method,
			ReferenceCode: in.ReferenceCode,
			Status:        PaymentRecorded,
			Note:          in.Note,
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}

		updated, err := r.recompute(ctx, tx, charge.ID)
		if err != nil {
			return err
		}

		ev, err := r.paymentRecordedEvent(ctx, tx, m, updated, p, actor)
		if err != nil {
			return err
		}
		if err := emit(ctx, tx, fx, ev); err != nil {
			return err
		}

		receipt = &PaymentReceipt{Payment: p, Charge: *updated}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	fx.apply(r.opts)
	r.opts.Metrics.PaymentRecorded(in.Method)
	r.log.Info("payment recorded",
		zap.String("payment_id", string(receipt.Payment.ID)),
		zap.String("charge_id", string(receipt.Charge.ID)),
		zap.String("amount_paid", receipt.Payment.AmountPaid.String()),
		zap.String("status", string(receipt.Charge.Status)),
	)
	return receipt, nil
}

func validatePayment(in *RecordPaymentInput) error {
	if in.Target == nil {
		return NewValidationError("target", "Select a charge, a fee, or enter custom charge details.")
	}
	if !in.Amount.IsPositive() {
		return NewValidationError("amount_paid", "Amount must be greater than 0.")
	}
	if in.Method == "" {
		in.Method = MethodCash
	}
	if err := validateInput(in); err != nil {
		return err
	}
	if custom, ok := in.Target.(CustomCharge); ok {
		if err := validateCustomCharge(&custom); err != nil {
			return err
		}
		in.Target = custom
	}
	return nil
}

func (r *PaymentRecorder) resolveTarget(ctx context.Context, tx Store, m *Membership, target ChargeTarget, actor Actor, fx *effects) (*Charge, error) {
	switch t := target.(type) {
	case ExistingCharge:
		c, err := tx.GetCharge(ctx, t.ChargeID)
		if err != nil {
			return nil, err
		}
		if c.MembershipID != m.ID {
			return nil, NewValidationError("charge", "Selected charge does not belong to this membership.")
		}
		if c.IsCancelled() {
			return nil, NewValidationError("charge", "Cannot record a payment against a cancelled charge.")
		}
		return c, nil

	case ExistingFee:
		fee, err := tx.GetFee(ctx, t.FeeID)
		if err != nil {
			return nil, err
		}
		return r.ledger.getOrCreateChargeForFee(ctx, tx, m, fee, actor, fx)

	case CustomCharge:
		return r.ledger.createCustomCharge(ctx, tx, m, t, actor, fx)

	default:
		return nil, NewValidationError("target", fmt.Sprintf("unsupported charge target %T", target))
	}
}

// checkInstallments rejects partial payments on charges whose fee
// disallows installments.
func (r *PaymentRecorder) checkInstallments(ctx context.Context, tx Store, c *Charge, amount decimal.Decimal) error {
	if c.FeeID == "" {
		return nil
	}
	fee, err := tx.GetFee(ctx, c.FeeID)
	if errors.Is(err, ErrFeeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	balance := c.Balance()
	if fee.AllowInstallments || !balance.IsPositive() || amount.GreaterThanOrEqual(balance) {
		return nil
	}
	return NewValidationError("amount_paid",
		fmt.Sprintf("This fee does not allow installments. Pay the full balance of %s.", balance.StringFixed(2)))
}

// recompute reloads the charge (fresh AmountPaid) and persists derived fields.
func (r *PaymentRecorder) recompute(ctx context.Context, tx Store, id ChargeID) (*Charge, error) {
	c, err := tx.GetCharge(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := refreshCharge(ctx, tx, c, r.opts.Clock.Today()); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *PaymentRecorder) paymentRecordedEvent(ctx context.Context, tx Store, m *Membership, c *Charge, p Payment, actor Actor) (Event, error) {
	member, err := tx.GetMember(ctx, m.MemberID)
	if err != nil {
		return Event{}, err
	}
	assoc, err := tx.GetAssociation(ctx, m.AssociationID)
	if err != nil {
		return Event{}, err
	}

	repr := fmt.Sprintf("%s - %s", member.FullName(), p.AmountPaid.String())
	ev := newEvent(EventPaymentRecorded, m.AssociationID, actor, ObjectPayment, string(p.ID), repr, p.RecordedAt)
	ev.Metadata["amount_paid"] = p.AmountPaid.String()
	ev.Metadata["status"] = string(p.Status)
	ev.Metadata["charge_id"] = string(c.ID)
	ev.Metadata["charge_status"] = string(c.Status)

	purpose := c.Title
	if purpose == "" {
		purpose = string(c.Purpose)
	}
	ev.Payment = &PaymentNotice{
		MemberName:      member.FullName(),
		MemberEmail:     member.Email,
		AssociationName: assoc.Name,
		Purpose:         purpose,
		AmountPaid:      p.AmountPaid,
		Method:          p.Method,
		ReferenceCode:   p.ReferenceCode,
		PaidAt:          p.PaidAt,
		Balance:         c.Balance(),
	}
	return ev, nil
}

// =============================================================================
// REVERSAL
// =============================================================================

// ReversePayment marks the payment reversed and recomputes its charge.
// Reversing an already reversed payment returns the current state.
func (r *PaymentRecorder) ReversePayment(ctx context.Context, id PaymentID, reason string, actor Actor) (*PaymentReceipt, error) {
	var receipt *PaymentReceipt
	reversed := false
	fx := &effects{}
	err := r.store.WithTx(ctx, func(tx Store) error {
		reversed = false
		p, err := tx.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if p.IsReversed() {
			c, err := tx.GetCharge(ctx, p.ChargeID)
			if err != nil {
				return err
			}
			receipt = &PaymentReceipt{Payment: *p, Charge: *c}
			return nil
		}

		previous := p.Status
		if err := tx.SetPaymentStatus(ctx, p.ID, PaymentReversed); err != nil {
			return err
		}
		p.Status = PaymentReversed

		c, err := r.recompute(ctx, tx, p.ChargeID)
		if err != nil {
			return err
		}

		ev := newEvent(EventPaymentReversed, c.AssociationID, actor, ObjectPayment, string(p.ID),
			p.AmountPaid.String(), r.opts.Clock.Now())
		ev.Metadata["amount_paid"] = p.AmountPaid.String()
		ev.Metadata["status"] = string(p.Status)
		ev.Metadata["previous_status"] = string(previous)
		ev.Metadata["charge_id"] = string(c.ID)
		ev.Metadata["charge_status"] = string(c.Status)
		if reason != "" {
			ev.Metadata["reason"] = reason
		}
		if err := emit(ctx, tx, fx, ev); err != nil {
			return err
		}

		reversed = true
		receipt = &PaymentReceipt{Payment: *p, Charge: *c}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reverse payment %s: %w", id, err)
	}

	fx.apply(r.opts)
	if reversed {
		r.opts.Metrics.PaymentReversed()
		r.log.Info("payment reversed",
			zap.String("payment_id", string(id)),
			zap.String("charge_id", string(receipt.Charge.ID)),
			zap.String("status", string(receipt.Charge.Status)),
		)
	}
	return receipt, nil
}
