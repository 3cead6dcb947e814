/*
ledger.go - Creation and retrieval of charges

PURPOSE:
  The Ledger owns the "at most one charge per cycle" rule. Charges are
  created with get-or-create semantics: look up, insert when missing, and
  on a unique violation (another request won the race) re-fetch the row
  the winner inserted.

CHARGE KINDS:
  Subscription: one per (membership, fee, period). Period is the cycle
                containing today; due date = period end + grace days.
  Membership:   one open (unpaid/partial) charge per (membership, fee);
                due date = today + grace days, no period.
  Custom:       free-form charge without fee (event, merch, donation...).

SEE ALSO:
  - cycle.go: CycleBounds
  - reconciler.go: keeps status and overdue flags current
*/
package billing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type Ledger struct {
	store TxStore
	opts  Options
	log   *zap.Logger
}

func NewLedger(store TxStore, opts Options) *Ledger {
	opts = opts.withDefaults()
	return &Ledger{store: store, opts: opts, log: opts.Logger.Named("ledger")}
}

// =============================================================================
// SUBSCRIPTION CHARGES
// =============================================================================

// EnsureCurrentSubscriptionCharge returns the membership's charge for the
// cycle containing today, creating it if missing. Returns nil when the
// association has no subscription fee.
func (l *Ledger) EnsureCurrentSubscriptionCharge(ctx context.Context, membershipID MembershipID) (*Charge, error) {
	var charge *Charge
	fx := &effects{}
	err := l.store.WithTx(ctx, func(tx Store) error {
		m, err := tx.GetMembership(ctx, membershipID)
		if err != nil {
			return err
		}
		charge, err = l.ensureSubscriptionCharge(ctx, tx, m, fx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ensure subscription charge for membership %s: %w", membershipID, err)
	}
	fx.apply(l.opts)
	return charge, nil
}

func (l *Ledger) ensureSubscriptionCharge(ctx context.Context, tx Store, m *Membership, fx *effects) (*Charge, error) {
	fee, err := tx.LatestFee(ctx, m.AssociationID, FeeTypeSubscription)
	if errors.Is(err, ErrFeeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	today := l.opts.Clock.Today()
	anchor, err := l.resolveAnchor(ctx, tx, m, today)
	if err != nil {
		return nil, err
	}

	months, fellBack := EffectiveCycleMonths(fee.DurationMonths)
	if fellBack {
		l.log.Warn("subscription fee has no usable cycle length, using default",
			zap.String("association_id", string(fee.AssociationID)),
			zap.String("fee_id", string(fee.ID)),
			zap.Int("duration_months", fee.DurationMonths),
			zap.Int("fallback_months", months),
		)
	}
	period := CycleBounds(anchor, months, today)

	charge, err := tx.FindCycleCharge(ctx, m.ID, fee.ID, period)
	switch {
	case err == nil:
	case errors.Is(err, ErrChargeNotFound):
		c := Charge{
			ID:            ChargeID(NewID()),
			AssociationID: m.AssociationID,
			MembershipID:  m.ID,
			FeeID:         fee.ID,
			Purpose:       PurposeSubscriptionFee,
			Title:         fmt.Sprintf("Subscription (%s → %s)", period.Start, period.End),
			AmountDue:     fee.Amount,
			DueDate:       period.End.AddDays(fee.GraceDays),
			Status:        ChargeUnpaid,
			Period:        period,
			CreatedAt:     l.opts.Clock.Now(),
		}
		charge, err = l.insertCharge(ctx, tx, c, SystemActor, fx, func() (*Charge, error) {
			return tx.FindCycleCharge(ctx, m.ID, fee.ID, period)
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := refreshCharge(ctx, tx, charge, today); err != nil {
		return nil, err
	}
	return charge, nil
}

// resolveAnchor returns the subscription anchor, persisting today as the
// anchor when none is set yet.
func (l *Ledger) resolveAnchor(ctx context.Context, tx Store, m *Membership, today Date) (Date, error) {
	if !m.SubscriptionAnchor.IsZero() {
		return m.SubscriptionAnchor, nil
	}
	set, err := tx.SetSubscriptionAnchor(ctx, m.ID, today)
	if err != nil {
		return Date{}, err
	}
	if set {
		m.SubscriptionAnchor = today
		return today, nil
	}
	// Someone else set it between our read and write.
	fresh, err := tx.GetMembership(ctx, m.ID)
	if err != nil {
		return Date{}, err
	}
	m.SubscriptionAnchor = fresh.SubscriptionAnchor
	return fresh.SubscriptionAnchor, nil
}

// =============================================================================
// FEE CHARGES
// =============================================================================

// GetOrCreateChargeForFee returns the charge a payment for fee should settle.
// Subscription fees resolve to the current cycle charge; other fees reuse
// the open charge for (membership, fee) or create one.
func (l *Ledger) GetOrCreateChargeForFee(ctx context.Context, membershipID MembershipID, feeID FeeID, actor Actor) (*Charge, error) {
	var charge *Charge
	fx := &effects{}
	err := l.store.WithTx(ctx, func(tx Store) error {
		m, err := tx.GetMembership(ctx, membershipID)
		if err != nil {
			return err
		}
		fee, err := tx.GetFee(ctx, feeID)
		if err != nil {
			return err
		}
		charge, err = l.getOrCreateChargeForFee(ctx, tx, m, fee, actor, fx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get or create charge for fee %s: %w", feeID, err)
	}
	fx.apply(l.opts)
	return charge, nil
}

func (l *Ledger) getOrCreateChargeForFee(ctx context.Context, tx Store, m *Membership, fee *Fee, actor Actor, fx *effects) (*Charge, error) {
	if fee.AssociationID != m.AssociationID {
		return nil, NewValidationError("fee", "Selected fee does not belong to this membership's association.")
	}

	if fee.IsSubscription() {
		c, err := l.ensureSubscriptionCharge(ctx, tx, m, fx)
		if err != nil || c != nil {
			return c, err
		}
	}

	today := l.opts.Clock.Today()
	existing, err := tx.FindOpenFeeCharge(ctx, m.ID, fee.ID)
	if err == nil {
		if err := refreshCharge(ctx, tx, existing, today); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if !errors.Is(err, ErrChargeNotFound) {
		return nil, err
	}

	purpose := PurposeOther
	if fee.Type == FeeTypeMembership {
		purpose = PurposeMembershipFee
	}
	c := Charge{
		ID:            ChargeID(NewID()),
		AssociationID: m.AssociationID,
		MembershipID:  m.ID,
		FeeID:         fee.ID,
		Purpose:       purpose,
		Title:         fee.Type.Label(),
		AmountDue:     fee.Amount,
		DueDate:       today.AddDays(fee.GraceDays),
		Status:        ChargeUnpaid,
		CreatedBy:     actor.ID,
		CreatedAt:     l.opts.Clock.Now(),
	}
	return l.insertCharge(ctx, tx, c, actor, fx, func() (*Charge, error) {
		return tx.FindOpenFeeCharge(ctx, m.ID, fee.ID)
	})
}

// =============================================================================
// CUSTOM CHARGES
// =============================================================================

// CreateCustomCharge creates a fee-less charge. Purpose defaults to "other".
func (l *Ledger) CreateCustomCharge(ctx context.Context, membershipID MembershipID, in CustomCharge, actor Actor) (*Charge, error) {
	if err := validateCustomCharge(&in); err != nil {
		return nil, err
	}

	var charge *Charge
	fx := &effects{}
	err := l.store.WithTx(ctx, func(tx Store) error {
		m, err := tx.GetMembership(ctx, membershipID)
		if err != nil {
			return err
		}
		charge, err = l.createCustomCharge(ctx, tx, m, in, actor, fx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create custom charge: %w", err)
	}
	fx.apply(l.opts)
	return charge, nil
}

func validateCustomCharge(in *CustomCharge) error {
	if !in.AmountDue.IsPositive() {
		return NewValidationError("amount_due", "Amount due must be greater than 0.")
	}
	if in.Purpose == "" {
		in.Purpose = PurposeOther
	}
	if !in.Purpose.Valid() {
		return NewValidationError("purpose", "Select a valid purpose.")
	}
	return validateInput(in)
}

func (l *Ledger) createCustomCharge(ctx context.Context, tx Store, m *Membership, in CustomCharge, actor Actor, fx *effects) (*Charge, error) {
	c := Charge{
		ID:            ChargeID(NewID()),
		AssociationID: m.AssociationID,
		MembershipID:  m.ID,
		Purpose:       in.Purpose,
		Title:         in.Title,
		Description:   in.Description,
		AmountDue:     in.AmountDue,
		DueDate:       in.DueDate,
		Status:        ChargeUnpaid,
		CreatedBy:     actor.ID,
		CreatedAt:     l.opts.Clock.Now(),
	}
	return l.insertCharge(ctx, tx, c, actor, fx, nil)
}

// =============================================================================
// CANCELLATION
// =============================================================================

// CancelCharge moves a charge to the terminal cancelled status.
// Cancelling a cancelled charge is a no-op.
func (l *Ledger) CancelCharge(ctx context.Context, id ChargeID, actor Actor) (*Charge, error) {
	var charge *Charge
	fx := &effects{}
	err := l.store.WithTx(ctx, func(tx Store) error {
		c, err := tx.GetCharge(ctx, id)
		if err != nil {
			return err
		}
		charge = c
		if c.IsCancelled() {
			return nil
		}

		previous := c.Status
		c.Status = ChargeCancelled
		c.IsOverdue = false
		if err := tx.UpdateChargeState(ctx, c.ID, c.Status, c.IsOverdue); err != nil {
			return err
		}

		ev := newEvent(EventChargeCancelled, c.AssociationID, actor, ObjectCharge, string(c.ID), c.Title, l.opts.Clock.Now())
		ev.Metadata["previous_status"] = string(previous)
		ev.Metadata["balance"] = c.Balance().String()
		return emit(ctx, tx, fx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("cancel charge %s: %w", id, err)
	}
	fx.apply(l.opts)
	return charge, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// insertCharge inserts c and emits charge_created. On a unique violation
// the row that won is loaded with refetch (nil refetch surfaces the error).
func (l *Ledger) insertCharge(ctx context.Context, tx Store, c Charge, actor Actor, fx *effects, refetch func() (*Charge, error)) (*Charge, error) {
	c.Refresh(l.opts.Clock.Today())

	if err := tx.InsertCharge(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicateCharge) && refetch != nil {
			l.log.Debug("charge created concurrently, re-fetching",
				zap.String("membership_id", string(c.MembershipID)),
				zap.String("fee_id", string(c.FeeID)),
				zap.Stringer("period", c.Period),
			)
			return refetch()
		}
		return nil, err
	}

	ev := newEvent(EventChargeCreated, c.AssociationID, actor, ObjectCharge, string(c.ID), c.Title, c.CreatedAt)
	ev.Metadata["purpose"] = string(c.Purpose)
	ev.Metadata["amount_due"] = c.AmountDue.String()
	ev.Metadata["membership_id"] = string(c.MembershipID)
	if c.FeeID != "" {
		ev.Metadata["fee_id"] = string(c.FeeID)
	}
	if !c.Period.IsZero() {
		ev.Metadata["period_start"] = c.Period.Start.String()
		ev.Metadata["period_end"] = c.Period.End.String()
	}
	if !c.DueDate.IsZero() {
		ev.Metadata["due_date"] = c.DueDate.String()
	}
	if err := emit(ctx, tx, fx, ev); err != nil {
		return nil, err
	}
	fx.charges = append(fx.charges, c.Purpose)
	return &c, nil
}

// refreshCharge recomputes status and overdue flag and persists changes.
func refreshCharge(ctx context.Context, tx Store, c *Charge, today Date) error {
	if !c.Refresh(today) {
		return nil
	}
	return tx.UpdateChargeState(ctx, c.ID, c.Status, c.IsOverdue)
}
