package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// FEE POLICY ADMINISTRATION
// =============================================================================

// FeeInput is the editable part of a fee. A nil AllowInstallments means
// true on create and unchanged on update.
type FeeInput struct {
	AssociationID         AssociationID   `json:"association_id" validate:"required"`
	Type                  FeeType         `json:"fee_type" validate:"required,oneof=membership subscription"`
	Amount                decimal.Decimal `json:"amount" validate:"gt=0"`
	DurationMonths        int             `json:"duration_months" validate:"gte=0"`
	GraceDays             int             `json:"grace_days" validate:"gte=0"`
	MaxMissedCycles       int             `json:"max_missed_cycles" validate:"gte=0"`
	AllowInstallments     *bool           `json:"allow_installments,omitempty"`
	ReminderDaysBeforeDue []int           `json:"reminder_days_before_due" validate:"dive,gte=0"`
}

type PolicyService struct {
	store TxStore
	opts  Options
	log   *zap.Logger
}

func NewPolicyService(store TxStore, opts Options) *PolicyService {
	opts = opts.withDefaults()
	return &PolicyService{store: store, opts: opts, log: opts.Logger.Named("policies")}
}

// CreateFee validates and stores a new fee.
func (s *PolicyService) CreateFee(ctx context.Context, in FeeInput, actor Actor) (*Fee, error) {
	now := s.opts.Clock.Now()
	fee := Fee{
		ID:                FeeID(NewID()),
		AllowInstallments: true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := applyFeeInput(&fee, in); err != nil {
		return nil, err
	}

	fx := &effects{}
	err := s.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.GetAssociation(ctx, fee.AssociationID); err != nil {
			return err
		}
		if err := tx.SaveFee(ctx, fee); err != nil {
			return err
		}
		ev := newEvent(EventFeeCreated, fee.AssociationID, actor, ObjectFee, string(fee.ID), feeRepr(&fee), now)
		ev.Metadata["fee_type"] = string(fee.Type)
		ev.Metadata["amount"] = fee.Amount.String()
		return emit(ctx, tx, fx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("create fee: %w", err)
	}
	fx.apply(s.opts)
	return &fee, nil
}

// UpdateFee replaces the editable fields of a fee. The association of a
// fee never changes. Existing charges keep their amounts and due dates.
func (s *PolicyService) UpdateFee(ctx context.Context, id FeeID, in FeeInput, actor Actor) (*Fee, error) {
	var fee *Fee
	fx := &effects{}
	err := s.store.WithTx(ctx, func(tx Store) error {
		current, err := tx.GetFee(ctx, id)
		if err != nil {
			return err
		}
		previousAmount := current.Amount
		if in.Type != current.Type {
			return NewValidationError("fee_type", "Fee type cannot change after creation.")
		}

		in.AssociationID = current.AssociationID
		if err := applyFeeInput(current, in); err != nil {
			return err
		}
		current.UpdatedAt = s.opts.Clock.Now()
		if err := tx.SaveFee(ctx, *current); err != nil {
			return err
		}

		ev := newEvent(EventFeeUpdated, current.AssociationID, actor, ObjectFee, string(current.ID), feeRepr(current), current.UpdatedAt)
		ev.Metadata["fee_type"] = string(current.Type)
		ev.Metadata["amount"] = current.Amount.String()
		ev.Metadata["previous_amount"] = previousAmount.String()
		fee = current
		return emit(ctx, tx, fx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("update fee %s: %w", id, err)
	}
	fx.apply(s.opts)
	return fee, nil
}

// SubscriptionFee returns the association's current subscription fee, or
// nil when it has none.
func (s *PolicyService) SubscriptionFee(ctx context.Context, assoc AssociationID) (*Fee, error) {
	fee, err := s.store.LatestFee(ctx, assoc, FeeTypeSubscription)
	if errors.Is(err, ErrFeeNotFound) {
		return nil, nil
	}
	return fee, err
}

func (s *PolicyService) ListFees(ctx context.Context, assoc AssociationID) ([]Fee, error) {
	return s.store.ListFees(ctx, assoc)
}

func applyFeeInput(fee *Fee, in FeeInput) error {
	if err := validateInput(&in); err != nil {
		return err
	}
	fee.AssociationID = in.AssociationID
	fee.Type = in.Type
	fee.Amount = in.Amount
	fee.DurationMonths = in.DurationMonths
	fee.GraceDays = in.GraceDays
	fee.MaxMissedCycles = in.MaxMissedCycles
	if in.AllowInstallments != nil {
		fee.AllowInstallments = *in.AllowInstallments
	}
	fee.ReminderDaysBeforeDue = append([]int(nil), in.ReminderDaysBeforeDue...)
	fee.Normalize()
	return fee.Validate()
}

func feeRepr(f *Fee) string {
	return fmt.Sprintf("%s - %s", f.Type.Label(), f.Amount.String())
}
