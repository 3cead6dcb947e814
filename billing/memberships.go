package billing

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// =============================================================================
// MEMBERSHIP ADMINISTRATION
// =============================================================================

type MembershipInput struct {
	MemberID           MemberID      `json:"member_id" validate:"required"`
	AssociationID      AssociationID `json:"association_id" validate:"required"`
	SubscriptionAnchor Date          `json:"subscription_anchor_date"` // defaults to today
}

type MembershipService struct {
	store TxStore
	opts  Options
	log   *zap.Logger
}

func NewMembershipService(store TxStore, opts Options) *MembershipService {
	opts = opts.withDefaults()
	return &MembershipService{store: store, opts: opts, log: opts.Logger.Named("memberships")}
}

// CreateMembership adds a member to an association as active. The member
// is notified after commit.
func (s *MembershipService) CreateMembership(ctx context.Context, in MembershipInput, actor Actor) (*Membership, error) {
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	now := s.opts.Clock.Now()
	m := Membership{
		ID:                 MembershipID(NewID()),
		MemberID:           in.MemberID,
		AssociationID:      in.AssociationID,
		Status:             MembershipActive,
		JoinedAt:           now,
		SubscriptionAnchor: in.SubscriptionAnchor,
	}
	if m.SubscriptionAnchor.IsZero() {
		m.SubscriptionAnchor = s.opts.Clock.Today()
	}

	fx := &effects{}
	err := s.store.WithTx(ctx, func(tx Store) error {
		member, err := tx.GetMember(ctx, m.MemberID)
		if err != nil {
			return err
		}
		assoc, err := tx.GetAssociation(ctx, m.AssociationID)
		if err != nil {
			return err
		}
		if err := tx.CreateMembership(ctx, m); err != nil {
			return err
		}

		ev := newEvent(EventMembershipCreated, m.AssociationID, actor, ObjectMembership, string(m.ID),
			membershipRepr(member, assoc), now)
		ev.Metadata["status"] = string(m.Status)
		ev.Metadata["subscription_anchor_date"] = m.SubscriptionAnchor.String()
		ev.Membership = &MembershipNotice{
			MemberName:      member.FullName(),
			MemberEmail:     member.Email,
			AssociationName: assoc.Name,
			Status:          m.Status,
			JoinedAt:        m.JoinedAt,
		}
		return emit(ctx, tx, fx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("create membership: %w", err)
	}
	fx.apply(s.opts)
	return &m, nil
}

// ChangeStatus moves a membership to status. Same status is a no-op.
func (s *MembershipService) ChangeStatus(ctx context.Context, id MembershipID, status MembershipStatus, actor Actor) (*Membership, error) {
	if !status.Valid() {
		return nil, NewValidationError("status", "Must be one of: active inactive suspended.")
	}

	var m *Membership
	fx := &effects{}
	err := s.store.WithTx(ctx, func(tx Store) error {
		current, err := tx.GetMembership(ctx, id)
		if err != nil {
			return err
		}
		m = current
		if current.Status == status {
			return nil
		}

		old := current.Status
		current.Status = status
		if err := tx.UpdateMembership(ctx, *current); err != nil {
			return err
		}
		ev := newEvent(EventMembershipStatusChanged, current.AssociationID, actor, ObjectMembership, string(current.ID),
			string(current.ID), s.opts.Clock.Now())
		ev.Metadata["old_status"] = string(old)
		ev.Metadata["new_status"] = string(status)
		return emit(ctx, tx, fx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("change membership %s status: %w", id, err)
	}
	fx.apply(s.opts)
	return m, nil
}

// SetSubscriptionAnchor lets an administrator move the anchor date.
// Charges already created keep their periods.
func (s *MembershipService) SetSubscriptionAnchor(ctx context.Context, id MembershipID, anchor Date, actor Actor) (*Membership, error) {
	if anchor.IsZero() {
		return nil, NewValidationError("subscription_anchor_date", "This field is required.")
	}

	var m *Membership
	fx := &effects{}
	err := s.store.WithTx(ctx, func(tx Store) error {
		current, err := tx.GetMembership(ctx, id)
		if err != nil {
			return err
		}
		m = current
		if current.SubscriptionAnchor.Equal(anchor) {
			return nil
		}

		old := current.SubscriptionAnchor
		current.SubscriptionAnchor = anchor
		if err := tx.UpdateMembership(ctx, *current); err != nil {
			return err
		}
		ev := newEvent(EventMembershipUpdated, current.AssociationID, actor, ObjectMembership, string(current.ID),
			string(current.ID), s.opts.Clock.Now())
		ev.Metadata["old_subscription_anchor_date"] = old.String()
		ev.Metadata["new_subscription_anchor_date"] = anchor.String()
		return emit(ctx, tx, fx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("set subscription anchor of %s: %w", id, err)
	}
	fx.apply(s.opts)
	return m, nil
}

func membershipRepr(member *Member, assoc *Association) string {
	return fmt.Sprintf("%s - %s", member.FullName(), assoc.Name)
}
