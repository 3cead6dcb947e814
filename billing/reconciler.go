/*
reconciler.go - Status and overdue maintenance

PURPOSE:
  Charge status and the overdue flag are derived data. They are refreshed:
    - synchronously after every payment or reversal (recorder.go)
    - lazily before privileged reads (ChargesForAssociation)
    - periodically by an external scheduler (ReconcileAll)

  Every entry point is idempotent: running it twice on the same day leaves
  the same state and writes only rows whose derived fields changed.

OVERDUE RULE:
  is_overdue = due date set AND balance > 0 AND today > due date.
  Grace days are folded into the due date when the charge is created.
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

type Reconciler struct {
	store  TxStore
	ledger *Ledger
	opts   Options
	log    *zap.Logger
}

func NewReconciler(store TxStore, ledger *Ledger, opts Options) *Reconciler {
	opts = opts.withDefaults()
	return &Reconciler{store: store, ledger: ledger, opts: opts, log: opts.Logger.Named("reconciler")}
}

// ReconcileResult summarizes one association pass.
type ReconcileResult struct {
	AssociationID  AssociationID `json:"association_id"`
	ChargesEnsured int           `json:"charges_ensured"`
	ChargesUpdated int           `json:"charges_updated"`
	Failures       int           `json:"failures"`
}

// RefreshCharge recomputes one charge's status and overdue flag.
func (r *Reconciler) RefreshCharge(ctx context.Context, id ChargeID) (*Charge, error) {
	var charge *Charge
	err := r.store.WithTx(ctx, func(tx Store) error {
		c, err := tx.GetCharge(ctx, id)
		if err != nil {
			return err
		}
		charge = c
		return refreshCharge(ctx, tx, c, r.opts.Clock.Today())
	})
	if err != nil {
		return nil, fmt.Errorf("refresh charge %s: %w", id, err)
	}
	return charge, nil
}

// RecomputeOverdueFlagsForAssociation refreshes status and overdue flag of
// every non-cancelled charge of the association. Returns the number of rows
// that changed.
func (r *Reconciler) RecomputeOverdueFlagsForAssociation(ctx context.Context, assoc AssociationID) (int, error) {
	today := r.opts.Clock.Today()
	var updated, flagged int

	err := r.store.WithTx(ctx, func(tx Store) error {
		updated, flagged = 0, 0
		charges, err := tx.ListCharges(ctx, ChargeFilter{
			AssociationID: assoc,
			Statuses:      []ChargeStatus{ChargeUnpaid, ChargePartial, ChargePaid},
		})
		if err != nil {
			return err
		}
		for i := range charges {
			c := &charges[i]
			wasOverdue := c.IsOverdue
			if !c.Refresh(today) {
				continue
			}
			if err := tx.UpdateChargeState(ctx, c.ID, c.Status, c.IsOverdue); err != nil {
				return err
			}
			updated++
			if c.IsOverdue && !wasOverdue {
				flagged++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recompute overdue flags for association %s: %w", assoc, err)
	}

	if flagged > 0 {
		r.opts.Metrics.OverdueFlagged(flagged)
	}
	return updated, nil
}

// ReconcileAssociation ensures the current subscription charge of every
// active membership, then recomputes status and overdue flags.
// A membership that fails is logged and counted; the pass continues.
func (r *Reconciler) ReconcileAssociation(ctx context.Context, assoc AssociationID) (ReconcileResult, error) {
	start := time.Now()
	result := ReconcileResult{AssociationID: assoc}

	memberships, err := r.store.ListMemberships(ctx, MembershipFilter{
		AssociationID: assoc,
		Statuses:      []MembershipStatus{MembershipActive},
	})
	if err != nil {
		return result, fmt.Errorf("list memberships of %s: %w", assoc, err)
	}

	for _, m := range memberships {
		c, err := r.ledger.EnsureCurrentSubscriptionCharge(ctx, m.ID)
		if err != nil {
			result.Failures++
			r.log.Error("failed to ensure subscription charge",
				zap.String("association_id", string(assoc)),
				zap.String("membership_id", string(m.ID)),
				zap.Error(err),
			)
			continue
		}
		if c != nil {
			result.ChargesEnsured++
		}
	}

	updated, err := r.RecomputeOverdueFlagsForAssociation(ctx, assoc)
	if err != nil {
		return result, err
	}
	result.ChargesUpdated = updated

	r.opts.Metrics.ReconcileDuration(time.Since(start))
	r.log.Debug("association reconciled",
		zap.String("association_id", string(assoc)),
		zap.Int("charges_ensured", result.ChargesEnsured),
		zap.Int("charges_updated", result.ChargesUpdated),
		zap.Int("failures", result.Failures),
	)
	return result, nil
}

// ReconcileAll runs ReconcileAssociation for every association.
// Entry point for periodic jobs.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]ReconcileResult, error) {
	associations, err := r.store.ListAssociations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list associations: %w", err)
	}

	results := make([]ReconcileResult, 0, len(associations))
	var errs []error
	for _, a := range associations {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.ReconcileAssociation(ctx, a.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// ChargesForAssociation is the privileged read: it reconciles the
// association, then lists its charges. A failed reconcile is logged and the
// stored charges are served as they are.
func (r *Reconciler) ChargesForAssociation(ctx context.Context, filter ChargeFilter) ([]Charge, error) {
	if filter.AssociationID == "" {
		return nil, NewValidationError("association_id", "This field is required.")
	}
	if _, err := r.store.GetAssociation(ctx, filter.AssociationID); err != nil {
		return nil, err
	}
	if _, err := r.ReconcileAssociation(ctx, filter.AssociationID); err != nil {
		r.log.Warn("reconcile before read failed, serving stored charges",
			zap.String("association_id", string(filter.AssociationID)),
			zap.Error(err),
		)
	}
	return r.store.ListCharges(ctx, filter)
}

// =============================================================================
// LAPSED MEMBERSHIPS
// =============================================================================

// LapsedMembership is a membership whose overdue subscription cycles
// reached the fee's max missed cycles.
type LapsedMembership struct {
	Membership    Membership      `json:"membership"`
	OverdueCycles int             `json:"overdue_cycles"`
	MaxMissed     int             `json:"max_missed_cycles"`
	Outstanding   decimal.Decimal `json:"outstanding"`
}

// LapsedMemberships lists memberships of the association whose number of
// overdue subscription charges is at least the fee's max missed cycles.
func (r *Reconciler) LapsedMemberships(ctx context.Context, assoc AssociationID) ([]LapsedMembership, error) {
	if _, err := r.store.GetAssociation(ctx, assoc); err != nil {
		return nil, err
	}
	fee, err := r.store.LatestFee(ctx, assoc, FeeTypeSubscription)
	if errors.Is(err, ErrFeeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	limit := maxMissed(fee)

	charges, err := r.store.ListCharges(ctx, ChargeFilter{
		AssociationID: assoc,
		Purposes:      []ChargePurpose{PurposeSubscriptionFee},
		OverdueOnly:   true,
	})
	if err != nil {
		return nil, err
	}

	type tally struct {
		count       int
		outstanding decimal.Decimal
	}
	var order []MembershipID
	byMembership := make(map[MembershipID]*tally)
	for i := range charges {
		c := &charges[i]
		t, ok := byMembership[c.MembershipID]
		if !ok {
			t = &tally{}
			byMembership[c.MembershipID] = t
			order = append(order, c.MembershipID)
		}
		t.count++
		t.outstanding = t.outstanding.Add(c.Balance())
	}

	var lapsed []LapsedMembership
	for _, id := range order {
		t := byMembership[id]
		if t.count < limit {
			continue
		}
		m, err := r.store.GetMembership(ctx, id)
		if err != nil {
			return nil, err
		}
		lapsed = append(lapsed, LapsedMembership{
			Membership:    *m,
			OverdueCycles: t.count,
			MaxMissed:     limit,
			Outstanding:   t.outstanding,
		})
	}
	return lapsed, nil
}

// overdueCycles counts overdue subscription charges of a membership.
func overdueCycles(ctx context.Context, store Store, assoc AssociationID, membershipID MembershipID) (int, error) {
	charges, err := store.ListCharges(ctx, ChargeFilter{
		AssociationID: assoc,
		MembershipID:  membershipID,
		Purposes:      []ChargePurpose{PurposeSubscriptionFee},
		OverdueOnly:   true,
	})
	if err != nil {
		return 0, err
	}
	return len(charges), nil
}

func maxMissed(fee *Fee) int {
	if fee.MaxMissedCycles < 1 {
		return 1
	}
	return fee.MaxMissedCycles
}
