/*
reminders.go - Subscription reminder selection and delivery

SELECTION:
  Subscription charges in status unpaid/partial with a positive balance:
    due_soon: due date in [today, today + due-soon days], plus any lead
              time listed in the fee's ReminderDaysBeforeDue
    overdue:  due date before today

REMINDER TYPES:
  before_due     due_soon scope
  overdue        overdue scope
  final_warning  overdue scope, membership has at least max_missed_cycles
                 overdue subscription charges

DEDUP:
  A ReminderLog row (unique per charge, type and day) is inserted BEFORE
  sending. A duplicate insert means the reminder already went out today
  and the charge is skipped. If delivery fails the row is removed so a
  later run can retry. A SendGuard (e.g. Redis SETNX) may sit in front of
  the log as a fast path.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

type ReminderScheduler struct {
	store       TxStore
	reconciler  *Reconciler
	notifier    Notifier
	guard       SendGuard
	dueSoonDays int
	opts        Options
	log         *zap.Logger
}

type ReminderOption func(*ReminderScheduler)

// WithSendGuard installs a fast-path dedup guard.
func WithSendGuard(g SendGuard) ReminderOption {
	return func(s *ReminderScheduler) { s.guard = g }
}

// WithDueSoonDays overrides DefaultDueSoonDays.
func WithDueSoonDays(days int) ReminderOption {
	return func(s *ReminderScheduler) {
		if days >= 0 {
			s.dueSoonDays = days
		}
	}
}

func NewReminderScheduler(store TxStore, reconciler *Reconciler, notifier Notifier, opts Options, options ...ReminderOption) *ReminderScheduler {
	opts = opts.withDefaults()
	s := &ReminderScheduler{
		store:       store,
		reconciler:  reconciler,
		notifier:    notifier,
		dueSoonDays: DefaultDueSoonDays,
		opts:        opts,
		log:         opts.Logger.Named("reminders"),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// =============================================================================
// SELECTION
// =============================================================================

// DueSoonOrOverdue selects the reminder candidates of an association.
func (s *ReminderScheduler) DueSoonOrOverdue(ctx context.Context, assoc AssociationID, scope ReminderScope, today Date) ([]ReminderCandidate, error) {
	if !scope.Valid() {
		return nil, NewValidationError("scope", "Must be one of: due_soon overdue.")
	}

	fees := newFeeCache(s.store)
	filter := ChargeFilter{
		AssociationID: assoc,
		Purposes:      []ChargePurpose{PurposeSubscriptionFee},
		Statuses:      []ChargeStatus{ChargeUnpaid, ChargePartial},
	}
	switch scope {
	case ScopeDueSoon:
		lead, err := s.maxLead(ctx, fees, assoc)
		if err != nil {
			return nil, err
		}
		filter.DueFrom = today
		filter.DueTo = today.AddDays(lead)
	case ScopeOverdue:
		filter.DueTo = today.AddDays(-1)
	}

	charges, err := s.store.ListCharges(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list reminder charges: %w", err)
	}

	loader := newCandidateLoader(s.store)
	var out []ReminderCandidate
	for _, c := range charges {
		if c.DueDate.IsZero() || !c.Balance().IsPositive() {
			continue
		}
		daysLeft := today.DaysUntil(c.DueDate)
		if scope == ScopeDueSoon && daysLeft > s.dueSoonDays {
			fee, err := fees.get(ctx, c.FeeID)
			if err != nil {
				return nil, err
			}
			if fee == nil || !slices.Contains(fee.ReminderDaysBeforeDue, daysLeft) {
				continue
			}
		}
		cand, err := loader.load(ctx, c, daysLeft)
		if err != nil {
			return nil, err
		}
		out = append(out, cand)
	}
	return out, nil
}

// AlreadySent reports whether a reminder of typ was handled for the charge
// on day, which is exactly when Run skips it. That covers a reminder that
// went out, one still being sent and one dropped for a missing email. A
// failed send removes its log row, so it reports false again.
func (s *ReminderScheduler) AlreadySent(ctx context.Context, chargeID ChargeID, typ ReminderType, day Date) (bool, error) {
	_, err := s.store.FindReminderLog(ctx, chargeID, typ, day)
	if errors.Is(err, ErrReminderNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// maxLead is the widest due-soon lead time configured for the association.
func (s *ReminderScheduler) maxLead(ctx context.Context, fees *feeCache, assoc AssociationID) (int, error) {
	lead := s.dueSoonDays
	fee, err := s.store.LatestFee(ctx, assoc, FeeTypeSubscription)
	if errors.Is(err, ErrFeeNotFound) {
		return lead, nil
	}
	if err != nil {
		return 0, err
	}
	fees.put(fee)
	for _, d := range fee.ReminderDaysBeforeDue {
		if d > lead {
			lead = d
		}
	}
	return lead, nil
}

// =============================================================================
// DELIVERY
// =============================================================================

// Run reconciles the association, selects candidates for scope and sends
// each at most once per day.
func (s *ReminderScheduler) Run(ctx context.Context, assoc AssociationID, scope ReminderScope) (ReminderRunSummary, error) {
	today := s.opts.Clock.Today()
	summary := ReminderRunSummary{Scope: scope, Day: today}

	if _, err := s.reconciler.ReconcileAssociation(ctx, assoc); err != nil {
		return summary, err
	}

	candidates, err := s.DueSoonOrOverdue(ctx, assoc, scope, today)
	if err != nil {
		return summary, err
	}
	summary.Candidates = len(candidates)

	fees := newFeeCache(s.store)
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		s.deliver(ctx, fees, cand, today, &summary)
	}

	s.log.Info("reminder run complete",
		zap.String("association_id", string(assoc)),
		zap.String("scope", string(scope)),
		zap.Int("sent", summary.Sent),
		zap.Int("missing_email", summary.MissingEmail),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// RunAll runs scope for every association.
func (s *ReminderScheduler) RunAll(ctx context.Context, scope ReminderScope) ([]ReminderRunSummary, error) {
	associations, err := s.store.ListAssociations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list associations: %w", err)
	}
	var (
		out  []ReminderRunSummary
		errs []error
	)
	for _, a := range associations {
		sum, err := s.Run(ctx, a.ID, scope)
		if err != nil {
			errs = append(errs, fmt.Errorf("association %s: %w", a.ID, err))
			continue
		}
		out = append(out, sum)
	}
	return out, errors.Join(errs...)
}

// SendSelected sends a reminder for each listed charge that is an open
// subscription charge with a due date and a positive balance.
func (s *ReminderScheduler) SendSelected(ctx context.Context, ids []ChargeID) (ReminderRunSummary, error) {
	today := s.opts.Clock.Today()
	summary := ReminderRunSummary{Day: today}
	loader := newCandidateLoader(s.store)
	fees := newFeeCache(s.store)

	for _, id := range ids {
		c, err := s.reconciler.RefreshCharge(ctx, id)
		if err != nil {
			return summary, err
		}
		if c.Purpose != PurposeSubscriptionFee || c.DueDate.IsZero() || !c.IsOpen() || !c.Balance().IsPositive() {
			summary.Skipped++
			continue
		}
		cand, err := loader.load(ctx, *c, today.DaysUntil(c.DueDate))
		if err != nil {
			return summary, err
		}
		summary.Candidates++
		s.deliver(ctx, fees, cand, today, &summary)
	}
	return summary, nil
}

func (s *ReminderScheduler) deliver(ctx context.Context, fees *feeCache, cand ReminderCandidate, today Date, summary *ReminderRunSummary) {
	log := s.log.With(
		zap.String("charge_id", string(cand.Charge.ID)),
		zap.String("membership_id", string(cand.Membership.ID)),
	)

	typ, err := s.reminderType(ctx, fees, cand)
	if err != nil {
		summary.Failed++
		log.Error("failed to determine reminder type", zap.Error(err))
		return
	}

	key := reminderKey(cand.Charge.ID, typ, today)
	if s.guard != nil {
		claimed, err := s.guard.Claim(ctx, key)
		switch {
		case err != nil:
			log.Warn("send guard unavailable, relying on reminder log", zap.Error(err))
		case !claimed:
			summary.Skipped++
			s.opts.Metrics.ReminderSkipped(typ)
			return
		}
	}

	now := s.opts.Clock.Now()
	entry := ReminderLog{
		ID:           ReminderLogID(NewID()),
		MembershipID: cand.Membership.ID,
		ChargeID:     cand.Charge.ID,
		Type:         typ,
		ScheduledFor: today,
		CreatedAt:    now,
	}
	if err := s.store.InsertReminderLog(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateReminder) {
			summary.Skipped++
			s.opts.Metrics.ReminderSkipped(typ)
			return
		}
		summary.Failed++
		s.releaseGuard(ctx, key)
		log.Error("failed to log reminder", zap.Error(err))
		return
	}

	sent, err := s.notifier.SendSubscriptionReminder(ctx, ReminderNotice{
		Type:            typ,
		MemberFirstName: cand.Member.FirstName,
		MemberEmail:     cand.Member.Email,
		AssociationName: cand.Association.Name,
		AmountDue:       cand.Charge.AmountDue,
		AmountPaid:      cand.Charge.AmountPaid,
		Balance:         cand.Charge.Balance(),
		DueDate:         cand.Charge.DueDate,
		DaysLeft:        cand.DaysLeft,
	})
	if err != nil {
		summary.Failed++
		if delErr := s.store.DeleteReminderLog(ctx, entry.ID); delErr != nil {
			log.Error("failed to release reminder log", zap.Error(delErr))
		}
		s.releaseGuard(ctx, key)
		log.Error("failed to send reminder", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if !sent {
		summary.MissingEmail++
		return
	}

	if err := s.store.MarkReminderSent(ctx, entry.ID, now); err != nil {
		log.Error("failed to mark reminder sent", zap.Error(err))
	}
	summary.Sent++
	s.opts.Metrics.ReminderSent(typ)
}

func (s *ReminderScheduler) reminderType(ctx context.Context, fees *feeCache, cand ReminderCandidate) (ReminderType, error) {
	if cand.DaysLeft >= 0 {
		return ReminderBeforeDue, nil
	}
	fee, err := fees.get(ctx, cand.Charge.FeeID)
	if err != nil || fee == nil {
		return ReminderOverdue, err
	}
	count, err := overdueCycles(ctx, s.store, cand.Charge.AssociationID, cand.Membership.ID)
	if err != nil {
		return "", err
	}
	if count >= maxMissed(fee) {
		return ReminderFinalWarning, nil
	}
	return ReminderOverdue, nil
}

func (s *ReminderScheduler) releaseGuard(ctx context.Context, key string) {
	if s.guard == nil {
		return
	}
	if err := s.guard.Release(ctx, key); err != nil {
		s.log.Warn("failed to release send guard", zap.String("key", key), zap.Error(err))
	}
}

func reminderKey(chargeID ChargeID, typ ReminderType, day Date) string {
	return fmt.Sprintf("reminder:%s:%s:%s", chargeID, typ, day)
}

// =============================================================================
// LOOKUP CACHES - one reminder run touches few fees and associations
// =============================================================================

type feeCache struct {
	store Store
	fees  map[FeeID]*Fee
}

func newFeeCache(store Store) *feeCache {
	return &feeCache{store: store, fees: make(map[FeeID]*Fee)}
}

func (c *feeCache) put(f *Fee) { c.fees[f.ID] = f }

// get returns nil for an empty id or a deleted fee.
func (c *feeCache) get(ctx context.Context, id FeeID) (*Fee, error) {
	if id == "" {
		return nil, nil
	}
	if f, ok := c.fees[id]; ok {
		return f, nil
	}
	f, err := c.store.GetFee(ctx, id)
	if errors.Is(err, ErrFeeNotFound) {
		c.fees[id] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.fees[id] = f
	return f, nil
}

type candidateLoader struct {
	store        Store
	associations map[AssociationID]*Association
}

func newCandidateLoader(store Store) *candidateLoader {
	return &candidateLoader{store: store, associations: make(map[AssociationID]*Association)}
}

func (l *candidateLoader) load(ctx context.Context, c Charge, daysLeft int) (ReminderCandidate, error) {
	m, err := l.store.GetMembership(ctx, c.MembershipID)
	if err != nil {
		return ReminderCandidate{}, err
	}
	member, err := l.store.GetMember(ctx, m.MemberID)
	if err != nil {
		return ReminderCandidate{}, err
	}
	assoc, ok := l.associations[c.AssociationID]
	if !ok {
		assoc, err = l.store.GetAssociation(ctx, c.AssociationID)
		if err != nil {
			return ReminderCandidate{}, err
		}
		l.associations[c.AssociationID] = assoc
	}
	return ReminderCandidate{
		Charge:      c,
		Membership:  *m,
		Member:      *member,
		Association: *assoc,
		DaysLeft:    daysLeft,
	}, nil
}
