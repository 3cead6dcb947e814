package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type services struct {
	ledger     *billing.Ledger
	reconciler *billing.Reconciler
	recorder   *billing.PaymentRecorder
	policies   *billing.PolicyService
	reminders  *billing.ReminderScheduler
	notifier   *countingNotifier
}

func newServices(s *sqlite.Store, clock billing.Clock) *services {
	opts := billing.Options{Clock: clock}
	svc := &services{notifier: &countingNotifier{}}
	svc.ledger = billing.NewLedger(s, opts)
	svc.reconciler = billing.NewReconciler(s, svc.ledger, opts)
	svc.recorder = billing.NewPaymentRecorder(s, svc.ledger, opts)
	svc.policies = billing.NewPolicyService(s, opts)
	svc.reminders = billing.NewReminderScheduler(s, svc.reconciler, svc.notifier, opts)
	return svc
}

// seedMembership creates an association, a member and an active membership
// anchored at anchor.
func seedMembership(t *testing.T, s *sqlite.Store, anchor string) (billing.AssociationID, billing.MembershipID) {
	t.Helper()
	ctx := context.Background()
	assoc := billing.Association{ID: billing.AssociationID(billing.NewID()), Name: "Coders Club"}
	require.NoError(t, s.SaveAssociation(ctx, assoc))
	member := billing.Member{ID: billing.MemberID(billing.NewID()), FirstName: "Amina", LastName: "Test", Email: "amina@example.com"}
	require.NoError(t, s.SaveMember(ctx, member))
	ms := billing.Membership{
		ID:                 billing.MembershipID(billing.NewID()),
		MemberID:           member.ID,
		AssociationID:      assoc.ID,
		Status:             billing.MembershipActive,
		JoinedAt:           time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		SubscriptionAnchor: billing.MustParseDate(anchor),
	}
	require.NoError(t, s.CreateMembership(ctx, ms))
	return assoc.ID, ms.ID
}

func clockAt(day string) billing.FixedClock {
	return billing.FixedClock{Day: billing.MustParseDate(day)}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// SCHEMA
// =============================================================================

func TestNew_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexus.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err, "re-opening an up to date database is a no-op")
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}

// =============================================================================
// END TO END THROUGH THE SERVICES
// =============================================================================

func TestSQLite_SubscriptionLifecycle(t *testing.T) {
	// GIVEN: a 4-month fee of 20000 with 7 grace days, anchor 2024-01-01
	// WHEN: the member pays 12000 then 8000
	// THEN: the single cycle charge goes unpaid -> partial -> paid

	s := newStore(t)
	ctx := context.Background()
	svc := newServices(s, clockAt("2024-02-15"))
	assoc, ms := seedMembership(t, s, "2024-01-01")

	_, err := svc.policies.CreateFee(ctx, billing.FeeInput{
		AssociationID:   assoc,
		Type:            billing.FeeTypeSubscription,
		Amount:          dec("20000"),
		DurationMonths:  4,
		GraceDays:       7,
		MaxMissedCycles: 2,
	}, billing.SystemActor)
	require.NoError(t, err)

	c, err := svc.ledger.EnsureCurrentSubscriptionCharge(ctx, ms)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", c.Period.Start.String())
	assert.Equal(t, "2024-04-30", c.Period.End.String())
	assert.Equal(t, "2024-05-07", c.DueDate.String())

	again, err := svc.ledger.EnsureCurrentSubscriptionCharge(ctx, ms)
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)

	receipt, err := svc.recorder.RecordPayment(ctx, billing.RecordPaymentInput{
		MembershipID: ms,
		Target:       billing.ExistingCharge{ChargeID: c.ID},
		Amount:       dec("12000"),
	}, billing.Actor{ID: "treasurer"})
	require.NoError(t, err)
	assert.Equal(t, billing.ChargePartial, receipt.Charge.Status)
	assert.True(t, receipt.Charge.AmountPaid.Equal(dec("12000")))

	receipt, err = svc.recorder.RecordPayment(ctx, billing.RecordPaymentInput{
		MembershipID: ms,
		Target:       billing.ExistingCharge{ChargeID: c.ID},
		Amount:       dec("8000"),
	}, billing.Actor{ID: "treasurer"})
	require.NoError(t, err)
	assert.Equal(t, billing.ChargePaid, receipt.Charge.Status)
	assert.True(t, receipt.Charge.Balance().IsZero())

	payments, err := s.ListPayments(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestSQLite_ReversalReopensOverdueCharge(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	svc := newServices(s, clockAt("2024-06-10"))
	assoc, ms := seedMembership(t, s, "2024-01-01")

	first := billing.Charge{
		ID:            billing.ChargeID(billing.NewID()),
		AssociationID: assoc,
		MembershipID:  ms,
		Purpose:       billing.PurposeOther,
		Title:         "Back dues",
		AmountDue:     dec("500"),
		DueDate:       billing.MustParseDate("2024-05-07"),
		Status:        billing.ChargeUnpaid,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, s.InsertCharge(ctx, first))

	receipt, err := svc.recorder.RecordPayment(ctx, billing.RecordPaymentInput{
		MembershipID: ms,
		Target:       billing.ExistingCharge{ChargeID: first.ID},
		Amount:       dec("500"),
	}, billing.SystemActor)
	require.NoError(t, err)
	assert.False(t, receipt.Charge.IsOverdue)

	reversed, err := svc.recorder.ReversePayment(ctx, receipt.Payment.ID, "bounced", billing.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, billing.ChargeUnpaid, reversed.Charge.Status)
	assert.True(t, reversed.Charge.IsOverdue)

	overdue, err := s.ListCharges(ctx, billing.ChargeFilter{AssociationID: assoc, OverdueOnly: true})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.True(t, overdue[0].AmountPaid.IsZero(), "reversed payments do not count")
}

func TestSQLite_ReconcileAndReminders(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	assoc, ms := seedMembership(t, s, "2024-01-01")

	svc := newServices(s, clockAt("2024-02-15"))
	_, err := svc.policies.CreateFee(ctx, billing.FeeInput{
		AssociationID: assoc, Type: billing.FeeTypeSubscription, Amount: dec("20000"),
		DurationMonths: 4, GraceDays: 7, MaxMissedCycles: 1,
	}, billing.SystemActor)
	require.NoError(t, err)
	_, err = svc.ledger.EnsureCurrentSubscriptionCharge(ctx, ms)
	require.NoError(t, err)

	// Due soon: two days before the due date
	svc = newServices(s, clockAt("2024-05-05"))
	sum, err := svc.reminders.Run(ctx, assoc, billing.ScopeDueSoon)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	sum, err = svc.reminders.Run(ctx, assoc, billing.ScopeDueSoon)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped, "one reminder per charge per day")

	// Past the grace period
	svc = newServices(s, clockAt("2024-05-08"))
	n, err := svc.reconciler.RecomputeOverdueFlagsForAssociation(ctx, assoc)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sum, err = svc.reminders.Run(ctx, assoc, billing.ScopeOverdue)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.Equal(t, []billing.ReminderType{billing.ReminderFinalWarning}, svc.notifier.types, "one overdue cycle reaches the limit of 1")

	lapsed, err := svc.reconciler.LapsedMemberships(ctx, assoc)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)
	assert.Equal(t, ms, lapsed[0].Membership.ID)
}

// =============================================================================
// UNIQUENESS
// =============================================================================

func TestSQLite_CycleChargeIsUnique(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	assoc, ms := seedMembership(t, s, "2024-01-01")
	fee := billing.Fee{
		ID: billing.FeeID(billing.NewID()), AssociationID: assoc, Type: billing.FeeTypeSubscription,
		Amount: dec("20000"), DurationMonths: 4, MaxMissedCycles: 1, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, s.SaveFee(ctx, fee))

	period := billing.Period{Start: billing.MustParseDate("2024-01-01"), End: billing.MustParseDate("2024-04-30")}
	charge := func() billing.Charge {
		return billing.Charge{
			ID: billing.ChargeID(billing.NewID()), AssociationID: assoc, MembershipID: ms, FeeID: fee.ID,
			Purpose: billing.PurposeSubscriptionFee, AmountDue: fee.Amount, Status: billing.ChargeUnpaid,
			DueDate: period.End, Period: period, CreatedAt: time.Now(),
		}
	}

	first := charge()
	require.NoError(t, s.InsertCharge(ctx, first))
	assert.ErrorIs(t, s.InsertCharge(ctx, charge()), billing.ErrDuplicateCharge)

	found, err := s.FindCycleCharge(ctx, ms, fee.ID, period)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	assert.True(t, found.AmountDue.Equal(dec("20000")))
}

func TestSQLite_DuplicateMembership(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	assoc, ms := seedMembership(t, s, "2024-01-01")
	existing, err := s.GetMembership(ctx, ms)
	require.NoError(t, err)

	err = s.CreateMembership(ctx, billing.Membership{
		ID: billing.MembershipID(billing.NewID()), MemberID: existing.MemberID, AssociationID: assoc,
		Status: billing.MembershipActive, JoinedAt: time.Now(),
	})
	assert.ErrorIs(t, err, billing.ErrDuplicateMembership)
}

func TestSQLite_ReminderLogIsUnique(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	assoc, ms := seedMembership(t, s, "2024-01-01")
	c := billing.Charge{
		ID: billing.ChargeID(billing.NewID()), AssociationID: assoc, MembershipID: ms,
		Purpose: billing.PurposeOther, Title: "Merch", AmountDue: dec("100"), Status: billing.ChargeUnpaid,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.InsertCharge(ctx, c))

	today := billing.MustParseDate("2024-05-05")
	entry := billing.ReminderLog{
		ID: billing.ReminderLogID(billing.NewID()), MembershipID: ms, ChargeID: c.ID,
		Type: billing.ReminderBeforeDue, ScheduledFor: today, CreatedAt: time.Now(),
	}
	require.NoError(t, s.InsertReminderLog(ctx, entry))

	dup := entry
	dup.ID = billing.ReminderLogID(billing.NewID())
	assert.ErrorIs(t, s.InsertReminderLog(ctx, dup), billing.ErrDuplicateReminder)

	sentAt := time.Date(2024, 5, 5, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkReminderSent(ctx, entry.ID, sentAt))
	found, err := s.FindReminderLog(ctx, c.ID, billing.ReminderBeforeDue, today)
	require.NoError(t, err)
	require.NotNil(t, found.SentAt)
	assert.True(t, sentAt.Equal(*found.SentAt))

	require.NoError(t, s.DeleteReminderLog(ctx, entry.ID))
	_, err = s.FindReminderLog(ctx, c.ID, billing.ReminderBeforeDue, today)
	assert.ErrorIs(t, err, billing.ErrReminderNotFound)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_WithTx_RollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx billing.Store) error {
		require.NoError(t, tx.SaveAssociation(ctx, billing.Association{ID: "a-1", Name: "Coders Club"}))
		_, err := tx.GetAssociation(ctx, "a-1")
		require.NoError(t, err, "own writes are visible")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetAssociation(ctx, "a-1")
	assert.ErrorIs(t, err, billing.ErrAssociationNotFound)
}

func TestSQLite_SetSubscriptionAnchor(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, ms := seedMembership(t, s, "")

	set, err := s.SetSubscriptionAnchor(ctx, ms, billing.MustParseDate("2024-01-01"))
	require.NoError(t, err)
	assert.True(t, set)

	set, err = s.SetSubscriptionAnchor(ctx, ms, billing.MustParseDate("2024-03-01"))
	require.NoError(t, err)
	assert.False(t, set)

	m, err := s.GetMembership(ctx, ms)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", m.SubscriptionAnchor.String())

	_, err = s.SetSubscriptionAnchor(ctx, "ghost", billing.MustParseDate("2024-01-01"))
	assert.ErrorIs(t, err, billing.ErrMembershipNotFound)
}

// =============================================================================
// OUTBOX AND AUDIT
// =============================================================================

func TestSQLite_Outbox(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 5, 9, 0, 0, 0, time.UTC)

	ev := billing.Event{ID: "ev-1", Type: billing.EventChargeCreated, ObjectType: billing.ObjectCharge, ObjectID: "c-1", OccurredAt: now}
	entry, err := billing.NewOutboxEntry(ev)
	require.NoError(t, err)
	other, err := billing.NewOutboxEntry(billing.Event{ID: "ev-2", Type: billing.EventPaymentRecorded, OccurredAt: now.Add(time.Minute)})
	require.NoError(t, err)
	require.NoError(t, s.AppendOutbox(ctx, entry, other))

	claimed, err := s.ClaimOutbox(ctx, now, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, entry.ID, claimed[0].ID, "oldest first")
	assert.Equal(t, billing.OutboxProcessing, claimed[0].Status)
	assert.Empty(t, claimed[0].Delivered)
	decoded, err := claimed[0].Event()
	require.NoError(t, err)
	assert.Equal(t, "c-1", decoded.ObjectID)

	entry = claimed[0]
	entry.MarkDelivered("notify")
	entry.MarkFailed("smtp down", now)
	require.NoError(t, s.UpdateOutbox(ctx, entry))

	claimed, err = s.ClaimOutbox(ctx, now, time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "failed entry waits for its backoff")
	assert.Equal(t, other.ID, claimed[0].ID)

	claimed, err = s.ClaimOutbox(ctx, now.Add(time.Second), time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "the other entry is still claimed")
	assert.Equal(t, entry.ID, claimed[0].ID)
	assert.Equal(t, 1, claimed[0].RetryCount)
	assert.Equal(t, "smtp down", claimed[0].LastError)
	assert.Equal(t, []string{"notify"}, claimed[0].Delivered)

	claimed, err = s.ClaimOutbox(ctx, now.Add(time.Second), time.Minute, 0)
	require.NoError(t, err)
	assert.Empty(t, claimed, "nothing is claimed twice")

	entry.MarkSent(now.Add(time.Second))
	require.NoError(t, s.UpdateOutbox(ctx, entry))

	counts, err := s.CountOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[billing.OutboxSent])
	assert.Equal(t, int64(1), counts[billing.OutboxProcessing])

	purged, err := s.PurgeOutbox(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestSQLite_AuditLog(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 5, 9, 0, 0, 0, time.UTC)

	events := []billing.AuditEvent{
		{ID: "e-1", ActorID: "treasurer", AssociationID: "a-1", Action: "charge_created", ObjectType: "charge", ObjectID: "c-1", CreatedAt: t0},
		{ID: "e-2", ActorID: "treasurer", AssociationID: "a-1", Action: "payment_recorded", ObjectType: "payment", ObjectID: "p-1",
			Metadata: map[string]any{"amount": "12000.00"}, CreatedAt: t0.Add(time.Minute)},
		{ID: "e-3", AssociationID: "a-2", Action: "charge_created", ObjectType: "charge", ObjectID: "c-2", CreatedAt: t0.Add(2 * time.Minute)},
	}
	for _, ev := range events {
		require.NoError(t, s.RecordAuditEvent(ctx, ev))
	}
	require.NoError(t, s.RecordAuditEvent(ctx, events[0]), "redelivery is ignored")

	got, err := s.ListAuditEvents(ctx, billing.AuditFilter{AssociationID: "a-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e-2", got[0].ID, "newest first")
	assert.Equal(t, "12000.00", got[0].Metadata["amount"])
	assert.Equal(t, billing.UserID("treasurer"), got[0].ActorID)

	got, err = s.ListAuditEvents(ctx, billing.AuditFilter{Actions: []string{"charge_created"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e-3", got[0].ID)
	assert.Empty(t, got[0].ActorID)
}

// =============================================================================
// TEST DOUBLES
// =============================================================================

type countingNotifier struct {
	types []billing.ReminderType
}

func (n *countingNotifier) SendPaymentRecorded(context.Context, billing.PaymentNotice) error {
	return nil
}

func (n *countingNotifier) SendMembershipAssigned(context.Context, billing.MembershipNotice) error {
	return nil
}

func (n *countingNotifier) SendSubscriptionReminder(_ context.Context, notice billing.ReminderNotice) (bool, error) {
	n.types = append(n.types, notice.Type)
	return true, nil
}
