package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.Memory
	clock *testClock

	notifier *recordingNotifier
	metrics  *countingMetrics

	ledger      *billing.Ledger
	reconciler  *billing.Reconciler
	recorder    *billing.PaymentRecorder
	reminders   *billing.ReminderScheduler
	policies    *billing.PolicyService
	memberships *billing.MembershipService
}

func newFixture(t *testing.T, today string, reminderOpts ...billing.ReminderOption) *fixture {
	t.Helper()

	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    store.NewMemory(),
		clock:    &testClock{day: billing.MustParseDate(today)},
		notifier: &recordingNotifier{},
		metrics:  &countingMetrics{},
	}
	opts := billing.Options{Clock: f.clock, Metrics: f.metrics}
	f.ledger = billing.NewLedger(f.store, opts)
	f.reconciler = billing.NewReconciler(f.store, f.ledger, opts)
	f.recorder = billing.NewPaymentRecorder(f.store, f.ledger, opts)
	f.reminders = billing.NewReminderScheduler(f.store, f.reconciler, f.notifier, opts, reminderOpts...)
	f.policies = billing.NewPolicyService(f.store, opts)
	f.memberships = billing.NewMembershipService(f.store, opts)
	return f
}

func (f *fixture) setToday(day string) {
	f.clock.set(billing.MustParseDate(day))
}

func (f *fixture) association(name string) billing.AssociationID {
	f.t.Helper()
	a := billing.Association{ID: billing.AssociationID(billing.NewID()), Name: name}
	require.NoError(f.t, f.store.SaveAssociation(f.ctx, a))
	return a.ID
}

func (f *fixture) member(first, email string) billing.MemberID {
	f.t.Helper()
	m := billing.Member{ID: billing.MemberID(billing.NewID()), FirstName: first, LastName: "Test", Email: email}
	require.NoError(f.t, f.store.SaveMember(f.ctx, m))
	return m.ID
}

// membership creates an active membership. An empty anchor leaves it unset.
func (f *fixture) membership(assoc billing.AssociationID, member billing.MemberID, anchor string) billing.MembershipID {
	f.t.Helper()
	m := billing.Membership{
		ID:                 billing.MembershipID(billing.NewID()),
		MemberID:           member,
		AssociationID:      assoc,
		Status:             billing.MembershipActive,
		JoinedAt:           f.clock.Now(),
		SubscriptionAnchor: billing.MustParseDate(anchor),
	}
	require.NoError(f.t, f.store.CreateMembership(f.ctx, m))
	return m.ID
}

func (f *fixture) subscriptionFee(assoc billing.AssociationID, amount int64, months, grace, maxMissed int) *billing.Fee {
	f.t.Helper()
	fee, err := f.policies.CreateFee(f.ctx, billing.FeeInput{
		AssociationID:   assoc,
		Type:            billing.FeeTypeSubscription,
		Amount:          decimal.NewFromInt(amount),
		DurationMonths:  months,
		GraceDays:       grace,
		MaxMissedCycles: maxMissed,
	}, billing.SystemActor)
	require.NoError(f.t, err)
	return fee
}

func (f *fixture) membershipFee(assoc billing.AssociationID, amount int64, allowInstallments bool) *billing.Fee {
	f.t.Helper()
	fee := &billing.Fee{
		ID:                billing.FeeID(billing.NewID()),
		AssociationID:     assoc,
		Type:              billing.FeeTypeMembership,
		Amount:            decimal.NewFromInt(amount),
		AllowInstallments: allowInstallments,
		CreatedAt:         f.clock.Now(),
	}
	require.NoError(f.t, f.store.SaveFee(f.ctx, *fee))
	return fee
}

func (f *fixture) pay(membership billing.MembershipID, target billing.ChargeTarget, amount int64) *billing.PaymentReceipt {
	f.t.Helper()
	receipt, err := f.recorder.RecordPayment(f.ctx, billing.RecordPaymentInput{
		MembershipID: membership,
		Target:       target,
		Amount:       decimal.NewFromInt(amount),
	}, billing.Actor{ID: "treasurer", Name: "Treasurer"})
	require.NoError(f.t, err)
	return receipt
}

func (f *fixture) charge(id billing.ChargeID) *billing.Charge {
	f.t.Helper()
	c, err := f.store.GetCharge(f.ctx, id)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) outboxTypes() []billing.EventType {
	f.t.Helper()
	entries, err := f.store.ListOutbox(f.ctx)
	require.NoError(f.t, err)
	types := make([]billing.EventType, len(entries))
	for i, e := range entries {
		types[i] = e.EventType
	}
	return types
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(s string) billing.Date {
	return billing.MustParseDate(s)
}

// =============================================================================
// TEST DOUBLES
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	day billing.Date
}

func (c *testClock) set(d billing.Date) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.day = d
}

func (c *testClock) Today() billing.Date {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.day
}

func (c *testClock) Now() time.Time {
	return c.Today().Time().Add(9 * time.Hour)
}

type recordingNotifier struct {
	mu        sync.Mutex
	reminders []billing.ReminderNotice
	failNext  int
}

var errSMTPDown = errors.New("smtp down")

func (n *recordingNotifier) SendPaymentRecorded(context.Context, billing.PaymentNotice) error {
	return nil
}

func (n *recordingNotifier) SendMembershipAssigned(context.Context, billing.MembershipNotice) error {
	return nil
}

func (n *recordingNotifier) SendSubscriptionReminder(_ context.Context, notice billing.ReminderNotice) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failNext > 0 {
		n.failNext--
		return false, errSMTPDown
	}
	if notice.MemberEmail == "" {
		return false, nil
	}
	n.reminders = append(n.reminders, notice)
	return true, nil
}

func (n *recordingNotifier) sent() []billing.ReminderNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]billing.ReminderNotice(nil), n.reminders...)
}

type countingMetrics struct {
	billing.NopMetrics
	mu       sync.Mutex
	charges  map[billing.ChargePurpose]int
	payments int
	reversed int
	flagged  int
	sent     map[billing.ReminderType]int
}

func (m *countingMetrics) ChargeCreated(p billing.ChargePurpose) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.charges == nil {
		m.charges = make(map[billing.ChargePurpose]int)
	}
	m.charges[p]++
}

func (m *countingMetrics) PaymentRecorded(billing.PaymentMethod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments++
}

func (m *countingMetrics) PaymentReversed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reversed++
}

func (m *countingMetrics) OverdueFlagged(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flagged += n
}

func (m *countingMetrics) ReminderSent(typ billing.ReminderType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = make(map[billing.ReminderType]int)
	}
	m.sent[typ]++
}

func (m *countingMetrics) chargesCreated(p billing.ChargePurpose) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.charges[p]
}
