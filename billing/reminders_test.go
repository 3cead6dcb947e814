package billing_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

// reminderFixture bills one member for the Jan 1 - Apr 30 cycle (due May 7).
func reminderFixture(t *testing.T, email string, maxMissed int, opts ...billing.ReminderOption) (*fixture, billing.AssociationID, billing.MembershipID) {
	t.Helper()
	f := newFixture(t, "2024-02-15", opts...)
	assoc := f.association("Coders Club")
	f.subscriptionFee(assoc, 20000, 4, 7, maxMissed)
	ms := f.membership(assoc, f.member("Amina", email), "2024-01-01")
	_, err := f.ledger.EnsureCurrentSubscriptionCharge(f.ctx, ms)
	require.NoError(t, err)
	return f, assoc, ms
}

// =============================================================================
// SELECTION
// =============================================================================

func TestReminders_DueSoonWindow(t *testing.T) {
	tests := []struct {
		today string
		want  int
	}{
		{"2024-05-03", 0}, // 4 days left
		{"2024-05-04", 1}, // 3 days left
		{"2024-05-07", 1}, // due today
		{"2024-05-08", 0}, // overdue
	}
	for _, tt := range tests {
		t.Run(tt.today, func(t *testing.T) {
			f, assoc, _ := reminderFixture(t, "amina@example.com", 2)

			got, err := f.reminders.DueSoonOrOverdue(f.ctx, assoc, billing.ScopeDueSoon, day(tt.today))
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestReminders_OverdueSelection(t *testing.T) {
	f, assoc, ms := reminderFixture(t, "amina@example.com", 2)

	got, err := f.reminders.DueSoonOrOverdue(f.ctx, assoc, billing.ScopeOverdue, day("2024-05-08"))
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, ms, got[0].Membership.ID)
	assert.Equal(t, -1, got[0].DaysLeft)
	assert.Equal(t, "Amina", got[0].Member.FirstName)
	assert.Equal(t, "Coders Club", got[0].Association.Name)
}

func TestReminders_PaidChargesAreNotSelected(t *testing.T) {
	f, assoc, ms := reminderFixture(t, "amina@example.com", 2)
	charges, err := f.store.ListCharges(f.ctx, billing.ChargeFilter{MembershipID: ms})
	require.NoError(t, err)
	f.pay(ms, billing.ExistingCharge{ChargeID: charges[0].ID}, 20000)

	got, err := f.reminders.DueSoonOrOverdue(f.ctx, assoc, billing.ScopeDueSoon, day("2024-05-05"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReminders_ExtraLeadTimes(t *testing.T) {
	// GIVEN: a fee asking for a reminder 14 days before the due date
	// THEN: the charge is selected 14 days out but not 13

	f := newFixture(t, "2024-02-15")
	assoc := f.association("Coders Club")
	_, err := f.policies.CreateFee(f.ctx, billing.FeeInput{
		AssociationID:         assoc,
		Type:                  billing.FeeTypeSubscription,
		Amount:                dec("20000"),
		DurationMonths:        4,
		GraceDays:             7,
		MaxMissedCycles:       2,
		ReminderDaysBeforeDue: []int{14},
	}, billing.SystemActor)
	require.NoError(t, err)
	ms := f.membership(assoc, f.member("Amina", "amina@example.com"), "2024-01-01")
	_, err = f.ledger.EnsureCurrentSubscriptionCharge(f.ctx, ms)
	require.NoError(t, err)

	got, err := f.reminders.DueSoonOrOverdue(f.ctx, assoc, billing.ScopeDueSoon, day("2024-04-23"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 14, got[0].DaysLeft)

	got, err = f.reminders.DueSoonOrOverdue(f.ctx, assoc, billing.ScopeDueSoon, day("2024-04-24"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReminders_InvalidScope(t *testing.T) {
	f, assoc, _ := reminderFixture(t, "amina@example.com", 2)

	_, err := f.reminders.DueSoonOrOverdue(f.ctx, assoc, "tomorrow", day("2024-05-05"))

	assert.True(t, billing.IsValidation(err))
}

// =============================================================================
// DELIVERY
// =============================================================================

func TestReminders_Run_SendsOncePerDay(t *testing.T) {
	// GIVEN: a charge due in two days
	// WHEN: the due-soon run happens twice the same day, then again tomorrow
	// THEN: one reminder per day

	f, assoc, _ := reminderFixture(t, "amina@example.com", 2)
	f.setToday("2024-05-05")

	sum, err := f.reminders.Run(f.ctx, assoc, billing.ScopeDueSoon)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)

	sum, err = f.reminders.Run(f.ctx, assoc, billing.ScopeDueSoon)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Sent)
	assert.Equal(t, 1, sum.Skipped)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, billing.ReminderBeforeDue, sent[0].Type)
	assert.Equal(t, 2, sent[0].DaysLeft)
	assert.True(t, sent[0].Balance.Equal(dec("20000")))

	charges, err := f.store.ListCharges(f.ctx, billing.ChargeFilter{AssociationID: assoc, DueTo: day("2024-05-07")})
	require.NoError(t, err)
	already, err := f.reminders.AlreadySent(f.ctx, charges[0].ID, billing.ReminderBeforeDue, day("2024-05-05"))
	require.NoError(t, err)
	assert.True(t, already)

	f.setToday("2024-05-06")
	sum, err = f.reminders.Run(f.ctx, assoc, billing.ScopeDueSoon)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.Len(t, f.notifier.sent(), 2)
}

func TestReminders_Run_ConcurrentRunsSendOnce(t *testing.T) {
	f, assoc, _ := reminderFixture(t, "amina@example.com", 2)
	f.setToday("2024-05-05")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.reminders.Run(f.ctx, assoc, billing.ScopeDueSoon)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.notifier.sent(), 1)
}

func TestReminders_Run_MissingEmail(t *testing.T) {
	f, assoc, _ := reminderFixture(t, "", 2)
	f.setToday("2024-05-05")

	sum, err := f.reminders.Run(f.ctx, assoc, billing.ScopeDueSoon)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.MissingEmail)
	assert.Equal(t, 0, sum.Sent)

	// Not retried the same day
	sum, err = f.reminders.Run(f.ctx, assoc, billing.ScopeDueSoon)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)

	charges, err := f.store.ListCharges(f.ctx, billing.ChargeFilter{AssociationID: assoc})
	require.NoError(t, err)
	require.Len(t, charges, 1)
	already, err := f.reminders.AlreadySent(f.ctx, charges[0].ID, billing.ReminderBeforeDue, day("2024-05-05"))
	require.NoError(t, err)
	assert.True(t, already, "a reminder skipped for a missing email counts as handled")
}

func TestReminders_Run_FailureIsRetried(t *testing.T) {
	// GIVEN: the mail server fails once
	// THEN: the failed reminder is not logged and the next run sends it

	f, assoc, _ := reminderFixture(t, "amina@example.com", 2)
	f.setToday("2024-05-05")
	f.notifier.failNext = 1

	sum, err := f.reminders.Run(f.ctx, assoc, billing.ScopeDueSoon)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	charges, err := f.store.ListCharges(f.ctx, billing.ChargeFilter{AssociationID: assoc})
	require.NoError(t, err)
	require.Len(t, charges, 1)
	already, err := f.reminders.AlreadySent(f.ctx, charges[0].ID, billing.ReminderBeforeDue, day("2024-05-05"))
	require.NoError(t, err)
	assert.False(t, already)

	sum, err = f.reminders.Run(f.ctx, assoc, billing.ScopeDueSoon)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.Len(t, f.notifier.sent(), 1)

	already, err = f.reminders.AlreadySent(f.ctx, charges[0].ID, billing.ReminderBeforeDue, day("2024-05-05"))
	require.NoError(t, err)
	assert.True(t, already)
}

func TestReminders_Run_OverdueAndFinalWarning(t *testing.T) {
	tests := []struct {
		name      string
		maxMissed int
		want      billing.ReminderType
	}{
		{"below limit", 2, billing.ReminderOverdue},
		{"limit reached", 1, billing.ReminderFinalWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, assoc, _ := reminderFixture(t, "amina@example.com", tt.maxMissed)
			f.setToday("2024-05-10")

			sum, err := f.reminders.Run(f.ctx, assoc, billing.ScopeOverdue)
			require.NoError(t, err)
			assert.Equal(t, 1, sum.Sent)

			sent := f.notifier.sent()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.want, sent[0].Type)
			assert.Equal(t, -3, sent[0].DaysLeft)
		})
	}
}

func TestReminders_Run_SendGuardSkips(t *testing.T) {
	guard := &denyGuard{}
	f, assoc, _ := reminderFixture(t, "amina@example.com", 2, billing.WithSendGuard(guard))
	f.setToday("2024-05-05")

	sum, err := f.reminders.Run(f.ctx, assoc, billing.ScopeDueSoon)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Skipped)
	assert.Empty(t, f.notifier.sent())
	assert.Equal(t, []string{"reminder:"}, guard.prefixes())
}

func TestReminders_RunAll(t *testing.T) {
	f, _, _ := reminderFixture(t, "amina@example.com", 2)
	f.association("Chess Club")
	f.setToday("2024-05-05")

	sums, err := f.reminders.RunAll(f.ctx, billing.ScopeDueSoon)
	require.NoError(t, err)

	require.Len(t, sums, 2)
	assert.Equal(t, 1, sums[0].Sent)
	assert.Equal(t, 0, sums[1].Candidates)
}

func TestReminders_SendSelected(t *testing.T) {
	f, assoc, ms := reminderFixture(t, "amina@example.com", 2)
	custom, err := f.ledger.CreateCustomCharge(f.ctx, ms, billing.CustomCharge{Title: "Merch", AmountDue: dec("100")}, billing.SystemActor)
	require.NoError(t, err)
	charges, err := f.store.ListCharges(f.ctx, billing.ChargeFilter{AssociationID: assoc, Purposes: []billing.ChargePurpose{billing.PurposeSubscriptionFee}})
	require.NoError(t, err)
	require.Len(t, charges, 1)

	sum, err := f.reminders.SendSelected(f.ctx, []billing.ChargeID{charges[0].ID, custom.ID})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Sent)
	assert.Equal(t, 1, sum.Skipped, "custom charges are not reminded")
}

// denyGuard reports every key as already claimed.
type denyGuard struct {
	mu   sync.Mutex
	keys []string
}

func (g *denyGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys = append(g.keys, key)
	return false, nil
}

func (g *denyGuard) Release(context.Context, string) error { return nil }

func (g *denyGuard) prefixes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.keys))
	for i, k := range g.keys {
		out[i] = k[:len("reminder:")]
	}
	return out
}
