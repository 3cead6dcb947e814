package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing/store"
)

func cycleCharge(id string, start, end string) billing.Charge {
	return billing.Charge{
		ID:            billing.ChargeID(id),
		AssociationID: "assoc-1",
		MembershipID:  "ms-1",
		FeeID:         "fee-1",
		Purpose:       billing.PurposeSubscriptionFee,
		AmountDue:     decimal.NewFromInt(20000),
		DueDate:       billing.MustParseDate(end).AddDays(7),
		Status:        billing.ChargeUnpaid,
		Period:        billing.Period{Start: billing.MustParseDate(start), End: billing.MustParseDate(end)},
	}
}

func TestMemory_CycleChargeIsUnique(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, s.InsertCharge(ctx, cycleCharge("c-1", "2024-01-01", "2024-04-30")))
	err := s.InsertCharge(ctx, cycleCharge("c-2", "2024-01-01", "2024-04-30"))
	assert.ErrorIs(t, err, billing.ErrDuplicateCharge)

	require.NoError(t, s.InsertCharge(ctx, cycleCharge("c-3", "2024-05-01", "2024-08-31")))

	found, err := s.FindCycleCharge(ctx, "ms-1", "fee-1", billing.Period{
		Start: billing.MustParseDate("2024-05-01"),
		End:   billing.MustParseDate("2024-08-31"),
	})
	require.NoError(t, err)
	assert.Equal(t, billing.ChargeID("c-3"), found.ID)
}

func TestMemory_AmountPaidIgnoresReversed(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.InsertCharge(ctx, cycleCharge("c-1", "2024-01-01", "2024-04-30")))

	for i, amount := range []int64{12000, 5000} {
		require.NoError(t, s.InsertPayment(ctx, billing.Payment{
			ID:         billing.PaymentID([]string{"p-1", "p-2"}[i]),
			ChargeID:   "c-1",
			AmountPaid: decimal.NewFromInt(amount),
			Status:     billing.PaymentRecorded,
		}))
	}
	require.NoError(t, s.SetPaymentStatus(ctx, "p-2", billing.PaymentReversed))

	c, err := s.GetCharge(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.AmountPaid.Equal(decimal.NewFromInt(12000)))

	listed, err := s.ListCharges(ctx, billing.ChargeFilter{AssociationID: "assoc-1"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.True(t, listed[0].AmountPaid.Equal(decimal.NewFromInt(12000)))
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: a transaction that inserts a charge and then fails
	// THEN: the charge is gone afterwards

	s := store.NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx billing.Store) error {
		require.NoError(t, tx.InsertCharge(ctx, cycleCharge("c-1", "2024-01-01", "2024-04-30")))
		_, err := tx.GetCharge(ctx, "c-1")
		require.NoError(t, err, "own writes are visible")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetCharge(ctx, "c-1")
	assert.ErrorIs(t, err, billing.ErrChargeNotFound)
}

func TestMemory_ListCharges_Filters(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.InsertCharge(ctx, cycleCharge("c-2", "2024-05-01", "2024-08-31")))
	require.NoError(t, s.InsertCharge(ctx, cycleCharge("c-1", "2024-01-01", "2024-04-30")))
	require.NoError(t, s.InsertCharge(ctx, billing.Charge{
		ID: "c-3", AssociationID: "assoc-1", MembershipID: "ms-1", Purpose: billing.PurposeMerch,
		AmountDue: decimal.NewFromInt(10), Status: billing.ChargeUnpaid,
	}))

	all, err := s.ListCharges(ctx, billing.ChargeFilter{AssociationID: "assoc-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, billing.ChargeID("c-1"), all[0].ID, "ordered by due date")
	assert.Equal(t, billing.ChargeID("c-3"), all[2].ID, "no due date sorts last")

	window, err := s.ListCharges(ctx, billing.ChargeFilter{
		DueFrom: billing.MustParseDate("2024-05-01"),
		DueTo:   billing.MustParseDate("2024-05-31"),
	})
	require.NoError(t, err)
	require.Len(t, window, 1, "due window excludes charges without due date")
	assert.Equal(t, billing.ChargeID("c-1"), window[0].ID)

	merch, err := s.ListCharges(ctx, billing.ChargeFilter{Purposes: []billing.ChargePurpose{billing.PurposeMerch}})
	require.NoError(t, err)
	assert.Len(t, merch, 1)

	require.NoError(t, s.UpdateChargeState(ctx, "c-1", billing.ChargeUnpaid, true))
	overdue, err := s.ListCharges(ctx, billing.ChargeFilter{OverdueOnly: true})
	require.NoError(t, err)
	assert.Len(t, overdue, 1)
}

func TestMemory_SetSubscriptionAnchor_OnlyOnce(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateMembership(ctx, billing.Membership{ID: "ms-1", MemberID: "m-1", AssociationID: "a-1"}))

	set, err := s.SetSubscriptionAnchor(ctx, "ms-1", billing.MustParseDate("2024-01-01"))
	require.NoError(t, err)
	assert.True(t, set)

	set, err = s.SetSubscriptionAnchor(ctx, "ms-1", billing.MustParseDate("2024-02-01"))
	require.NoError(t, err)
	assert.False(t, set)

	m, err := s.GetMembership(ctx, "ms-1")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", m.SubscriptionAnchor.String())

	err = s.CreateMembership(ctx, billing.Membership{ID: "ms-2", MemberID: "m-1", AssociationID: "a-1"})
	assert.ErrorIs(t, err, billing.ErrDuplicateMembership)
}

func TestMemory_ReminderLogIsUnique(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	today := billing.MustParseDate("2024-05-05")

	log := billing.ReminderLog{ID: "r-1", ChargeID: "c-1", Type: billing.ReminderBeforeDue, ScheduledFor: today}
	require.NoError(t, s.InsertReminderLog(ctx, log))

	log.ID = "r-2"
	assert.ErrorIs(t, s.InsertReminderLog(ctx, log), billing.ErrDuplicateReminder)

	log.Type = billing.ReminderOverdue
	assert.NoError(t, s.InsertReminderLog(ctx, log), "other type the same day is allowed")

	require.NoError(t, s.DeleteReminderLog(ctx, "r-1"))
	_, err := s.FindReminderLog(ctx, "c-1", billing.ReminderBeforeDue, today)
	assert.ErrorIs(t, err, billing.ErrReminderNotFound)
}

func TestMemory_LatestFee(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveFee(ctx, billing.Fee{ID: "old", AssociationID: "a-1", Type: billing.FeeTypeSubscription, CreatedAt: t0}))
	require.NoError(t, s.SaveFee(ctx, billing.Fee{ID: "new", AssociationID: "a-1", Type: billing.FeeTypeSubscription, CreatedAt: t0.Add(time.Hour)}))
	require.NoError(t, s.SaveFee(ctx, billing.Fee{ID: "membership", AssociationID: "a-1", Type: billing.FeeTypeMembership, CreatedAt: t0.Add(2 * time.Hour)}))

	f, err := s.LatestFee(ctx, "a-1", billing.FeeTypeSubscription)
	require.NoError(t, err)
	assert.Equal(t, billing.FeeID("new"), f.ID)

	_, err = s.LatestFee(ctx, "a-2", billing.FeeTypeSubscription)
	assert.ErrorIs(t, err, billing.ErrFeeNotFound)
}

func TestMemory_Outbox(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	now := time.Date(2024, 5, 5, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendOutbox(ctx,
		billing.OutboxEntry{ID: "o-1", Status: billing.OutboxPending, MaxRetries: 3},
		billing.OutboxEntry{ID: "o-2", Status: billing.OutboxPending},
	))

	claimed, err := s.ClaimOutbox(ctx, now, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	entry := claimed[0]
	assert.Equal(t, "o-1", entry.ID)
	assert.Equal(t, billing.OutboxProcessing, entry.Status)

	entry.MarkDelivered("notify")
	entry.MarkFailed("smtp down", now)
	require.NoError(t, s.UpdateOutbox(ctx, entry))

	claimed, err = s.ClaimOutbox(ctx, now, time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "failed entry waits for its backoff")
	assert.Equal(t, "o-2", claimed[0].ID)

	claimed, err = s.ClaimOutbox(ctx, now.Add(time.Second), time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "o-2 is still claimed")
	assert.Equal(t, "o-1", claimed[0].ID)
	assert.Equal(t, []string{"notify"}, claimed[0].Delivered)

	claimed, err = s.ClaimOutbox(ctx, now.Add(time.Minute), time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "expired claim is due again")
	assert.Equal(t, "o-2", claimed[0].ID)

	entry.MarkSent(now)
	require.NoError(t, s.UpdateOutbox(ctx, entry))
	purged, err := s.PurgeOutbox(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	counts, err := s.CountOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[billing.OutboxProcessing])

	assert.Error(t, s.UpdateOutbox(ctx, billing.OutboxEntry{ID: "ghost"}))
}
