package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/audit"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing/store"
)

func paymentEvent() billing.Event {
	return billing.Event{
		ID:            "ev-1",
		Type:          billing.EventPaymentRecorded,
		AssociationID: "assoc-1",
		Actor:         billing.Actor{ID: "treasurer"},
		ObjectType:    billing.ObjectPayment,
		ObjectID:      "p-1",
		ObjectRepr:    "12000.00 for Subscription",
		Metadata:      map[string]any{"amount_paid": "12000.00"},
		OccurredAt:    time.Date(2024, 2, 15, 9, 0, 0, 0, time.UTC),
	}
}

func TestHandler_RecordsOncePerEvent(t *testing.T) {
	s := store.NewMemory()
	h := audit.NewHandler(s)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, paymentEvent()))
	require.NoError(t, h.Handle(ctx, paymentEvent()), "redelivery")

	entries, err := s.ListAuditEvents(ctx, billing.AuditFilter{AssociationID: "assoc-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "payment_recorded", entries[0].Action)
	assert.Equal(t, billing.UserID("treasurer"), entries[0].ActorID)
	assert.Equal(t, "p-1", entries[0].ObjectID)
}

type failingSink struct{}

func (failingSink) RecordAuditEvent(context.Context, billing.AuditEvent) error {
	return errors.New("disk full")
}

func TestHandler_PropagatesSinkErrors(t *testing.T) {
	err := audit.NewHandler(failingSink{}).Handle(context.Background(), paymentEvent())
	assert.ErrorContains(t, err, "disk full")
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := audit.NewLogSink(zap.New(core))

	require.NoError(t, audit.NewHandler(sink).Handle(context.Background(), paymentEvent()))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "payment_recorded", entry.Message)
	assert.Equal(t, "p-1", entry.ContextMap()["object_id"])
}
