package billing

import (
	"context"
	"time"
)

// =============================================================================
// EXTERNAL COLLABORATORS
// =============================================================================

// Notifier sends member-facing messages. Implementations must tolerate a
// missing email address; callers never abort on notifier errors.
type Notifier interface {
	SendPaymentRecorded(ctx context.Context, notice PaymentNotice) error

	// SendSubscriptionReminder returns false when the member has no email.
	SendSubscriptionReminder(ctx context.Context, notice ReminderNotice) (bool, error)

	SendMembershipAssigned(ctx context.Context, notice MembershipNotice) error
}

// AuditEvent is an entry of the audit trail.
type AuditEvent struct {
	ID            string
	ActorID       UserID // empty for anonymous or system work
	AssociationID AssociationID
	Action        string
	ObjectType    string
	ObjectID      string
	ObjectRepr    string
	Metadata      map[string]any
	CreatedAt     time.Time
}

// AuditSink persists audit events.
type AuditSink interface {
	RecordAuditEvent(ctx context.Context, event AuditEvent) error
}

// SendGuard is an optional fast-path dedup in front of the reminder log.
// Claim returns false if the key was already claimed.
type SendGuard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Dispatcher is poked after a commit that wrote outbox entries.
type Dispatcher interface {
	Trigger()
}

// Metrics receives engine counters.
type Metrics interface {
	ChargeCreated(purpose ChargePurpose)
	PaymentRecorded(method PaymentMethod)
	PaymentReversed()
	ReminderSent(typ ReminderType)
	ReminderSkipped(typ ReminderType)
	OverdueFlagged(count int)
	ReconcileDuration(d time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ChargeCreated(ChargePurpose)     {}
func (NopMetrics) PaymentRecorded(PaymentMethod)   {}
func (NopMetrics) PaymentReversed()                {}
func (NopMetrics) ReminderSent(ReminderType)       {}
func (NopMetrics) ReminderSkipped(ReminderType)    {}
func (NopMetrics) OverdueFlagged(int)              {}
func (NopMetrics) ReconcileDuration(time.Duration) {}

type nopDispatcher struct{}

func (nopDispatcher) Trigger() {}
