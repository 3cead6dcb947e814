package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DOMAIN EVENTS - Written to the outbox inside the mutating transaction
// =============================================================================

// EventType doubles as the audit action name.
type EventType string

const (
	EventFeeCreated              EventType = "fee_created"
	EventFeeUpdated              EventType = "fee_updated"
	EventMembershipCreated       EventType = "membership_created"
	EventMembershipStatusChanged EventType = "membership_status_changed"
	EventMembershipUpdated       EventType = "membership_updated"
	EventChargeCreated           EventType = "charge_created"
	EventChargeCancelled         EventType = "charge_cancelled"
	EventPaymentRecorded         EventType = "payment_recorded"
	EventPaymentReversed         EventType = "payment_reversed"
)

// Object types carried by events and audit entries.
const (
	ObjectFee        = "fee"
	ObjectMembership = "membership"
	ObjectCharge     = "charge"
	ObjectPayment    = "payment"
)

// Event is a fact about a committed mutation. Notices carry the data a
// notifier needs so delivery never reads mutable state.
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	AssociationID AssociationID     `json:"association_id,omitempty"`
	Actor         Actor             `json:"actor"`
	ObjectType    string            `json:"object_type"`
	ObjectID      string            `json:"object_id"`
	ObjectRepr    string            `json:"object_repr,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Payment       *PaymentNotice    `json:"payment,omitempty"`
	Membership    *MembershipNotice `json:"membership,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

func newEvent(typ EventType, assoc AssociationID, actor Actor, objectType, objectID, repr string, now time.Time) Event {
	return Event{
		ID:            NewID(),
		Type:          typ,
		AssociationID: assoc,
		Actor:         actor,
		ObjectType:    objectType,
		ObjectID:      objectID,
		ObjectRepr:    truncate(repr, 255),
		Metadata:      map[string]any{},
		OccurredAt:    now,
	}
}

// AuditEvent converts the event into an audit log entry.
func (e Event) AuditEvent() AuditEvent {
	return AuditEvent{
		ID:            e.ID,
		ActorID:       e.Actor.ID,
		AssociationID: e.AssociationID,
		Action:        string(e.Type),
		ObjectType:    e.ObjectType,
		ObjectID:      e.ObjectID,
		ObjectRepr:    e.ObjectRepr,
		Metadata:      e.Metadata,
		CreatedAt:     e.OccurredAt,
	}
}

// PaymentNotice is the content of a "payment recorded" message.
type PaymentNotice struct {
	MemberName      string          `json:"member_name"`
	MemberEmail     string          `json:"member_email"`
	AssociationName string          `json:"association_name"`
	Purpose         string          `json:"purpose"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	Method          PaymentMethod   `json:"method"`
	ReferenceCode   string          `json:"reference_code"`
	PaidAt          time.Time       `json:"paid_at"`
	Balance         decimal.Decimal `json:"balance"`
}

// MembershipNotice is the content of a "membership assigned" message.
type MembershipNotice struct {
	MemberName      string           `json:"member_name"`
	MemberEmail     string           `json:"member_email"`
	AssociationName string           `json:"association_name"`
	Status          MembershipStatus `json:"status"`
	JoinedAt        time.Time        `json:"joined_at"`
}

// ReminderNotice is the content of a subscription reminder.
type ReminderNotice struct {
	Type            ReminderType
	MemberFirstName string
	MemberEmail     string
	AssociationName string
	AmountDue       decimal.Decimal
	AmountPaid      decimal.Decimal
	Balance         decimal.Decimal
	DueDate         Date
	DaysLeft        int
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
