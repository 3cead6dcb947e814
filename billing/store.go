/*
store.go - Persistence contract of the billing engine

PURPOSE:
  Defines the interface between the services and the database.
  Uniqueness rules are enforced by the store, not by the services:

    charges:       (membership, fee, period_start, period_end)
    reminder_logs: (charge, reminder_type, scheduled_for)
    memberships:   (member, association)

  Violations surface as ErrDuplicateCharge, ErrDuplicateReminder and
  ErrDuplicateMembership so services can recover (re-fetch) instead of
  failing the request.

DERIVED FIELDS:
  Charge.AmountPaid is computed by the store on every read as the sum of
  payments in status "recorded".

TRANSACTIONS:
  TxStore.WithTx runs fn against a Store bound to one transaction. All
  reads made through that Store see the transaction's own writes.
  Write transactions are serialized, which is what keeps the lookup and
  insert of a period-less fee charge from racing.

IMPLEMENTATIONS:
  - store/sqlite: SQLite (production)
  - billing/store: in-memory (tests and demos)
*/
package billing

import (
	"context"
	"time"
)

// ChargeFilter selects charges. Zero fields do not filter.
type ChargeFilter struct {
	AssociationID AssociationID
	MembershipID  MembershipID
	Purposes      []ChargePurpose
	Statuses      []ChargeStatus
	DueFrom       Date // inclusive
	DueTo         Date // inclusive
	OverdueOnly   bool
}

// MembershipFilter selects memberships. Zero fields do not filter.
type MembershipFilter struct {
	AssociationID AssociationID
	MemberID      MemberID
	Statuses      []MembershipStatus
}

// Store handles persistence of the billing aggregates.
type Store interface {
	// Associations and members
	SaveAssociation(ctx context.Context, a Association) error
	GetAssociation(ctx context.Context, id AssociationID) (*Association, error)
	ListAssociations(ctx context.Context) ([]Association, error)
	SaveMember(ctx context.Context, m Member) error
	GetMember(ctx context.Context, id MemberID) (*Member, error)

	// Memberships
	CreateMembership(ctx context.Context, m Membership) error
	UpdateMembership(ctx context.Context, m Membership) error
	GetMembership(ctx context.Context, id MembershipID) (*Membership, error)
	ListMemberships(ctx context.Context, filter MembershipFilter) ([]Membership, error)

	// SetSubscriptionAnchor sets the anchor only if it is still unset.
	// Returns false if another writer set it first.
	SetSubscriptionAnchor(ctx context.Context, id MembershipID, anchor Date) (bool, error)

	// Fees
	SaveFee(ctx context.Context, f Fee) error
	GetFee(ctx context.Context, id FeeID) (*Fee, error)
	// LatestFee returns the most recently created fee of a type.
	LatestFee(ctx context.Context, assoc AssociationID, typ FeeType) (*Fee, error)
	ListFees(ctx context.Context, assoc AssociationID) ([]Fee, error)

	// Charges
	InsertCharge(ctx context.Context, c Charge) error
	GetCharge(ctx context.Context, id ChargeID) (*Charge, error)
	FindCycleCharge(ctx context.Context, membershipID MembershipID, feeID FeeID, period Period) (*Charge, error)
	FindOpenFeeCharge(ctx context.Context, membershipID MembershipID, feeID FeeID) (*Charge, error)
	ListCharges(ctx context.Context, filter ChargeFilter) ([]Charge, error)
	UpdateChargeState(ctx context.Context, id ChargeID, status ChargeStatus, overdue bool) error

	// Payments
	InsertPayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	ListPayments(ctx context.Context, chargeID ChargeID) ([]Payment, error)
	SetPaymentStatus(ctx context.Context, id PaymentID, status PaymentStatus) error

	// Reminder log
	InsertReminderLog(ctx context.Context, l ReminderLog) error
	FindReminderLog(ctx context.Context, chargeID ChargeID, typ ReminderType, day Date) (*ReminderLog, error)
	MarkReminderSent(ctx context.Context, id ReminderLogID, at time.Time) error
	DeleteReminderLog(ctx context.Context, id ReminderLogID) error

	// Outbox
	AppendOutbox(ctx context.Context, entries ...OutboxEntry) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// OutboxStore is the delivery side of the outbox.
type OutboxStore interface {
	// ClaimOutbox atomically moves due entries (pending, failed past their
	// backoff, or processing past their claim) to processing until
	// now+lease and returns them oldest first. Concurrent callers never
	// receive the same entry while its claim holds.
	ClaimOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]OutboxEntry, error)
	UpdateOutbox(ctx context.Context, e OutboxEntry) error
	// PurgeOutbox deletes sent entries processed before the cutoff.
	PurgeOutbox(ctx context.Context, before time.Time) (int64, error)
	CountOutbox(ctx context.Context) (map[OutboxStatus]int64, error)
}

// AuditFilter selects audit entries. Zero fields do not filter.
type AuditFilter struct {
	AssociationID AssociationID
	ObjectType    string
	ObjectID      string
	Actions       []string
	Limit         int
}

// AuditLog is an AuditSink that can be queried. Append-only.
type AuditLog interface {
	AuditSink
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}
