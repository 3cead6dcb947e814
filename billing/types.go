/*
Package billing is the subscription billing and charge-cycle engine.

PURPOSE:
  Associations bill their members through charges. A charge is either a
  recurring subscription installment (one per billing cycle), a one-off
  membership fee, or a custom charge (event, merch, donation...). Members
  pay charges through one or more payments; the charge status is always
  derived from the non-reversed payments recorded against it.

KEY CONCEPTS:
  Fee:         Association billing policy (type, amount, cycle length, grace)
  Cycle:       [start, end] window derived from the membership anchor date
  Charge:      Amount owed by a membership, unique per cycle
  Payment:     Money received against a charge (recorded or reversed)
  ReminderLog: One row per (charge, reminder type, day) that was sent

COMPONENTS:
  cycle.go:      CycleBounds - pure cycle calculator
  ledger.go:     Ledger - get-or-create of charges
  recorder.go:   PaymentRecorder - payments and reversals
  reconciler.go: Reconciler - status and overdue maintenance
  reminders.go:  ReminderScheduler - due-soon / overdue reminder runs
  policies.go:   PolicyService - fee administration
  memberships.go: MembershipService - membership administration

SIDE EFFECTS:
  Mutations write domain events to the outbox inside the same store
  transaction. Notifications and audit records are delivered from the
  outbox after commit (see the outbox package).

SEE ALSO:
  - store.go: persistence contract
  - store/sqlite: SQLite implementation
  - billing/store: in-memory implementation
*/
package billing

import (
	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	AssociationID string
	MemberID      string
	MembershipID  string
	FeeID         string
	ChargeID      string
	PaymentID     string
	ReminderLogID string
	UserID        string
)

// NewID returns a random identifier.
func NewID() string { return uuid.NewString() }

// =============================================================================
// ACTOR - Who performed an operation (attribution only, no authorization)
// =============================================================================

type Actor struct {
	ID   UserID `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// SystemActor attributes work done by scheduled jobs.
var SystemActor = Actor{ID: "", Name: "system"}

// IsAnonymous reports whether the actor has no user account.
func (a Actor) IsAnonymous() bool { return a.ID == "" }
