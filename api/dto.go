/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the operational API. Domain types carry
  no JSON tags for persistence-only fields, so responses are mapped here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers

MONEY:
  Amounts are rendered as fixed two-decimal strings ("20000.00") so
  clients never see binary floating point.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ChargeDTO represents a charge in API responses.
type ChargeDTO struct {
	ID           string       `json:"id"`
	MembershipID string       `json:"membership_id"`
	FeeID        string       `json:"fee_id,omitempty"`
	Purpose      string       `json:"purpose"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	AmountDue    string       `json:"amount_due"`
	AmountPaid   string       `json:"amount_paid"`
	Balance      string       `json:"balance"`
	DueDate      billing.Date `json:"due_date"`
	PeriodStart  billing.Date `json:"period_start"`
	PeriodEnd    billing.Date `json:"period_end"`
	Status       string       `json:"status"`
	IsOverdue    bool         `json:"is_overdue"`
	CreatedAt    time.Time    `json:"created_at"`
}

func toChargeDTO(c billing.Charge) ChargeDTO {
	return ChargeDTO{
		ID:           string(c.ID),
		MembershipID: string(c.MembershipID),
		FeeID:        string(c.FeeID),
		Purpose:      string(c.Purpose),
		Title:        c.Title,
		Description:  c.Description,
		AmountDue:    c.AmountDue.StringFixed(2),
		AmountPaid:   c.AmountPaid.StringFixed(2),
		Balance:      c.Balance().StringFixed(2),
		DueDate:      c.DueDate,
		PeriodStart:  c.Period.Start,
		PeriodEnd:    c.Period.End,
		Status:       string(c.Status),
		IsOverdue:    c.IsOverdue,
		CreatedAt:    c.CreatedAt,
	}
}

// LapsedMembershipDTO is a membership past its missed-cycle limit.
type LapsedMembershipDTO struct {
	MembershipID       string       `json:"membership_id"`
	MemberID           string       `json:"member_id"`
	Status             string       `json:"status"`
	SubscriptionAnchor billing.Date `json:"subscription_anchor_date"`
	OverdueCycles      int          `json:"overdue_cycles"`
	MaxMissedCycles    int          `json:"max_missed_cycles"`
	Outstanding        string       `json:"outstanding"`
}

func toLapsedDTO(l billing.LapsedMembership) LapsedMembershipDTO {
	return LapsedMembershipDTO{
		MembershipID:       string(l.Membership.ID),
		MemberID:           string(l.Membership.MemberID),
		Status:             string(l.Membership.Status),
		SubscriptionAnchor: l.Membership.SubscriptionAnchor,
		OverdueCycles:      l.OverdueCycles,
		MaxMissedCycles:    l.MaxMissed,
		Outstanding:        l.Outstanding.StringFixed(2),
	}
}

// AuditEventDTO is an audit trail entry.
type AuditEventDTO struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	ObjectType string         `json:"object_type"`
	ObjectID   string         `json:"object_id"`
	ObjectRepr string         `json:"object_repr"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func toAuditEventDTO(e billing.AuditEvent) AuditEventDTO {
	return AuditEventDTO{
		ID:         e.ID,
		ActorID:    string(e.ActorID),
		Action:     e.Action,
		ObjectType: e.ObjectType,
		ObjectID:   e.ObjectID,
		ObjectRepr: e.ObjectRepr,
		Metadata:   e.Metadata,
		CreatedAt:  e.CreatedAt,
	}
}

// ReconcileResponse wraps the results of a reconcile job.
type ReconcileResponse struct {
	Results []billing.ReconcileResult `json:"results"`
}

// ReminderRunResponse wraps the summaries of a reminder job.
type ReminderRunResponse struct {
	Summaries []billing.ReminderRunSummary `json:"summaries"`
}

// OutboxStatsDTO counts outbox entries per status.
type OutboxStatsDTO struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Dead       int64 `json:"dead"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SendRemindersRequest selects charges for a manual reminder run.
type SendRemindersRequest struct {
	ChargeIDs []string `json:"charge_ids"`
}
