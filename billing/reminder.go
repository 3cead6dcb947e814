package billing

import "time"

// =============================================================================
// REMINDERS
// =============================================================================

type ReminderType string

const (
	ReminderBeforeDue    ReminderType = "before_due"
	ReminderOverdue      ReminderType = "overdue"
	ReminderFinalWarning ReminderType = "final_warning"
)

// ReminderScope selects which charges a reminder run targets.
type ReminderScope string

const (
	ScopeDueSoon ReminderScope = "due_soon"
	ScopeOverdue ReminderScope = "overdue"
)

func (s ReminderScope) Valid() bool {
	return s == ScopeDueSoon || s == ScopeOverdue
}

// DefaultDueSoonDays is the width of the due-soon window: due dates in
// [today, today+DefaultDueSoonDays] qualify.
const DefaultDueSoonDays = 3

// ReminderLog records a reminder sent (or claimed) for a charge on a day.
// Unique on (ChargeID, Type, ScheduledFor).
type ReminderLog struct {
	ID           ReminderLogID
	MembershipID MembershipID
	ChargeID     ChargeID
	Type         ReminderType
	ScheduledFor Date
	SentAt       *time.Time
	CreatedAt    time.Time
}

// ReminderCandidate is a charge selected for a reminder together with the
// membership context needed to address it.
type ReminderCandidate struct {
	Charge      Charge
	Membership  Membership
	Member      Member
	Association Association
	DaysLeft    int
}

// ReminderRunSummary counts the outcome of a reminder run.
type ReminderRunSummary struct {
	Scope        ReminderScope `json:"scope"`
	Day          Date          `json:"day"`
	Candidates   int           `json:"candidates"`
	Sent         int           `json:"sent"`
	MissingEmail int           `json:"missing_email"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
}
