package billing

import (
	"strings"
	"time"
)

// =============================================================================
// ASSOCIATIONS, MEMBERS, MEMBERSHIPS
// =============================================================================

type Association struct {
	ID        AssociationID
	Name      string
	CreatedAt time.Time
}

type Member struct {
	ID        MemberID
	FirstName string
	LastName  string
	Email     string
}

func (m Member) FullName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}

type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "active"
	MembershipInactive  MembershipStatus = "inactive"
	MembershipSuspended MembershipStatus = "suspended"
)

func (s MembershipStatus) Valid() bool {
	switch s {
	case MembershipActive, MembershipInactive, MembershipSuspended:
		return true
	}
	return false
}

// Membership links a member to an association.
// SubscriptionAnchor is the first day of the first billing cycle. Once set
// it never changes automatically.
type Membership struct {
	ID                 MembershipID
	MemberID           MemberID
	AssociationID      AssociationID
	Status             MembershipStatus
	JoinedAt           time.Time
	SubscriptionAnchor Date
}

func (m Membership) IsActive() bool { return m.Status == MembershipActive }
