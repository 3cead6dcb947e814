package billing

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// =============================================================================
// OUTBOX ENTRY - Event persisted for delivery after commit
// =============================================================================

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxSent       OutboxStatus = "sent"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDead       OutboxStatus = "dead"
)

const (
	DefaultOutboxMaxRetries  = 5
	DefaultOutboxBaseBackoff = time.Second
)

// OutboxEntry is an event waiting for delivery. Delivered names the handlers
// that already accepted it. NextRetryAt is the backoff deadline of a failed
// entry and the claim expiry of a processing one.
type OutboxEntry struct {
	ID            string
	EventID       string
	EventType     EventType
	AggregateType string
	AggregateID   string
	Payload       []byte
	Status        OutboxStatus
	RetryCount    int
	MaxRetries    int
	LastError     string
	Delivered     []string
	NextRetryAt   *time.Time
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOutboxEntry serializes the event into a pending entry.
func NewOutboxEntry(e Event) (OutboxEntry, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("failed to encode %s event: %w", e.Type, err)
	}
	return OutboxEntry{
		ID:            NewID(),
		EventID:       e.ID,
		EventType:     e.Type,
		AggregateType: e.ObjectType,
		AggregateID:   e.ObjectID,
		Payload:       payload,
		Status:        OutboxPending,
		MaxRetries:    DefaultOutboxMaxRetries,
		CreatedAt:     e.OccurredAt,
		UpdatedAt:     e.OccurredAt,
	}, nil
}

// Event decodes the payload.
func (e *OutboxEntry) Event() (Event, error) {
	var ev Event
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode outbox entry %s: %w", e.ID, err)
	}
	return ev, nil
}

// Claim reserves the entry for one processor until now+lease. An entry
// whose claim expires is due again.
func (e *OutboxEntry) Claim(now time.Time, lease time.Duration) {
	until := now.Add(lease)
	e.Status = OutboxProcessing
	e.NextRetryAt = &until
	e.UpdatedAt = now
}

// MarkDelivered records that handler accepted the event.
func (e *OutboxEntry) MarkDelivered(handler string) {
	if !e.WasDelivered(handler) {
		e.Delivered = append(e.Delivered, handler)
	}
}

// WasDelivered reports whether handler already accepted the event.
func (e *OutboxEntry) WasDelivered(handler string) bool {
	return slices.Contains(e.Delivered, handler)
}

// MarkSent marks the entry as delivered.
func (e *OutboxEntry) MarkSent(now time.Time) {
	e.Status = OutboxSent
	e.ProcessedAt = &now
	e.UpdatedAt = now
	e.NextRetryAt = nil
}

// MarkFailed records a failed attempt and schedules the next retry with
// exponential backoff (1s, 2s, 4s...). The entry goes dead after MaxRetries.
func (e *OutboxEntry) MarkFailed(errMsg string, now time.Time) {
	e.RetryCount++
	e.LastError = errMsg
	e.UpdatedAt = now

	if e.RetryCount >= e.MaxRetries {
		e.Status = OutboxDead
		e.NextRetryAt = nil
		return
	}
	e.Status = OutboxFailed
	next := now.Add(DefaultOutboxBaseBackoff * time.Duration(1<<uint(e.RetryCount-1)))
	e.NextRetryAt = &next
}

// Due reports whether the entry should be attempted at now.
func (e *OutboxEntry) Due(now time.Time) bool {
	switch e.Status {
	case OutboxPending:
		return true
	case OutboxFailed, OutboxProcessing:
		return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
	}
	return false
}

func (e *OutboxEntry) IsDead() bool { return e.Status == OutboxDead }
