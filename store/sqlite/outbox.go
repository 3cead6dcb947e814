package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

// =============================================================================
// OUTBOX (billing.Store append side, billing.OutboxStore delivery side)
// =============================================================================

const outboxColumns = `id, event_id, event_type, aggregate_type, aggregate_id, payload,
	status, retry_count, max_retries, last_error, next_retry_at, processed_at, created_at, updated_at,
	delivered`

func (s *queries) AppendOutbox(ctx context.Context, entries ...billing.OutboxEntry) error {
	for _, e := range entries {
		delivered, err := encodeDelivered(e.Delivered)
		if err != nil {
			return err
		}
		_, err = s.q.ExecContext(ctx,
			`INSERT INTO outbox (`+outboxColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.EventID, e.EventType, e.AggregateType, e.AggregateID, string(e.Payload),
			e.Status, e.RetryCount, e.MaxRetries, e.LastError, nullTime(e.NextRetryAt), nullTime(e.ProcessedAt),
			formatTime(e.CreatedAt), formatTime(e.UpdatedAt), delivered,
		)
		if err != nil {
			return fmt.Errorf("failed to append outbox entry %s: %w", e.EventType, err)
		}
	}
	return nil
}

// ClaimOutbox claims due entries with a single UPDATE, so two processes
// sharing the database file never claim the same row.
func (s *queries) ClaimOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]billing.OutboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	ts := formatTime(now)
	rows, err := s.q.QueryContext(ctx, `
		UPDATE outbox SET status = ?, next_retry_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = ?
			   OR (status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?))
			ORDER BY created_at, rowid
			LIMIT ?
		)
		RETURNING `+outboxColumns,
		billing.OutboxProcessing, formatTime(now.Add(lease)), ts,
		billing.OutboxPending, billing.OutboxFailed, billing.OutboxProcessing, ts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries: %w", err)
	}
	defer rows.Close()

	var out []billing.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING has no defined order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *queries) UpdateOutbox(ctx context.Context, e billing.OutboxEntry) error {
	delivered, err := encodeDelivered(e.Delivered)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE outbox SET
			status = ?, retry_count = ?, last_error = ?, delivered = ?,
			next_retry_at = ?, processed_at = ?, updated_at = ?
		WHERE id = ?
	`, e.Status, e.RetryCount, e.LastError, delivered, nullTime(e.NextRetryAt), nullTime(e.ProcessedAt), formatTime(e.UpdatedAt), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update outbox entry: %w", err)
	}
	return expectAffected(res, fmt.Errorf("outbox entry %s not found", e.ID))
}

func (s *queries) PurgeOutbox(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = ? AND processed_at < ?`,
		billing.OutboxSent, formatTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return res.RowsAffected()
}

func (s *queries) CountOutbox(ctx context.Context) (map[billing.OutboxStatus]int64, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox: %w", err)
	}
	defer rows.Close()

	counts := make(map[billing.OutboxStatus]int64)
	for rows.Next() {
		var (
			status billing.OutboxStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outbox count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanOutbox(row scanner) (billing.OutboxEntry, error) {
	var (
		e                    billing.OutboxEntry
		payload              string
		nextRetry, processed sql.NullString
		createdAt, updatedAt string
		delivered            string
	)
	err := row.Scan(
		&e.ID, &e.EventID, &e.EventType, &e.AggregateType, &e.AggregateID, &payload,
		&e.Status, &e.RetryCount, &e.MaxRetries, &e.LastError, &nextRetry, &processed,
		&createdAt, &updatedAt, &delivered,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan outbox entry: %w", err)
	}
	if err := json.Unmarshal([]byte(delivered), &e.Delivered); err != nil {
		return e, fmt.Errorf("failed to decode delivered handlers of %s: %w", e.ID, err)
	}
	e.Payload = []byte(payload)
	e.NextRetryAt = parseNullTime(nextRetry)
	e.ProcessedAt = parseNullTime(processed)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

func encodeDelivered(handlers []string) (string, error) {
	if handlers == nil {
		handlers = []string{}
	}
	b, err := json.Marshal(handlers)
	if err != nil {
		return "", fmt.Errorf("failed to encode delivered handlers: %w", err)
	}
	return string(b), nil
}

// =============================================================================
// AUDIT LOG (billing.AuditLog interface)
// =============================================================================

// RecordAuditEvent ignores an event whose ID is already stored, so
// redelivered outbox entries do not duplicate the trail.
func (s *queries) RecordAuditEvent(ctx context.Context, ev billing.AuditEvent) error {
	var metadata sql.NullString
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO audit_log
			(id, actor_id, association_id, action, object_type, object_id, object_repr, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID, nullString(string(ev.ActorID)), nullString(string(ev.AssociationID)), ev.Action,
		ev.ObjectType, ev.ObjectID, ev.ObjectRepr, metadata, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns matching events, newest first.
func (s *queries) ListAuditEvents(ctx context.Context, f billing.AuditFilter) ([]billing.AuditEvent, error) {
	var w where
	w.eq("association_id", string(f.AssociationID))
	w.eq("object_type", f.ObjectType)
	w.eq("object_id", f.ObjectID)
	w.in("action", f.Actions)

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, actor_id, association_id, action, object_type, object_id, object_repr, metadata_json, created_at
		FROM audit_log`+w.sql()+`
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, append(w.args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var out []billing.AuditEvent
	for rows.Next() {
		var (
			ev           billing.AuditEvent
			actor, assoc sql.NullString
			metadata     sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&ev.ID, &actor, &assoc, &ev.Action, &ev.ObjectType, &ev.ObjectID, &ev.ObjectRepr, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.ActorID = billing.UserID(actor.String)
		ev.AssociationID = billing.AssociationID(assoc.String)
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata of %s: %w", ev.ID, err)
			}
		}
		ev.CreatedAt = parseTime(createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}
