// Package audit turns delivered billing events into audit trail entries.
package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

// Handler writes every event it receives to an AuditSink. Sinks ignore an
// event ID they already stored, so redelivery is harmless.
type Handler struct {
	sink billing.AuditSink
}

func NewHandler(sink billing.AuditSink) *Handler {
	return &Handler{sink: sink}
}

func (h *Handler) Handle(ctx context.Context, ev billing.Event) error {
	if err := h.sink.RecordAuditEvent(ctx, ev.AuditEvent()); err != nil {
		return fmt.Errorf("failed to record audit event %s: %w", ev.Type, err)
	}
	return nil
}

// LogSink writes audit events to a zap logger. Used when no queryable
// audit store is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) RecordAuditEvent(_ context.Context, e billing.AuditEvent) error {
	s.logger.Info(e.Action,
		zap.String("audit_id", e.ID),
		zap.String("actor_id", string(e.ActorID)),
		zap.String("association_id", string(e.AssociationID)),
		zap.String("object_type", e.ObjectType),
		zap.String("object_id", e.ObjectID),
		zap.String("object_repr", e.ObjectRepr),
		zap.Any("metadata", e.Metadata),
		zap.Time("created_at", e.CreatedAt),
	)
	return nil
}

var _ billing.AuditSink = (*LogSink)(nil)
