package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

// EventHandler sends the notifications attached to committed events.
type EventHandler struct {
	notifier billing.Notifier
	logger   *zap.Logger
}

func NewEventHandler(notifier billing.Notifier, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{notifier: notifier, logger: logger}
}

// EventTypes lists the events the handler reacts to.
func (h *EventHandler) EventTypes() []billing.EventType {
	return []billing.EventType{billing.EventPaymentRecorded, billing.EventMembershipCreated}
}

// Handle never returns an error: notification failures are logged only.
func (h *EventHandler) Handle(ctx context.Context, ev billing.Event) error {
	var err error
	switch {
	case ev.Type == billing.EventPaymentRecorded && ev.Payment != nil:
		err = h.notifier.SendPaymentRecorded(ctx, *ev.Payment)
	case ev.Type == billing.EventMembershipCreated && ev.Membership != nil:
		err = h.notifier.SendMembershipAssigned(ctx, *ev.Membership)
	default:
		return nil
	}
	if err != nil {
		h.logger.Error("failed to send notification",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.String("object_id", ev.ObjectID),
			zap.Error(err),
		)
	}
	return nil
}
