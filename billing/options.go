package billing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Options carries the ambient dependencies shared by the services.
// Zero fields fall back to: UTC system clock, no-op logger, no-op metrics,
// no-op dispatcher.
type Options struct {
	Clock      Clock
	Logger     *zap.Logger
	Metrics    Metrics
	Dispatcher Dispatcher
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = SystemClock{Location: time.UTC}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = NopMetrics{}
	}
	if o.Dispatcher == nil {
		o.Dispatcher = nopDispatcher{}
	}
	return o
}

// effects collects what a transaction did so counters and the outbox
// dispatcher are only touched after commit.
type effects struct {
	charges []ChargePurpose
	events  int
}

func (fx *effects) apply(o Options) {
	for _, p := range fx.charges {
		o.Metrics.ChargeCreated(p)
	}
	if fx.events > 0 {
		o.Dispatcher.Trigger()
	}
}

// emit writes events to the outbox of the current transaction.
func emit(ctx context.Context, tx Store, fx *effects, events ...Event) error {
	entries := make([]OutboxEntry, 0, len(events))
	for _, ev := range events {
		entry, err := NewOutboxEntry(ev)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	if err := tx.AppendOutbox(ctx, entries...); err != nil {
		return err
	}
	fx.events += len(entries)
	return nil
}
