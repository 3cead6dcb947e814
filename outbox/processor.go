/*
Package outbox delivers billing events written by the services inside their
transactions.

PURPOSE:
  Every mutating service call appends its domain events to the outbox table
  in the same transaction as the mutation. The Processor reads them back
  after commit and hands each event to the registered handlers (audit trail,
  member notifications). A notification is therefore never sent for a
  mutation that rolled back.

DELIVERY:
  - Trigger() wakes the processor right after a commit (billing.Dispatcher)
  - A poll ticker picks up anything missed, including retries
  - Entries are claimed (status "processing") for ClaimTimeout, so several
    processes can share one outbox; a crashed claim is picked up again
    once it expires
  - Each handler is registered under a name; the entry records which
    handlers accepted it and a retry only runs the others
  - A failed handler marks the entry failed with exponential backoff
    (1s, 2s, 4s...) and moves it to "dead" after MaxRetries
  - Delivery is at-least-once per handler; a handler is re-run only when
    it failed or its claim expired mid-delivery

CLEANUP:
  Sent entries older than CleanupRetention are purged periodically.

SEE ALSO:
  - billing/outbox.go: OutboxEntry state machine
  - audit/, notify/: handlers
*/
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

// Handler consumes delivered events.
type Handler interface {
	Handle(ctx context.Context, ev billing.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev billing.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev billing.Event) error { return f(ctx, ev) }

// Config holds configuration for the processor.
type Config struct {
	BatchSize        int
	PollInterval     time.Duration
	ClaimTimeout     time.Duration
	CleanupEnabled   bool
	CleanupRetention time.Duration
	CleanupInterval  time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:        100,
		PollInterval:     5 * time.Second,
		ClaimTimeout:     5 * time.Minute,
		CleanupEnabled:   true,
		CleanupRetention: 7 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
	}
}

type route struct {
	name    string
	types   []billing.EventType // empty: every event
	handler Handler
}

// Processor drains the outbox in the background.
type Processor struct {
	store  billing.OutboxStore
	config Config
	logger *zap.Logger
	now    func() time.Time

	routes  []route
	wake    chan struct{}
	running sync.Mutex // one batch at a time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a processor. Register handlers before Start.
func New(store billing.OutboxStore, config Config, logger *zap.Logger) *Processor {
	def := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.ClaimTimeout <= 0 {
		config.ClaimTimeout = def.ClaimTimeout
	}
	if config.CleanupRetention <= 0 {
		config.CleanupRetention = def.CleanupRetention
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// Register routes events of the given types to h. No types means all events.
// The name is stored with delivered entries and must stay stable across
// restarts and unique per processor.
func (p *Processor) Register(name string, h Handler, types ...billing.EventType) {
	for _, r := range p.routes {
		if r.name == name {
			panic(fmt.Sprintf("outbox: handler %q registered twice", name))
		}
	}
	p.routes = append(p.routes, route{name: name, types: types, handler: h})
}

// Trigger requests a delivery pass without blocking.
func (p *Processor) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start starts the background processing.
func (p *Processor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.processLoop(ctx)

	if p.config.CleanupEnabled {
		p.wg.Add(1)
		go p.cleanupLoop(ctx)
	}

	p.logger.Info("outbox processor started",
		zap.Int("batch_size", p.config.BatchSize),
		zap.Duration("poll_interval", p.config.PollInterval),
	)
}

// Stop gracefully stops the processor.
func (p *Processor) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("outbox processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) processLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		case <-p.wake:
			p.drain(ctx)
		}
	}
}

// drain processes batches until the outbox has nothing due.
func (p *Processor) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := p.ProcessOnce(ctx)
		if err != nil {
			p.logger.Error("failed to process outbox batch", zap.Error(err))
			return
		}
		if n < p.config.BatchSize {
			return
		}
	}
}

// ProcessOnce claims and delivers one batch of due entries and returns how
// many it attempted.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	p.running.Lock()
	defer p.running.Unlock()

	entries, err := p.store.ClaimOutbox(ctx, p.now(), p.config.ClaimTimeout, p.config.BatchSize)
	if err != nil {
		return 0, err
	}
	for i := range entries {
		p.processEntry(ctx, &entries[i])
	}
	return len(entries), nil
}

func (p *Processor) processEntry(ctx context.Context, entry *billing.OutboxEntry) {
	ev, err := entry.Event()
	if err == nil {
		err = p.dispatch(ctx, entry, ev)
	}

	if err != nil {
		p.logger.Error("failed to deliver event",
			zap.String("event_id", entry.EventID),
			zap.String("event_type", string(entry.EventType)),
			zap.Error(err),
		)
		entry.MarkFailed(err.Error(), p.now())
		if entry.IsDead() {
			p.logger.Warn("event moved to dead letter queue",
				zap.String("event_id", entry.EventID),
				zap.String("event_type", string(entry.EventType)),
				zap.String("aggregate_type", entry.AggregateType),
				zap.String("aggregate_id", entry.AggregateID),
				zap.Int("retry_count", entry.RetryCount),
				zap.String("last_error", entry.LastError),
			)
		}
		if updateErr := p.store.UpdateOutbox(ctx, *entry); updateErr != nil {
			p.logger.Error("failed to update entry", zap.Error(updateErr))
		}
		return
	}

	entry.MarkSent(p.now())
	if err := p.store.UpdateOutbox(ctx, *entry); err != nil {
		p.logger.Error("failed to mark entry as sent",
			zap.String("event_id", entry.EventID),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("event processed successfully",
		zap.String("event_id", entry.EventID),
		zap.String("event_type", string(entry.EventType)),
	)
}

// dispatch runs the matching handlers that have not accepted the entry yet
// and joins their errors.
func (p *Processor) dispatch(ctx context.Context, entry *billing.OutboxEntry, ev billing.Event) error {
	var errs []error
	for _, r := range p.routes {
		if !r.matches(ev.Type) || entry.WasDelivered(r.name) {
			continue
		}
		if err := r.handler.Handle(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
			continue
		}
		entry.MarkDelivered(r.name)
	}
	return errors.Join(errs...)
}

func (r route) matches(t billing.EventType) bool {
	if len(r.types) == 0 {
		return true
	}
	for _, want := range r.types {
		if want == t {
			return true
		}
	}
	return false
}

func (p *Processor) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Cleanup(ctx); err != nil {
				p.logger.Error("failed to cleanup old entries", zap.Error(err))
			}
		}
	}
}

// Cleanup removes sent entries older than the retention.
func (p *Processor) Cleanup(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.config.CleanupRetention)
	deleted, err := p.store.PurgeOutbox(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		p.logger.Info("cleaned up old outbox entries",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}

// Stats returns the number of entries per status.
func (p *Processor) Stats(ctx context.Context) (map[billing.OutboxStatus]int64, error) {
	return p.store.CountOutbox(ctx)
}

var _ billing.Dispatcher = (*Processor)(nil)
