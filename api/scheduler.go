/*
scheduler.go - Periodic billing jobs

PURPOSE:
  Runs the batch jobs on cron schedules so charges are created, overdue
  flags recomputed and reminders sent even when nobody opens the admin.

JOBS:
  reconcile          ReconcileAll: current cycle charges + overdue flags
  due_soon_reminders RunAll(due_soon)
  overdue_reminders  RunAll(overdue)

DESIGN:
  - robfig/cron with standard 5-field specs in the billing timezone
  - SkipIfStillRunning: a slow run is never overlapped by the next tick
  - Every run gets its own context with JobTimeout
  - Reminder jobs are idempotent per (charge, type, day), so a restart
    that replays a schedule does not resend

USAGE:
  s, err := NewJobScheduler(cfg, reconciler, reminders, logger)
  s.Start()
  defer s.Stop(ctx)

SEE ALSO:
  - handlers.go: the same jobs triggered over HTTP
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

const (
	JobReconcile        = "reconcile"
	JobDueSoonReminders = "due_soon_reminders"
	JobOverdueReminders = "overdue_reminders"
	defaultJobTimeout   = 10 * time.Minute
)

// SchedulerConfig holds job schedules. An empty spec disables the job.
type SchedulerConfig struct {
	ReconcileSpec string
	DueSoonSpec   string
	OverdueSpec   string
	JobTimeout    time.Duration
	Location      *time.Location
}

// JobInfo describes a scheduled job.
type JobInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

// JobScheduler runs the billing batch jobs on cron schedules.
type JobScheduler struct {
	cron       *cron.Cron
	reconciler *billing.Reconciler
	reminders  *billing.ReminderScheduler
	timeout    time.Duration
	logger     *zap.Logger

	jobs map[cron.EntryID]JobInfo
}

// NewJobScheduler registers the configured jobs. It does not start them.
func NewJobScheduler(
	cfg SchedulerConfig,
	reconciler *billing.Reconciler,
	reminders *billing.ReminderScheduler,
	logger *zap.Logger,
) (*JobScheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	cl := cronLogger{logger.Sugar()}
	s := &JobScheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		reconciler: reconciler,
		reminders:  reminders,
		timeout:    cfg.JobTimeout,
		logger:     logger,
		jobs:       make(map[cron.EntryID]JobInfo),
	}

	schedule := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{JobReconcile, cfg.ReconcileSpec, s.RunReconcile},
		{JobDueSoonReminders, cfg.DueSoonSpec, func(ctx context.Context) error { return s.RunReminders(ctx, billing.ScopeDueSoon) }},
		{JobOverdueReminders, cfg.OverdueSpec, func(ctx context.Context) error { return s.RunReminders(ctx, billing.ScopeOverdue) }},
	}
	for _, job := range schedule {
		if job.spec == "" {
			continue
		}
		name, run := job.name, job.run
		id, err := s.cron.AddFunc(job.spec, func() { s.runJob(name, run) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, job.spec, err)
		}
		s.jobs[id] = JobInfo{Name: name, Spec: job.spec}
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *JobScheduler) Start() {
	s.cron.Start()
	for _, j := range s.Jobs() {
		s.logger.Info("job scheduled",
			zap.String("job", j.Name),
			zap.String("spec", j.Spec),
			zap.Time("next", j.Next),
		)
	}
}

// Stop stops scheduling and waits for running jobs or ctx.
func (s *JobScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs lists the scheduled jobs with their next run time. Next is zero
// until the scheduler is started.
func (s *JobScheduler) Jobs() []JobInfo {
	var out []JobInfo
	for _, e := range s.cron.Entries() {
		info, ok := s.jobs[e.ID]
		if !ok {
			continue
		}
		info.Next = e.Next
		out = append(out, info)
	}
	return out
}

// RunReconcile reconciles every association.
func (s *JobScheduler) RunReconcile(ctx context.Context) error {
	results, err := s.reconciler.ReconcileAll(ctx)
	var ensured, updated, failures int
	for _, r := range results {
		ensured += r.ChargesEnsured
		updated += r.ChargesUpdated
		failures += r.Failures
	}
	s.logger.Info("reconcile finished",
		zap.Int("associations", len(results)),
		zap.Int("charges_ensured", ensured),
		zap.Int("charges_updated", updated),
		zap.Int("failures", failures),
	)
	return err
}

// RunReminders sends reminders of scope for every association.
func (s *JobScheduler) RunReminders(ctx context.Context, scope billing.ReminderScope) error {
	summaries, err := s.reminders.RunAll(ctx, scope)
	var sent, missing, skipped, failed int
	for _, r := range summaries {
		sent += r.Sent
		missing += r.MissingEmail
		skipped += r.Skipped
		failed += r.Failed
	}
	s.logger.Info("reminders finished",
		zap.String("scope", string(scope)),
		zap.Int("associations", len(summaries)),
		zap.Int("sent", sent),
		zap.Int("missing_email", missing),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
	)
	return err
}

func (s *JobScheduler) runJob(name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	if err := run(ctx); err != nil {
		s.logger.Error("job failed",
			zap.String("job", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("job done", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
