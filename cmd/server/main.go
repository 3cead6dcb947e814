/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Campus Nexus billing server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, config file, NEXUS_* env)
  2. Build the zap logger
  3. Open the store (SQLite, or in-memory with :memory-store:)
  4. Wire metrics, outbox processor, notifier and billing services
  5. Optionally seed a demo scenario
  6. Start the outbox processor, job scheduler and HTTP server

COMMAND-LINE FLAGS:
  -seed    Scenario to load at startup: "default" or a JSON file path

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections, wait for active requests
  2. Stop the job scheduler, waiting for a running job
  3. Stop the outbox processor
  4. Close the store and the Redis client
  All within 30s.

EXAMPLES:
  # Run with file database
  NEXUS_DATABASE_PATH=./data/nexus.db ./server

  # Throwaway demo
  NEXUS_DATABASE_PATH=:memory-store: ./server -seed=default

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/api"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/audit"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing/store"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/cache"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/config"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/factory"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/logger"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/metrics"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/notify"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/outbox"
	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/store/sqlite"
)

// memoryStorePath selects the in-memory store instead of SQLite.
const memoryStorePath = ":memory-store:"

// backend is what both store implementations provide.
type backend interface {
	billing.TxStore
	billing.OutboxStore
	billing.AuditLog
}

func main() {
	seed := flag.String("seed", "", `scenario to load at startup: "default" or a JSON file`)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log, *seed); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger, seed string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loc, err := cfg.Billing.Location()
	if err != nil {
		return err
	}
	clock := billing.SystemClock{Location: loc}

	// Store
	var db backend
	if cfg.Database.Path == memoryStorePath {
		db = store.NewMemory()
		log.Warn("using in-memory store, data is lost on exit")
	} else {
		s, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer s.Close()
		db = s
	}

	// Delivery
	prom := metrics.New()
	notifier := notify.New(notify.NewLogSender(log), cfg.Billing.NotificationFrom)

	processor := outbox.New(db, outbox.Config{
		BatchSize:        cfg.Outbox.BatchSize,
		PollInterval:     cfg.Outbox.PollInterval,
		CleanupEnabled:   true,
		CleanupRetention: cfg.Outbox.CleanupRetention,
	}, log.Named("outbox"))
	processor.Register("audit", audit.NewHandler(db))
	if cfg.Log.Level == "debug" {
		processor.Register("audit_log", audit.NewHandler(audit.NewLogSink(log)))
	}
	notifications := notify.NewEventHandler(notifier, log.Named("notify"))
	processor.Register("notify", notifications, notifications.EventTypes()...)

	// Services
	opts := billing.Options{
		Clock:      clock,
		Logger:     log,
		Metrics:    prom,
		Dispatcher: processor,
	}
	ledger := billing.NewLedger(db, opts)
	reconciler := billing.NewReconciler(db, ledger, opts)
	payments := billing.NewPaymentRecorder(db, ledger, opts)
	policies := billing.NewPolicyService(db, opts)
	memberships := billing.NewMembershipService(db, opts)

	var guard billing.SendGuard
	if cfg.Redis.Enabled {
		rg, err := cache.NewRedisGuard(cache.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.ReminderTTL,
		})
		if err != nil {
			return err
		}
		defer rg.Close()
		guard = rg
	} else {
		guard = cache.NewMemoryGuard(cfg.Redis.ReminderTTL)
	}
	reminders := billing.NewReminderScheduler(db, reconciler, notifier, opts,
		billing.WithSendGuard(guard),
		billing.WithDueSoonDays(cfg.Billing.DueSoonDays),
	)

	if seed != "" {
		sc, err := factory.LoadScenarioFile(seed)
		if err != nil {
			return err
		}
		seeder := factory.NewSeeder(db, policies, memberships, payments, clock, log)
		if _, err := seeder.Seed(ctx, sc); err != nil {
			return fmt.Errorf("failed to seed %q: %w", sc.ID, err)
		}
	}

	processor.Start(ctx)

	var jobs *api.JobScheduler
	if cfg.Scheduler.Enabled {
		jobs, err = api.NewJobScheduler(api.SchedulerConfig{
			ReconcileSpec: cfg.Scheduler.ReconcileCron,
			DueSoonSpec:   cfg.Scheduler.DueSoonReminderCron,
			OverdueSpec:   cfg.Scheduler.OverdueReminderCron,
			JobTimeout:    cfg.Scheduler.JobTimeout,
			Location:      loc,
		}, reconciler, reminders, log)
		if err != nil {
			return err
		}
		jobs.Start()
	}

	handler := api.NewHandler(reconciler, reminders, db, processor, log)
	if p, ok := db.(api.Pinger); ok {
		handler.DB = p
	}
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.HTTP.CORSAllowOrigins,
		Metrics:        prom.Handler(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("env", cfg.App.Env),
			zap.String("timezone", loc.String()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if jobs != nil {
		if err := jobs.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if err := processor.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("outbox: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	log.Info("server stopped")
	return nil
}
