package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Log       LogConfig
	Billing   BillingConfig
	Scheduler SchedulerConfig
	Outbox    OutboxConfig
	Redis     RedisConfig
	HTTP      HTTPConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string // SQLite file path, ":memory:" for a throwaway database
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// BillingConfig holds billing engine settings
type BillingConfig struct {
	Timezone         string // calendar of due dates and reminder days
	DueSoonDays      int
	NotificationFrom string
}

// Location loads the billing timezone.
func (c BillingConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// SchedulerConfig holds the periodic job schedules (standard 5-field cron)
type SchedulerConfig struct {
	Enabled             bool
	ReconcileCron       string
	DueSoonReminderCron string
	OverdueReminderCron string
	JobTimeout          time.Duration
}

// OutboxConfig holds outbox processor settings
type OutboxConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	CleanupRetention time.Duration
}

// RedisConfig holds Redis connection settings for the reminder send guard
type RedisConfig struct {
	Enabled     bool
	Host        string
	Port        int
	Password    string
	DB          int
	ReminderTTL time.Duration
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	CORSAllowOrigins []string
}

// Load reads configuration from an optional .env file, an optional
// config.{yaml,toml} and NEXUS_* environment variables, in increasing
// order of precedence.
func Load() (*Config, error) {
	// A missing .env is fine: variables then come from the environment.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nexus")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Billing: BillingConfig{
			Timezone:         v.GetString("billing.timezone"),
			DueSoonDays:      v.GetInt("billing.due_soon_days"),
			NotificationFrom: v.GetString("billing.notification_from"),
		},
		Scheduler: SchedulerConfig{
			Enabled:             v.GetBool("scheduler.enabled"),
			ReconcileCron:       v.GetString("scheduler.reconcile_cron"),
			DueSoonReminderCron: v.GetString("scheduler.due_soon_reminder_cron"),
			OverdueReminderCron: v.GetString("scheduler.overdue_reminder_cron"),
			JobTimeout:          v.GetDuration("scheduler.job_timeout"),
		},
		Outbox: OutboxConfig{
			PollInterval:     v.GetDuration("outbox.poll_interval"),
			BatchSize:        v.GetInt("outbox.batch_size"),
			CleanupRetention: v.GetDuration("outbox.cleanup_retention"),
		},
		Redis: RedisConfig{
			Enabled:     v.GetBool("redis.enabled"),
			Host:        v.GetString("redis.host"),
			Port:        v.GetInt("redis.port"),
			Password:    v.GetString("redis.password"),
			DB:          v.GetInt("redis.db"),
			ReminderTTL: v.GetDuration("redis.reminder_ttl"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "campus-nexus")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")

	v.SetDefault("database.path", "nexus.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("billing.timezone", "Africa/Kampala")
	v.SetDefault("billing.due_soon_days", 3)
	v.SetDefault("billing.notification_from", "Campus Nexus <no-reply@campusnexus.local>")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.reconcile_cron", "15 0 * * *")
	v.SetDefault("scheduler.due_soon_reminder_cron", "0 8 * * *")
	v.SetDefault("scheduler.overdue_reminder_cron", "30 8 * * *")
	v.SetDefault("scheduler.job_timeout", 10*time.Minute)

	v.SetDefault("outbox.poll_interval", 5*time.Second)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.cleanup_retention", 7*24*time.Hour)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.reminder_ttl", 36*time.Hour)

	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 60*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.cors_allow_origins", []string{"http://localhost:5173", "http://localhost:8080"})
}

func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := c.Billing.Location(); err != nil {
		return fmt.Errorf("billing.timezone %q: %w", c.Billing.Timezone, err)
	}
	if c.Billing.DueSoonDays < 0 {
		return fmt.Errorf("billing.due_soon_days cannot be negative")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be positive")
	}
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox.poll_interval must be positive")
	}

	if c.Scheduler.Enabled {
		specs := map[string]string{
			"scheduler.reconcile_cron":         c.Scheduler.ReconcileCron,
			"scheduler.due_soon_reminder_cron": c.Scheduler.DueSoonReminderCron,
			"scheduler.overdue_reminder_cron":  c.Scheduler.OverdueReminderCron,
		}
		for key, spec := range specs {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("%s %q: %w", key, spec, err)
			}
		}
	}

	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required when redis is enabled")
	}
	return nil
}

// IsProduction reports whether the app runs in production.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
