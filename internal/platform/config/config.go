// Package config loads the single frozen configuration value the engine is
// constructed from. Per spec.md §9's "Duck-typed configuration objects"
// design note, there is exactly one Config struct, built once at startup;
// nothing downstream touches viper or the environment directly. Besides
// the engine options it carries Postgres, NATS and Redis connection
// settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the frozen, fully-typed configuration for a process. Each
// field is read from the environment variable named by its viper key,
// upper-cased with dots replaced by underscores (worker.concurrency ->
// WORKER_CONCURRENCY, job.soft_timeout -> JOB_SOFT_TIMEOUT). Duration
// options take Go duration strings such as "300s"; their variable names
// carry no unit suffix.
type Config struct {
	Database Database
	NATS     NATS
	Redis    Redis
	Worker   Worker
	Retry    Retry
	Idempotency Idempotency
	Validation  Validation
	Staging     Staging
	Alerting    Alerting
}

// NATS holds connection settings for the wake-signal and outbox-relay
// transport (C4/C10).
type NATS struct {
	URL string
}

// Redis holds connection settings for the idempotency manager's optional
// distributed-lock fast path (C3).
type Redis struct {
	Addr string
}

// Database holds Postgres connection settings for the durable store (C2).
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN builds the libpq connection string store.Open expects.
func (d Database) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// Worker holds job-fabric concurrency settings (C4).
type Worker struct {
	Concurrency     int
	Prefetch        int
	SoftTimeout     time.Duration
	HardTimeout     time.Duration
}

// Retry holds the default exponential-backoff parameters (C4).
type Retry struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	Multiplier    float64
	MaxDelay      time.Duration
}

// Idempotency holds C3 parameters.
type Idempotency struct {
	TTL           time.Duration
	MaxExecutions int
}

// Validation holds C5 tolerance parameters.
type Validation struct {
	Tolerance               string // decimal string, parsed by callers via shopspring/decimal
	AutoApproveConfidence   float64
	DuplicateAmountVariance string // decimal string, parsed by callers via shopspring/decimal
	DuplicateDateWindowDays int
}

// Staging holds C9 parameters.
type Staging struct {
	QualityThreshold int
	ApprovalTimeout  time.Duration
	RollbackWindow   time.Duration
}

// Alerting holds C10 parameters.
type Alerting struct {
	DeliverySLA time.Duration
}

// Load reads configuration from environment variables (the only source in
// production; viper.AutomaticEnv + a key replacer maps VIPER_-style nested
// keys like "database.host" onto DATABASE_HOST), applying spec.md §6's
// documented defaults for anything unset.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := Config{
		Database: Database{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			Database: v.GetString("database.database"),
			SSLMode:  v.GetString("database.sslmode"),
		},
		NATS: NATS{
			URL: v.GetString("nats.url"),
		},
		Redis: Redis{
			Addr: v.GetString("redis.addr"),
		},
		Worker: Worker{
			Concurrency: v.GetInt("worker.concurrency"),
			Prefetch:    v.GetInt("worker.prefetch"),
			SoftTimeout: v.GetDuration("job.soft_timeout"),
			HardTimeout: v.GetDuration("job.hard_timeout"),
		},
		Retry: Retry{
			MaxAttempts:  v.GetInt("retry.max_attempts"),
			InitialDelay: v.GetDuration("retry.initial_delay"),
			Multiplier:   v.GetFloat64("retry.multiplier"),
			MaxDelay:     v.GetDuration("retry.max_delay"),
		},
		Idempotency: Idempotency{
			TTL:           v.GetDuration("idempotency.ttl"),
			MaxExecutions: v.GetInt("idempotency.max_executions"),
		},
		Validation: Validation{
			Tolerance:               v.GetString("validation.tolerance"),
			AutoApproveConfidence:   v.GetFloat64("auto_approve.confidence"),
			DuplicateAmountVariance: v.GetString("validation.duplicate_amount_variance"),
			DuplicateDateWindowDays: v.GetInt("validation.duplicate_date_window_days"),
		},
		Staging: Staging{
			QualityThreshold: v.GetInt("staging.quality_threshold"),
			ApprovalTimeout:  v.GetDuration("staging.approval_timeout"),
			RollbackWindow:   v.GetDuration("staging.rollback_window"),
		},
		Alerting: Alerting{
			DeliverySLA: v.GetDuration("alert.delivery_sla"),
		},
	}

	return cfg, nil
}

// setDefaults binds spec.md §6's documented default values. Viper env keys
// use "_" nesting (WORKER_CONCURRENCY), so defaults are set with the same
// dotted keys viper normalizes internally.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.database", "ap_invoices")

	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.prefetch", 1)
	v.SetDefault("job.soft_timeout", 300*time.Second)
	v.SetDefault("job.hard_timeout", 600*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", 60*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", 600*time.Second)

	v.SetDefault("idempotency.ttl", 86400*time.Second)
	v.SetDefault("idempotency.max_executions", 3)

	v.SetDefault("validation.tolerance", "0.01")
	v.SetDefault("auto_approve.confidence", 0.85)
	v.SetDefault("validation.duplicate_amount_variance", "0.01")
	v.SetDefault("validation.duplicate_date_window_days", 3)

	v.SetDefault("staging.quality_threshold", 70)
	v.SetDefault("staging.approval_timeout", 72*time.Hour)
	v.SetDefault("staging.rollback_window", 24*time.Hour)

	v.SetDefault("alert.delivery_sla", 30*time.Second)
}
