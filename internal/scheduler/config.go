package scheduler

import (
	"time"

	"github.com/smallbiznis/slotbook/internal/config"
)

const (
	JobOutboxDispatch     = "outbox_dispatch"
	JobIdempotencySweep   = "idempotency_sweep"
	JobStaleWebhookClaims = "stale_webhook_claims"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval     time.Duration
	SweepInterval   time.Duration
	SweepBatchSize  int
	OutboxBatchSize int
	// MaxBatchesPerRun bounds how long one job may keep draining a backlog.
	MaxBatchesPerRun int
	StaleClaimAfter  time.Duration
	JobTimeout       time.Duration
	EnabledJobs      []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      5 * time.Second,
		SweepInterval:    time.Hour,
		SweepBatchSize:   500,
		OutboxBatchSize:  100,
		MaxBatchesPerRun: 20,
		StaleClaimAfter:  5 * time.Minute,
		JobTimeout:       30 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:     cfg.Scheduler.RunInterval,
		SweepInterval:   cfg.Idempotency.SweepInterval,
		SweepBatchSize:  cfg.Idempotency.SweepBatch,
		OutboxBatchSize: cfg.Outbox.BatchSize,
		StaleClaimAfter: cfg.Idempotency.StaleClaimAfter,
		EnabledJobs:     cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaults.SweepBatchSize
	}
	if c.OutboxBatchSize <= 0 {
		c.OutboxBatchSize = defaults.OutboxBatchSize
	}
	if c.MaxBatchesPerRun <= 0 {
		c.MaxBatchesPerRun = defaults.MaxBatchesPerRun
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = defaults.StaleClaimAfter
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
