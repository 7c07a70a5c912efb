package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	idempotencydomain "github.com/smallbiznis/slotbook/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/slotbook/internal/observability/metrics"
	"go.uber.org/zap"
)

// OutboxDispatchJob drains committed outbox events to the publisher, batch by batch,
// until the backlog is empty or the per-run bound is reached.
func (s *Scheduler) OutboxDispatchJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	schedMetrics := obsmetrics.Scheduler()

	for i := 0; i < s.cfg.MaxBatchesPerRun; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := s.dispatcher.DispatchBatch(ctx, s.cfg.OutboxBatchSize)
		schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceOutboxForDispatch, result.LockWait)
		if err != nil {
			s.logSchedulerError(ctx, run, "outbox dispatch failed", JobOutboxDispatch, 0, err,
				zap.Int("claimed", result.Claimed),
			)
			return err
		}
		if result.Claimed == 0 {
			if i == 0 {
				schedMetrics.IncBatchDeferred(JobOutboxDispatch, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
			}
			return nil
		}
		run.AddProcessed(result.Published)
		schedMetrics.AddBatchProcessed(JobOutboxDispatch, "outbox_events", result.Published)
		if result.Claimed < s.cfg.OutboxBatchSize {
			return nil
		}
	}
	return nil
}

// IdempotencySweepJob deletes expired idempotency keys in bounded batches.
// Webhook event records are permanent and never swept.
func (s *Scheduler) IdempotencySweepJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	schedMetrics := obsmetrics.Scheduler()
	now := s.clock.Now().UTC()

	for i := 0; i < s.cfg.MaxBatchesPerRun; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		deleted, err := s.idempotency.Sweep(ctx, now, s.cfg.SweepBatchSize)
		schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceIdempotencyForSweep, time.Since(start))
		if err != nil {
			s.logSchedulerError(ctx, run, "idempotency sweep failed", JobIdempotencySweep, 0, err)
			return err
		}
		run.AddProcessed(int(deleted))
		schedMetrics.AddBatchProcessed(JobIdempotencySweep, "idempotency_keys", int(deleted))
		if deleted < int64(s.cfg.SweepBatchSize) {
			return nil
		}
	}
	return nil
}

type staleClaims struct {
	TenantID snowflake.ID
	Count    int64
}

// StaleWebhookClaimsJob reports webhook events left RECEIVED by a worker that went
// away. The next provider redelivery reclaims them.
func (s *Scheduler) StaleWebhookClaimsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	cutoff := s.clock.Now().UTC().Add(-s.cfg.StaleClaimAfter)

	start := time.Now()
	rows, err := s.staleWebhookClaims(ctx, cutoff, s.cfg.SweepBatchSize)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceWebhookForSweep, time.Since(start))
	if err != nil {
		s.logSchedulerError(ctx, run, "stale webhook claim scan failed", JobStaleWebhookClaims, 0, err)
		return err
	}

	var total int64
	for _, row := range rows {
		total += row.Count
		s.logger(s.withLogContext(ctx, row.TenantID)).Warn("webhook events stuck in received",
			zap.String("tenant_id", row.TenantID.String()),
			zap.Int64("count", row.Count),
			zap.Time("cutoff", cutoff),
		)
	}
	run.AddProcessed(int(total))
	obsmetrics.Scheduler().AddBatchProcessed(JobStaleWebhookClaims, "webhook_events", int(total))
	return nil
}

func (s *Scheduler) staleWebhookClaims(ctx context.Context, cutoff time.Time, limit int) ([]staleClaims, error) {
	var rows []staleClaims
	err := s.db.WithContext(ctx).Raw(
		`SELECT tenant_id, COUNT(*) AS count
		 FROM webhook_events
		 WHERE status = ? AND updated_at < ?
		 GROUP BY tenant_id
		 ORDER BY tenant_id
		 LIMIT ?`,
		string(idempotencydomain.EventStatusReceived),
		cutoff,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
