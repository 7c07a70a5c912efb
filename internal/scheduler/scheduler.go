package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbook/internal/clock"
	"github.com/smallbiznis/slotbook/internal/events"
	idempotencydomain "github.com/smallbiznis/slotbook/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/slotbook/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Idempotency idempotencydomain.Service
	Dispatcher  *events.Dispatcher
	Config      Config `optional:"true"`
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	idempotency idempotencydomain.Service
	dispatcher  *events.Dispatcher

	mu        sync.Mutex
	lastSweep time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Idempotency == nil || p.Dispatcher == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		idempotency: p.Idempotency,
		dispatcher:  p.Dispatcher,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Due  bool
		Run  func(context.Context) error
	}{
		{JobOutboxDispatch, true, func(ctx context.Context) error {
			return s.runJob(ctx, JobOutboxDispatch, s.cfg.OutboxBatchSize, s.cfg.JobTimeout, s.OutboxDispatchJob)
		}},
		{JobIdempotencySweep, s.sweepDue(), func(ctx context.Context) error {
			return s.runJob(ctx, JobIdempotencySweep, s.cfg.SweepBatchSize, s.cfg.JobTimeout, s.IdempotencySweepJob)
		}},
		{JobStaleWebhookClaims, s.sweepDue(), func(ctx context.Context) error {
			return s.runJob(ctx, JobStaleWebhookClaims, s.cfg.SweepBatchSize, s.cfg.JobTimeout, s.StaleWebhookClaimsJob)
		}},
	}

	sweepRan := false
	for _, job := range jobs {
		if !job.Due || !s.isJobEnabled(job.Name) {
			continue
		}
		if job.Name == JobIdempotencySweep {
			sweepRan = true
		}
		err = errors.Join(err, job.Run(parent))
	}
	if sweepRan {
		s.mu.Lock()
		s.lastSweep = s.clock.Now()
		s.mu.Unlock()
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) sweepDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep.IsZero() || s.clock.Now().Sub(s.lastSweep) >= s.cfg.SweepInterval
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs in this process
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}
