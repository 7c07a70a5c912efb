package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbook/internal/clock"
	"github.com/smallbiznis/slotbook/internal/config"
	obsmetrics "github.com/smallbiznis/slotbook/internal/observability/metrics"
	"github.com/smallbiznis/slotbook/pkg/db"
	"github.com/smallbiznis/slotbook/pkg/telemetry"
	"github.com/smallbiznis/slotbook/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultDispatchBatch = 100
	maxPublishAttempts   = 10
	maxLastErrorLen      = 512
)

type DispatcherParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Publisher Publisher
	Clock     clock.Clock
	Cfg       config.Config
	Metrics   *telemetry.OutboxMetrics `optional:"true"`
}

type Dispatcher struct {
	db        *gorm.DB
	log       *zap.Logger
	publisher Publisher
	clock     clock.Clock
	batchSize int
	metrics   *telemetry.OutboxMetrics
}

// DispatchResult summarizes one dispatch batch.
type DispatchResult struct {
	Claimed   int
	Published int
	LockWait  time.Duration
}

// envelope is the value written to the broker.
type envelope struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	batch := p.Cfg.Outbox.BatchSize
	if batch <= 0 {
		batch = defaultDispatchBatch
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Dispatcher{
		db:        p.DB,
		log:       p.Log.Named("events.dispatcher"),
		publisher: p.Publisher,
		clock:     clk,
		batchSize: batch,
		metrics:   p.Metrics,
	}
}

// DispatchBatch claims up to limit unpublished events, publishes them and marks the outcome.
// Rows stay claimed for the whole transaction so concurrent dispatchers skip them on postgres.
func (d *Dispatcher) DispatchBatch(ctx context.Context, limit int) (DispatchResult, error) {
	if limit <= 0 {
		limit = d.batchSize
	}
	start := time.Now()
	var (
		result     DispatchResult
		publishErr error
	)

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		records, err := d.claimPending(ctx, tx, limit)
		result.LockWait = time.Since(lockStart)
		if err != nil {
			return err
		}
		result.Claimed = len(records)
		d.metrics.SetOutboxBacklog(float64(len(records)))
		if len(records) == 0 {
			return nil
		}

		msgs := make([]Message, 0, len(records))
		ids := make([]snowflake.ID, 0, len(records))
		for _, rec := range records {
			msg, err := d.toMessage(ctx, rec)
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
			ids = append(ids, rec.ID)
		}

		now := d.clock.Now().UTC()
		if pubErr := d.publisher.Publish(ctx, msgs...); pubErr != nil {
			for _, rec := range records {
				d.metrics.RecordPublishFailure(rec.EventType, rec.TenantID.String())
			}
			reason := pubErr.Error()
			if len(reason) > maxLastErrorLen {
				reason = reason[:maxLastErrorLen]
			}
			if err := tx.WithContext(ctx).Exec(
				`UPDATE outbox_events SET attempts = attempts + 1, last_error = ? WHERE id IN ?`,
				reason,
				ids,
			).Error; err != nil {
				return err
			}
			d.log.Warn("outbox publish failed",
				zap.Int("events", len(records)),
				zap.Error(pubErr),
			)
			// keep the attempt counters; the failure is reported after commit
			publishErr = pubErr
			return nil
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE outbox_events SET published_at = ?, attempts = attempts + 1, last_error = NULL WHERE id IN ?`,
			now,
			ids,
		).Error; err != nil {
			return err
		}
		for _, rec := range records {
			d.metrics.RecordPublished(rec.EventType, rec.TenantID.String())
		}
		result.Published = len(records)
		return nil
	})

	switch {
	case err != nil:
		d.metrics.RecordOutboxBatch("error", time.Since(start))
		return result, err
	case publishErr != nil:
		d.metrics.RecordOutboxBatch("failed", time.Since(start))
		return result, fmt.Errorf("%w: %d events: %v", obsmetrics.ErrPublishFailed, result.Claimed, publishErr)
	case result.Claimed == 0:
		d.metrics.RecordOutboxBatch("empty", time.Since(start))
	default:
		d.metrics.RecordOutboxBatch("published", time.Since(start))
	}
	return result, nil
}

func (d *Dispatcher) claimPending(ctx context.Context, tx *gorm.DB, limit int) ([]Record, error) {
	query := `SELECT id, tenant_id, event_type, payload, dedupe_key, attempts, last_error, created_at, published_at
		 FROM outbox_events
		 WHERE published_at IS NULL AND attempts < ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`
	if db.IsPostgres(tx) {
		query = `SELECT id, tenant_id, event_type, payload, dedupe_key, attempts, last_error, created_at, published_at
		 FROM outbox_events
		 WHERE published_at IS NULL AND attempts < ?
		 ORDER BY created_at ASC, id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`
	}

	var records []Record
	if err := tx.WithContext(ctx).Raw(query, maxPublishAttempts, limit).Scan(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Dispatcher) toMessage(ctx context.Context, rec Record) (Message, error) {
	payload := json.RawMessage(rec.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	value, err := json.Marshal(envelope{
		ID:        rec.ID.String(),
		TenantID:  rec.TenantID.String(),
		Type:      rec.EventType,
		Payload:   payload,
		CreatedAt: rec.CreatedAt.UTC(),
	})
	if err != nil {
		return Message{}, err
	}

	headers := correlation.MessageHeaders(ctx, d.clock.Now())
	headers["event_type"] = rec.EventType
	headers["tenant_id"] = rec.TenantID.String()
	headers["dedupe_key"] = rec.DedupeKey

	return Message{
		Key:       rec.TenantID.String(),
		Value:     value,
		Headers:   headers,
		Timestamp: rec.CreatedAt.UTC(),
	}, nil
}

// Pending returns unpublished records for a tenant, oldest first.
func (d *Dispatcher) Pending(ctx context.Context, tenantID snowflake.ID) ([]Record, error) {
	var records []Record
	err := d.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, event_type, payload, dedupe_key, attempts, last_error, created_at, published_at
		 FROM outbox_events
		 WHERE tenant_id = ? AND published_at IS NULL
		 ORDER BY created_at ASC, id ASC`,
		tenantID,
	).Scan(&records).Error
	return records, err
}

