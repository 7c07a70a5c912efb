package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbook/internal/clock"
	"github.com/smallbiznis/slotbook/internal/config"
	"github.com/smallbiznis/slotbook/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/slotbook/internal/observability/metrics"
	tenantdomain "github.com/smallbiznis/slotbook/internal/tenant/domain"
	tenantsvc "github.com/smallbiznis/slotbook/internal/tenant/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxErrorMessageLen = 512

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    domain.Repository
	Clock   clock.Clock
	Cfg     config.Config
	Metrics *obsmetrics.BookingMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	clock      clock.Clock
	ttl        time.Duration
	staleAfter time.Duration
	sweepBatch int
	metrics    *obsmetrics.BookingMetrics
}

func NewService(p Params) domain.Service {
	ttl := p.Cfg.Idempotency.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	staleAfter := p.Cfg.Idempotency.StaleClaimAfter
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	sweepBatch := p.Cfg.Idempotency.SweepBatch
	if sweepBatch <= 0 {
		sweepBatch = 500
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("idempotency.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      clk,
		ttl:        ttl,
		staleAfter: staleAfter,
		sweepBatch: sweepBatch,
		metrics:    p.Metrics,
	}
}

// IsDuplicate reports whether the tenant already recorded the event. A record owned only
// by other tenants is a tenant mismatch: it is logged and counted, never reported as duplicate.
func (s *Service) IsDuplicate(ctx context.Context, tenantID snowflake.ID, providerEventID string) (bool, error) {
	if tenantID == 0 {
		return false, tenantdomain.ErrTenantRequired
	}
	providerEventID = strings.TrimSpace(providerEventID)
	if providerEventID == "" {
		return false, domain.ErrInvalidEvent
	}

	own, err := s.repo.FindEvent(ctx, s.db, tenantID, providerEventID)
	if err != nil {
		return false, err
	}
	if own != nil {
		return true, nil
	}

	owners, err := s.repo.FindEventOwners(ctx, s.db, providerEventID)
	if err != nil {
		return false, err
	}
	if len(owners) == 0 {
		return false, nil
	}

	s.log.Warn("webhook event recorded under another tenant",
		zap.String("tenant_id", tenantID.String()),
		zap.String("provider_event_id", providerEventID),
		zap.Int("other_tenants", len(owners)),
		zap.Error(domain.ErrTenantMismatch),
	)
	s.metrics.IncTenantMismatch("webhook_event")
	return false, nil
}

// RecordEvent inserts the delivery or resolves who owns it when the insert races.
func (s *Service) RecordEvent(ctx context.Context, conn *gorm.DB, req domain.RecordEventRequest) (*domain.WebhookEvent, domain.Claim, error) {
	if req.TenantID == 0 {
		return nil, 0, tenantdomain.ErrTenantRequired
	}
	req.ProviderEventID = strings.TrimSpace(req.ProviderEventID)
	req.Provider = strings.TrimSpace(req.Provider)
	if req.ProviderEventID == "" || req.Provider == "" {
		return nil, 0, domain.ErrInvalidEvent
	}
	if conn == nil {
		conn = s.db
	}

	now := s.clock.Now().UTC()
	event := &domain.WebhookEvent{
		ID:              s.genID.Generate(),
		TenantID:        req.TenantID,
		Provider:        req.Provider,
		ProviderEventID: req.ProviderEventID,
		EventType:       strings.TrimSpace(req.EventType),
		Status:          domain.EventStatusReceived,
		Attempts:        1,
		Payload:         req.Payload,
		ReceivedAt:      now,
		UpdatedAt:       now,
	}

	inserted, err := s.repo.InsertEvent(ctx, conn, event)
	if err != nil {
		return nil, 0, err
	}
	if inserted {
		return event, domain.ClaimNew, nil
	}

	reclaimed, err := s.repo.ReclaimEvent(ctx, conn, req.TenantID, req.ProviderEventID, now.Add(-s.staleAfter), now)
	if err != nil {
		return nil, 0, err
	}
	existing, err := s.repo.FindEvent(ctx, conn, req.TenantID, req.ProviderEventID)
	if err != nil {
		return nil, 0, err
	}
	if existing == nil {
		return nil, 0, fmt.Errorf("webhook event %s missing after conflict", req.ProviderEventID)
	}

	switch {
	case reclaimed:
		s.log.Info("webhook event reclaimed",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("provider_event_id", req.ProviderEventID),
			zap.Int("attempts", existing.Attempts),
		)
		return existing, domain.ClaimRetry, nil
	case existing.Status == domain.EventStatusProcessed:
		return existing, domain.ClaimProcessed, nil
	default:
		return existing, domain.ClaimInFlight, nil
	}
}

func (s *Service) MarkProcessed(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, providerEventID string) error {
	if tenantID == 0 {
		return tenantdomain.ErrTenantRequired
	}
	if conn == nil {
		conn = s.db
	}
	updated, err := s.repo.MarkProcessed(ctx, conn, tenantID, providerEventID, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !updated {
		return fmt.Errorf("mark processed %s: %w", providerEventID, gorm.ErrRecordNotFound)
	}
	return nil
}

// MarkFailed records the failure on its own connection so it survives the rolled back processing transaction.
func (s *Service) MarkFailed(ctx context.Context, tenantID snowflake.ID, providerEventID, reason string) error {
	if tenantID == 0 {
		return tenantdomain.ErrTenantRequired
	}
	if len(reason) > maxErrorMessageLen {
		reason = reason[:maxErrorMessageLen]
	}
	updated, err := s.repo.MarkFailed(ctx, s.db, tenantID, providerEventID, reason, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !updated {
		s.log.Debug("mark failed skipped",
			zap.String("tenant_id", tenantID.String()),
			zap.String("provider_event_id", providerEventID),
		)
	}
	return nil
}

// Lookup returns the cached response for a tenant-scoped key. Expired entries are misses.
func (s *Service) Lookup(ctx context.Context, tenantID snowflake.ID, scope domain.Scope, key string) ([]byte, bool, error) {
	fullKey, err := scopedKey(tenantID, scope, key)
	if err != nil {
		return nil, false, err
	}

	item, err := s.repo.FindResponse(ctx, s.db, fullKey, s.clock.Now().UTC())
	if err != nil {
		return nil, false, err
	}
	if item == nil {
		return nil, false, nil
	}
	if item.TenantID != tenantID {
		s.log.Warn("idempotency record owned by another tenant",
			zap.String("tenant_id", tenantID.String()),
			zap.String("scope", string(scope)),
			zap.Error(domain.ErrTenantMismatch),
		)
		s.metrics.IncTenantMismatch("idempotency_key")
		return nil, false, nil
	}
	return item.Response, true, nil
}

func (s *Service) Store(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, scope domain.Scope, key string, response []byte, ttl time.Duration) error {
	fullKey, err := scopedKey(tenantID, scope, key)
	if err != nil {
		return err
	}
	if conn == nil {
		conn = s.db
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := s.clock.Now().UTC()
	return s.repo.UpsertResponse(ctx, conn, &domain.CachedResponse{
		Key:       fullKey,
		TenantID:  tenantID,
		Scope:     scope,
		Response:  response,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
}

// Sweep deletes up to limit expired idempotency keys. Webhook events are never touched.
func (s *Service) Sweep(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = s.sweepBatch
	}
	deleted, err := s.repo.DeleteExpired(ctx, s.db, now.UTC(), limit)
	if err != nil {
		return 0, err
	}
	s.metrics.AddIdempotencySwept(deleted)
	if deleted > 0 {
		s.log.Debug("idempotency keys swept", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

func scopedKey(tenantID snowflake.ID, scope domain.Scope, key string) (string, error) {
	if tenantID == 0 {
		return "", tenantdomain.ErrTenantRequired
	}
	key = strings.TrimSpace(key)
	if key == "" || scope == "" {
		return "", domain.ErrInvalidKey
	}
	return tenantsvc.ScopedKey(tenantID, string(scope), key), nil
}
