package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbook/internal/idempotency/domain"
	"github.com/smallbiznis/slotbook/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEvent(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, providerEventID string) (*domain.WebhookEvent, error) {
	var item domain.WebhookEvent
	err := conn.WithContext(ctx).Raw(
		`SELECT id, tenant_id, provider, provider_event_id, event_type, status, error_message,
			attempts, payload, received_at, processed_at, updated_at
		 FROM webhook_events
		 WHERE tenant_id = ? AND provider_event_id = ?
		 LIMIT 1`,
		tenantID,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// FindEventOwners lists the tenants that recorded a provider event id.
func (r *repo) FindEventOwners(ctx context.Context, conn *gorm.DB, providerEventID string) ([]snowflake.ID, error) {
	var owners []snowflake.ID
	err := conn.WithContext(ctx).Raw(
		`SELECT tenant_id
		 FROM webhook_events
		 WHERE provider_event_id = ?
		 ORDER BY received_at
		 LIMIT 16`,
		providerEventID,
	).Scan(&owners).Error
	if err != nil {
		return nil, err
	}
	return owners, nil
}

func (r *repo) InsertEvent(ctx context.Context, conn *gorm.DB, event *domain.WebhookEvent) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			id, tenant_id, provider, provider_event_id, event_type, status,
			attempts, payload, received_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, provider_event_id) DO NOTHING`,
		event.ID,
		event.TenantID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		string(event.Status),
		event.Attempts,
		event.Payload,
		event.ReceivedAt,
		event.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReclaimEvent moves a FAILED event, or a RECEIVED event abandoned before staleBefore, back to RECEIVED.
func (r *repo) ReclaimEvent(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, providerEventID string, staleBefore, now time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, attempts = attempts + 1, error_message = NULL, updated_at = ?
		 WHERE tenant_id = ? AND provider_event_id = ?
		   AND (status = ? OR (status = ? AND updated_at < ?))`,
		string(domain.EventStatusReceived),
		now,
		tenantID,
		providerEventID,
		string(domain.EventStatusFailed),
		string(domain.EventStatusReceived),
		staleBefore,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkProcessed(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, providerEventID string, now time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, processed_at = ?, error_message = NULL, updated_at = ?
		 WHERE tenant_id = ? AND provider_event_id = ?`,
		string(domain.EventStatusProcessed),
		now,
		now,
		tenantID,
		providerEventID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, providerEventID, reason string, now time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, error_message = ?, updated_at = ?
		 WHERE tenant_id = ? AND provider_event_id = ? AND status <> ?`,
		string(domain.EventStatusFailed),
		reason,
		now,
		tenantID,
		providerEventID,
		string(domain.EventStatusProcessed),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindResponse(ctx context.Context, conn *gorm.DB, key string, now time.Time) (*domain.CachedResponse, error) {
	var item domain.CachedResponse
	err := conn.WithContext(ctx).Raw(
		`SELECT cache_key, tenant_id, scope, response, created_at, expires_at
		 FROM idempotency_keys
		 WHERE cache_key = ? AND expires_at > ?
		 LIMIT 1`,
		key,
		now,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.Key == "" {
		return nil, nil
	}
	return &item, nil
}

// UpsertResponse stores a response. A live entry is never overwritten; an expired one is replaced.
func (r *repo) UpsertResponse(ctx context.Context, conn *gorm.DB, item *domain.CachedResponse) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO idempotency_keys (cache_key, tenant_id, scope, response, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cache_key) DO UPDATE
		 SET response = excluded.response,
		     created_at = excluded.created_at,
		     expires_at = excluded.expires_at
		 WHERE idempotency_keys.expires_at <= excluded.created_at`,
		item.Key,
		item.TenantID,
		string(item.Scope),
		item.Response,
		item.CreatedAt,
		item.ExpiresAt,
	).Error
}

func (r *repo) DeleteExpired(ctx context.Context, conn *gorm.DB, now time.Time, limit int) (int64, error) {
	query := `DELETE FROM idempotency_keys
		 WHERE cache_key IN (
			SELECT cache_key FROM idempotency_keys
			WHERE expires_at <= ?
			ORDER BY expires_at
			LIMIT ?
		 )`
	if db.IsPostgres(conn) {
		query = `DELETE FROM idempotency_keys
		 WHERE cache_key IN (
			SELECT cache_key FROM idempotency_keys
			WHERE expires_at <= ?
			ORDER BY expires_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		 )`
	}
	res := conn.WithContext(ctx).Exec(query, now, limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
