package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrTenantMismatch = errors.New("tenant_mismatch")
	ErrEventInFlight  = errors.New("event_in_flight")
	ErrInvalidEvent   = errors.New("invalid_event")
	ErrInvalidKey     = errors.New("invalid_idempotency_key")
)

type EventStatus string

const (
	EventStatusReceived  EventStatus = "RECEIVED"
	EventStatusProcessed EventStatus = "PROCESSED"
	EventStatusFailed    EventStatus = "FAILED"
)

// Scope partitions the idempotency cache by operation.
type Scope string

const (
	ScopeWebhook Scope = "webhook"
	ScopeReserve Scope = "reserve"
)

// WebhookEvent is the permanent record of one provider event for one tenant.
type WebhookEvent struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	TenantID        snowflake.ID   `json:"tenant_id" gorm:"not null;uniqueIndex:ux_webhook_events_tenant_event,priority:1"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_webhook_events_tenant_event,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Status          EventStatus    `json:"status" gorm:"type:text;not null"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	Attempts        int            `json:"attempts" gorm:"not null"`
	Payload         datatypes.JSON `json:"payload,omitempty" gorm:"type:jsonb"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// CachedResponse is an expiring idempotency record. Key always carries the tenant prefix.
type CachedResponse struct {
	Key       string       `json:"key" gorm:"column:cache_key;primaryKey"`
	TenantID  snowflake.ID `json:"tenant_id" gorm:"not null"`
	Scope     Scope        `json:"scope" gorm:"type:text;not null"`
	Response  []byte       `json:"response" gorm:"not null"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
	ExpiresAt time.Time    `json:"expires_at" gorm:"not null;index"`
}

func (CachedResponse) TableName() string { return "idempotency_keys" }

// Claim is the outcome of recording a webhook event delivery.
type Claim int

const (
	// ClaimNew means this delivery inserted the event and owns processing.
	ClaimNew Claim = iota + 1
	// ClaimRetry means a failed or stale event was moved back to RECEIVED by this delivery.
	ClaimRetry
	// ClaimProcessed means the event already completed. Callers replay the cached
	// response and only reprocess once that response has expired.
	ClaimProcessed
	// ClaimInFlight means another worker owns the event; the caller defers.
	ClaimInFlight
)

func (c Claim) String() string {
	switch c {
	case ClaimNew:
		return "new"
	case ClaimRetry:
		return "retry"
	case ClaimProcessed:
		return "processed"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Owns reports whether the caller should process the event.
func (c Claim) Owns() bool {
	return c == ClaimNew || c == ClaimRetry || c == ClaimProcessed
}

type RecordEventRequest struct {
	TenantID        snowflake.ID
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, providerEventID string) (*WebhookEvent, error)
	FindEventOwners(ctx context.Context, db *gorm.DB, providerEventID string) ([]snowflake.ID, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)
	ReclaimEvent(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, providerEventID string, staleBefore, now time.Time) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, providerEventID string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, providerEventID, reason string, now time.Time) (bool, error)

	FindResponse(ctx context.Context, db *gorm.DB, key string, now time.Time) (*CachedResponse, error)
	UpsertResponse(ctx context.Context, db *gorm.DB, item *CachedResponse) error
	DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) (int64, error)
}

type Service interface {
	IsDuplicate(ctx context.Context, tenantID snowflake.ID, providerEventID string) (bool, error)
	RecordEvent(ctx context.Context, db *gorm.DB, req RecordEventRequest) (*WebhookEvent, Claim, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, providerEventID string) error
	MarkFailed(ctx context.Context, tenantID snowflake.ID, providerEventID, reason string) error

	Lookup(ctx context.Context, tenantID snowflake.ID, scope Scope, key string) ([]byte, bool, error)
	Store(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, scope Scope, key string, response []byte, ttl time.Duration) error
	Sweep(ctx context.Context, now time.Time, limit int) (int64, error)
}
