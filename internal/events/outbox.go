package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbook/internal/clock"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventBookingReserved      = "booking.reserved"
	EventBookingConfirmed     = "booking.confirmed"
	EventBookingPaymentFailed = "booking.payment_failed"
	EventBookingCancelled     = "booking.cancelled"
	EventBookingRefunded      = "booking.refunded"
	EventLedgerEntryCreated   = "ledger.entry_created"
)

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidEventType = errors.New("invalid_event_type")
	ErrInvalidDedupeKey = errors.New("invalid_dedupe_key")
)

// Event is a domain event written to the outbox in the caller's transaction.
type Event struct {
	TenantID  snowflake.ID
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// Record is a persisted outbox row.
type Record struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	TenantID    snowflake.ID   `gorm:"not null;uniqueIndex:ux_outbox_events_tenant_dedupe,priority:1"`
	EventType   string         `gorm:"type:text;not null"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null"`
	DedupeKey   string         `gorm:"type:text;not null;uniqueIndex:ux_outbox_events_tenant_dedupe,priority:2"`
	Attempts    int            `gorm:"not null;default:0"`
	LastError   *string        `gorm:"type:text"`
	CreatedAt   time.Time      `gorm:"not null"`
	PublishedAt *time.Time
}

// TableName sets the database table name.
func (Record) TableName() string { return "outbox_events" }

type Outbox struct {
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(genID *snowflake.Node, clk clock.Clock) *Outbox {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Outbox{genID: genID, clock: clk}
}

// PublishTx stores the event in tx. A repeated dedupe key for the same tenant is ignored.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, evt Event) error {
	if evt.TenantID == 0 {
		return ErrInvalidTenant
	}
	evt.Type = strings.TrimSpace(evt.Type)
	if evt.Type == "" {
		return ErrInvalidEventType
	}
	evt.DedupeKey = strings.TrimSpace(evt.DedupeKey)
	if evt.DedupeKey == "" {
		return ErrInvalidDedupeKey
	}

	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return tx.WithContext(ctx).Exec(
		`INSERT INTO outbox_events (id, tenant_id, event_type, payload, dedupe_key, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT (tenant_id, dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		evt.TenantID,
		evt.Type,
		datatypes.JSON(raw),
		evt.DedupeKey,
		o.clock.Now().UTC(),
	).Error
}
