// Package dbtest opens isolated in-memory SQLite databases carrying the slotbook schema.
package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var seq atomic.Int64

// Schema mirrors the postgres migrations with SQLite types. Partial unique
// indexes are kept so constraint fallbacks behave the same way.
var Schema = []string{
	`CREATE TABLE tenants (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		commission_percent NUMERIC NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'USD',
		is_active BOOLEAN NOT NULL DEFAULT 1,
		payment_onboarded BOOLEAN NOT NULL DEFAULT 0,
		daily_reservation_limit INTEGER NOT NULL DEFAULT 0,
		webhook_secret TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE bookings (
		id INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL,
		event_date DATE NOT NULL,
		customer_name TEXT NOT NULL,
		customer_email TEXT NOT NULL,
		customer_phone TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL,
		total_amount INTEGER NOT NULL,
		commission_amount INTEGER NOT NULL,
		commission_rate NUMERIC NOT NULL,
		commission_clamped BOOLEAN NOT NULL DEFAULT 0,
		commission_bound TEXT NOT NULL DEFAULT '',
		refunded_amount INTEGER NOT NULL DEFAULT 0,
		refunded_commission INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		payment_session_id TEXT,
		payment_intent_id TEXT,
		line_items TEXT NOT NULL DEFAULT '[]',
		cancel_reason TEXT,
		created_at TIMESTAMP NOT NULL,
		confirmed_at TIMESTAMP,
		cancelled_at TIMESTAMP,
		refunded_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_bookings_tenant_date_active ON bookings (tenant_id, event_date) WHERE status IN ('PENDING', 'CONFIRMED')`,
	`CREATE INDEX ix_bookings_tenant_created_at ON bookings (tenant_id, created_at)`,
	`CREATE INDEX ix_bookings_tenant_payment_intent ON bookings (tenant_id, payment_intent_id)`,
	`CREATE TABLE webhook_events (
		id INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		attempts INTEGER NOT NULL DEFAULT 1,
		payload TEXT,
		received_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_webhook_events_tenant_event ON webhook_events (tenant_id, provider_event_id)`,
	`CREATE INDEX ix_webhook_events_provider_event_id ON webhook_events (provider_event_id)`,
	`CREATE TABLE idempotency_keys (
		cache_key TEXT PRIMARY KEY,
		tenant_id INTEGER NOT NULL,
		scope TEXT NOT NULL,
		response BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX ix_idempotency_keys_expires_at ON idempotency_keys (expires_at)`,
	`CREATE TABLE ledger_accounts (
		id INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_ledger_accounts_tenant_code ON ledger_accounts (tenant_id, code)`,
	`CREATE TABLE ledger_entries (
		id INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL,
		source_type TEXT NOT NULL,
		source_id INTEGER NOT NULL,
		currency TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_ledger_entries_tenant_source ON ledger_entries (tenant_id, source_type, source_id)`,
	`CREATE TABLE ledger_entry_lines (
		id INTEGER PRIMARY KEY,
		ledger_entry_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE outbox_events (
		id INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP NOT NULL,
		published_at TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX ux_outbox_events_tenant_dedupe ON outbox_events (tenant_id, dedupe_key)`,
	`CREATE INDEX ix_outbox_events_pending ON outbox_events (published_at, created_at)`,
}

// Open returns a fresh database with the schema applied. A single connection
// keeps the shared-cache database alive and serializes writers.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:slotbook_%d?mode=memory&cache=shared", seq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	_ = conn.Exec("PRAGMA busy_timeout = 5000").Error
	for _, stmt := range Schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return conn
}

// Tenant is the seed shape for the tenants table.
type Tenant struct {
	ID                    int64
	Name                  string
	CommissionPercent     string
	Currency              string
	IsActive              bool
	PaymentOnboarded      bool
	DailyReservationLimit int
	WebhookSecret         string
}

// SeedTenant inserts a tenant row, filling obvious defaults.
func SeedTenant(t testing.TB, conn *gorm.DB, tenant Tenant) {
	t.Helper()

	if tenant.Name == "" {
		tenant.Name = fmt.Sprintf("tenant-%d", tenant.ID)
	}
	if tenant.Currency == "" {
		tenant.Currency = "USD"
	}
	if tenant.CommissionPercent == "" {
		tenant.CommissionPercent = "10"
	}
	now := time.Now().UTC()
	err := conn.Exec(
		`INSERT INTO tenants (
			id, name, commission_percent, currency, is_active, payment_onboarded,
			daily_reservation_limit, webhook_secret, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenant.ID,
		tenant.Name,
		tenant.CommissionPercent,
		tenant.Currency,
		tenant.IsActive,
		tenant.PaymentOnboarded,
		tenant.DailyReservationLimit,
		tenant.WebhookSecret,
		now,
		now,
	).Error
	if err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
}

// Count returns the number of rows matching the raw WHERE clause.
func Count(t testing.TB, conn *gorm.DB, table, where string, args ...any) int64 {
	t.Helper()

	var count int64
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	if err := conn.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}
