package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TryAdvisoryXactLock attempts a transaction-scoped advisory lock without waiting.
// Dialects without advisory locks report the lock as acquired and rely on unique constraints.
func TryAdvisoryXactLock(ctx context.Context, tx *gorm.DB, key int64) (bool, error) {
	if !IsPostgres(tx) {
		return true, nil
	}

	var acquired bool
	if err := tx.WithContext(ctx).Raw("SELECT pg_try_advisory_xact_lock(?)", key).Scan(&acquired).Error; err != nil {
		return false, err
	}
	return acquired, nil
}

// SetLocalTimeouts bounds lock and statement waits for the rest of the transaction.
func SetLocalTimeouts(ctx context.Context, tx *gorm.DB, timeout time.Duration) error {
	if !IsPostgres(tx) || timeout <= 0 {
		return nil
	}
	ms := timeout.Milliseconds()
	if err := tx.WithContext(ctx).Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).Exec(fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", ms)).Error
}

// SerializableTxOptions returns SERIALIZABLE isolation on PostgreSQL and the driver default elsewhere.
func SerializableTxOptions(db *gorm.DB) *sql.TxOptions {
	if !IsPostgres(db) {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}
