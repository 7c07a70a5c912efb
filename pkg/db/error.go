package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if hasPGCode(err, pgUniqueViolation) {
		return true
	}

	msg := err.Error()
	// PostgreSQL via driver text
	if strings.Contains(msg, "duplicate key value violates unique constraint") {
		return true
	}
	// MySQL 1062
	if strings.Contains(msg, "Error 1062") {
		return true
	}
	// SQLite 2067
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsSerializationFailure reports a SERIALIZABLE conflict or deadlock that is safe to retry.
func IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	if hasPGCode(err, pgSerializationFailure) || hasPGCode(err, pgDeadlockDetected) {
		return true
	}
	return strings.Contains(err.Error(), "could not serialize access")
}

// IsLockNotAvailable reports a NOWAIT or lock_timeout failure.
func IsLockNotAvailable(err error) bool {
	if err == nil {
		return false
	}
	if hasPGCode(err, pgLockNotAvailable) {
		return true
	}
	// SQLite busy
	return strings.Contains(err.Error(), "database is locked")
}

// IsStatementTimeout reports a statement cancelled by statement_timeout.
func IsStatementTimeout(err error) bool {
	return hasPGCode(err, pgQueryCanceled)
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

// IsContention reports errors produced when concurrent writers compete for the
// same booking slot. Callers recover from all of them.
func IsContention(err error) bool {
	return IsDuplicateKeyErr(err) || IsSerializationFailure(err) || IsLockNotAvailable(err) || IsStatementTimeout(err)
}
