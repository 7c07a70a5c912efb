package service

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cespare/xxhash/v2"
)

const keySeparator = "|"

// ScopedKey builds a cache or idempotency key that always starts with the tenant id.
func ScopedKey(tenantID snowflake.ID, parts ...string) string {
	var b strings.Builder
	b.WriteString(tenantID.String())
	for _, part := range parts {
		b.WriteString(keySeparator)
		b.WriteString(part)
	}
	return b.String()
}

// SlotLockKey is the advisory lock key serializing reservations for one tenant and date.
func SlotLockKey(tenantID snowflake.ID, date time.Time) int64 {
	return lockKey("slot", tenantID, date)
}

// DailyLockKey serializes the daily reservation counter for one tenant and creation day.
func DailyLockKey(tenantID snowflake.ID, day time.Time) int64 {
	return lockKey("daily", tenantID, day)
}

func lockKey(kind string, tenantID snowflake.ID, day time.Time) int64 {
	key := ScopedKey(tenantID, kind, day.UTC().Format(time.DateOnly))
	return int64(xxhash.Sum64String(key))
}
