package rls

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbook/pkg/db"
	"gorm.io/gorm"
)

// WithTenant binds the transaction to a tenant for row-level security policies.
// The setting is transaction-local and only applies on PostgreSQL.
func WithTenant(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) error {
	if !db.IsPostgres(tx) {
		return nil
	}
	return tx.WithContext(ctx).Exec(
		"SELECT set_config('app.current_tenant_id', ?, true)",
		tenantID.String(),
	).Error
}
