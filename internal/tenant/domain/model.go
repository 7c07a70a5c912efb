package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrTenantRequired    = errors.New("tenant_required")
	ErrTenantNotFound    = errors.New("tenant_not_found")
	ErrTenantNotEligible = errors.New("tenant_not_eligible")
	ErrTenantUnresolved  = errors.New("tenant_unresolved")
)

// Tenant is owned by the platform. The core only reads it.
type Tenant struct {
	ID                    snowflake.ID    `json:"id" gorm:"primaryKey"`
	Name                  string          `json:"name" gorm:"type:text;not null"`
	CommissionPercent     decimal.Decimal `json:"commission_percent" gorm:"type:numeric(5,2);not null"`
	Currency              string          `json:"currency" gorm:"type:text;not null"`
	IsActive              bool            `json:"is_active" gorm:"not null"`
	PaymentOnboarded      bool            `json:"payment_onboarded" gorm:"not null"`
	DailyReservationLimit int             `json:"daily_reservation_limit" gorm:"not null;default:0"`
	WebhookSecret         string          `json:"-" gorm:"type:text"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

func (Tenant) TableName() string { return "tenants" }

// Eligible reports whether the tenant may take reservations.
func (t Tenant) Eligible() bool {
	return t.IsActive && t.PaymentOnboarded
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tenant, error)
}

type Service interface {
	Resolve(ctx context.Context, tenantID snowflake.ID) (*Tenant, error)
	RequireEligible(ctx context.Context, tenantID snowflake.ID) (*Tenant, error)
}
