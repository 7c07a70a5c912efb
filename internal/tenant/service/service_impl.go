package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbook/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("tenant.service"),
		repo: p.Repo,
	}
}

func (s *Service) Resolve(ctx context.Context, tenantID snowflake.ID) (*domain.Tenant, error) {
	if tenantID == 0 {
		return nil, domain.ErrTenantRequired
	}
	tenant, err := s.repo.FindByID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, domain.ErrTenantNotFound
	}
	return tenant, nil
}

// RequireEligible resolves the tenant and rejects inactive or non-onboarded tenants.
func (s *Service) RequireEligible(ctx context.Context, tenantID snowflake.ID) (*domain.Tenant, error) {
	tenant, err := s.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.Eligible() {
		s.log.Info("tenant not eligible for reservations",
			zap.String("tenant_id", tenantID.String()),
			zap.Bool("is_active", tenant.IsActive),
			zap.Bool("payment_onboarded", tenant.PaymentOnboarded),
		)
		return nil, domain.ErrTenantNotEligible
	}
	return tenant, nil
}

// ParseTenantID parses a tenant identifier taken from a route or payload.
// Anything that does not parse to a positive id is unresolved.
func ParseTenantID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, domain.ErrTenantUnresolved
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, domain.ErrTenantUnresolved
	}
	return id, nil
}
