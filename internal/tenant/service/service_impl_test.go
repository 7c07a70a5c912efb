package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/slotbook/internal/tenant/domain"
	"github.com/smallbiznis/slotbook/internal/tenant/repository"
	"github.com/smallbiznis/slotbook/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) domain.Service {
	t.Helper()

	conn := dbtest.Open(t)
	dbtest.SeedTenant(t, conn, dbtest.Tenant{ID: 1, CommissionPercent: "12", IsActive: true, PaymentOnboarded: true})
	dbtest.SeedTenant(t, conn, dbtest.Tenant{ID: 2, IsActive: true, PaymentOnboarded: false})
	dbtest.SeedTenant(t, conn, dbtest.Tenant{ID: 3, IsActive: false, PaymentOnboarded: true})

	return NewService(Params{DB: conn, Log: zap.NewNop(), Repo: repository.Provide()})
}

func TestRequireEligible(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tenant, err := svc.RequireEligible(ctx, 1)
	require.NoError(t, err)
	assert.True(t, tenant.CommissionPercent.Equal(decimal.NewFromInt(12)))

	_, err = svc.RequireEligible(ctx, 2)
	assert.ErrorIs(t, err, domain.ErrTenantNotEligible)

	_, err = svc.RequireEligible(ctx, 3)
	assert.ErrorIs(t, err, domain.ErrTenantNotEligible)

	_, err = svc.RequireEligible(ctx, 99)
	assert.ErrorIs(t, err, domain.ErrTenantNotFound)

	_, err = svc.Resolve(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrTenantRequired)
}

func TestParseTenantID(t *testing.T) {
	id, err := ParseTenantID(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(42), id)

	for _, raw := range []string{"", "unknown", "-4", "0"} {
		_, err := ParseTenantID(raw)
		assert.ErrorIs(t, err, domain.ErrTenantUnresolved, raw)
	}
}

func TestScopedKeysAreTenantPrefixed(t *testing.T) {
	a := ScopedKey(1, "webhook", "evt_123")
	b := ScopedKey(2, "webhook", "evt_123")

	assert.Equal(t, "1|webhook|evt_123", a)
	assert.NotEqual(t, a, b)
}

func TestLockKeys(t *testing.T) {
	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2026, 6, 1, 18, 30, 0, 0, time.UTC)

	assert.Equal(t, SlotLockKey(1, day), SlotLockKey(1, later))
	assert.NotEqual(t, SlotLockKey(1, day), SlotLockKey(2, day))
	assert.NotEqual(t, SlotLockKey(1, day), SlotLockKey(1, day.AddDate(0, 0, 1)))
	assert.NotEqual(t, SlotLockKey(1, day), DailyLockKey(1, day))
}
