package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/slotbook/internal/booking/domain"
	"github.com/smallbiznis/slotbook/internal/booking/repository"
	"github.com/smallbiznis/slotbook/internal/clock"
	commissiondomain "github.com/smallbiznis/slotbook/internal/commission/domain"
	commissionsvc "github.com/smallbiznis/slotbook/internal/commission/service"
	"github.com/smallbiznis/slotbook/internal/config"
	"github.com/smallbiznis/slotbook/internal/events"
	idemrepo "github.com/smallbiznis/slotbook/internal/idempotency/repository"
	idemsvc "github.com/smallbiznis/slotbook/internal/idempotency/service"
	ledgerdomain "github.com/smallbiznis/slotbook/internal/ledger/domain"
	ledgersvc "github.com/smallbiznis/slotbook/internal/ledger/service"
	obsmetrics "github.com/smallbiznis/slotbook/internal/observability/metrics"
	tenantdomain "github.com/smallbiznis/slotbook/internal/tenant/domain"
	tenantrepo "github.com/smallbiznis/slotbook/internal/tenant/repository"
	tenantsvc "github.com/smallbiznis/slotbook/internal/tenant/service"
	"github.com/smallbiznis/slotbook/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc    domain.Service
	db     *gorm.DB
	ledger ledgerdomain.Service
	clock  *clock.FakeClock
}

type fixtureOption func(*Params)

func withLimiter(l domain.AdmissionLimiter) fixtureOption {
	return func(p *Params) { p.Limiter = l }
}

func newFixture(t *testing.T, opts ...fixtureOption) fixture {
	t.Helper()

	conn := dbtest.Open(t)
	dbtest.SeedTenant(t, conn, dbtest.Tenant{ID: 1, CommissionPercent: "12", IsActive: true, PaymentOnboarded: true})
	dbtest.SeedTenant(t, conn, dbtest.Tenant{ID: 2, CommissionPercent: "10", IsActive: true, PaymentOnboarded: true})
	dbtest.SeedTenant(t, conn, dbtest.Tenant{ID: 3, IsActive: true, PaymentOnboarded: false})
	dbtest.SeedTenant(t, conn, dbtest.Tenant{ID: 4, IsActive: true, PaymentOnboarded: true, DailyReservationLimit: 2})
	dbtest.SeedTenant(t, conn, dbtest.Tenant{ID: 5, CommissionPercent: "0.1", IsActive: true, PaymentOnboarded: true})

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Reservation: config.ReservationConfig{TxTimeout: 10 * time.Second},
		Idempotency: config.IdempotencyConfig{TTL: time.Hour},
	}
	log := zap.NewNop()
	outbox := events.NewOutbox(node, clk)
	bookingMetrics := obsmetrics.NewBookingMetricsForRegistry(prometheus.NewRegistry())

	ledger := ledgersvc.NewService(ledgersvc.Params{DB: conn, Log: log, GenID: node, Clock: clk, Outbox: outbox})
	params := Params{
		DB:         conn,
		Log:        log,
		GenID:      node,
		Repo:       repository.Provide(),
		Clock:      clk,
		Cfg:        cfg,
		TenantSvc:  tenantsvc.NewService(tenantsvc.Params{DB: conn, Log: log, Repo: tenantrepo.Provide()}),
		Calculator: commissionsvc.NewCalculator(),
		Idempotency: idemsvc.NewService(idemsvc.Params{
			DB: conn, Log: log, GenID: node, Repo: idemrepo.Provide(), Clock: clk, Cfg: cfg, Metrics: bookingMetrics,
		}),
		Ledger:  ledger,
		Outbox:  outbox,
		Policy:  config.NewStaticReservationPolicy(config.ReservationPolicy{MaxAttempts: 3, RetryBackoff: time.Millisecond, RateLimitRate: 1, RateLimitBurst: 1}),
		Metrics: bookingMetrics,
	}
	for _, opt := range opts {
		opt(&params)
	}

	return fixture{svc: NewService(params), db: conn, ledger: ledger, clock: clk}
}

func request(date string) domain.ReserveRequest {
	return domain.ReserveRequest{
		Date:     date,
		Customer: domain.Customer{Name: "Ayu Lestari", Email: "Ayu@Example.com", Phone: "+62 811"},
		Items: []domain.LineItem{
			{Kind: domain.ItemKindPackage, Code: "PKG-GOLD", Name: "Gold package", UnitAmount: 100000, Quantity: 1},
			{Kind: domain.ItemKindAddon, Code: "ADD-DRONE", Name: "Drone footage", UnitAmount: 2500, Quantity: 2},
		},
	}
}

func TestReserveCreatesPendingBookingWithCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	booking, err := f.svc.Reserve(ctx, 1, request("2026-09-12"))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, booking.Status)
	assert.Equal(t, int64(105000), booking.TotalAmount)
	assert.Equal(t, int64(12600), booking.CommissionAmount)
	assert.False(t, booking.CommissionClamped)
	assert.Equal(t, "ayu@example.com", booking.CustomerEmail)

	stored, err := f.svc.Get(ctx, 1, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, "2026-09-12", stored.EventDate.Format(domain.DateLayout))
	assert.True(t, stored.CommissionRate.Equal(decimal.NewFromInt(12)))
	require.Len(t, stored.LineItems, 2)
	assert.Equal(t, "ADD-DRONE", stored.LineItems[1].Code)

	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "outbox_events", "event_type = ?", events.EventBookingReserved))

	_, err = f.svc.Get(ctx, 2, booking.ID)
	assert.ErrorIs(t, err, domain.ErrBookingNotFound, "bookings are tenant scoped")
}

func TestReserveClampsToFloor(t *testing.T) {
	f := newFixture(t)

	booking, err := f.svc.Reserve(context.Background(), 5, request("2026-09-12"))
	require.NoError(t, err)
	// 0.1% of 105000 is 105, the 0.5% floor is 525.
	assert.Equal(t, int64(525), booking.CommissionAmount)
	assert.True(t, booking.CommissionClamped)
	assert.Equal(t, commissiondomain.BoundFloor, booking.CommissionBound)
}

func TestConcurrentReservesForSameDateAdmitOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
		other    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Reserve(ctx, 1, request("2026-10-01"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrSlotAlreadyBooked):
				conflict++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, conflict)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "bookings", "tenant_id = ?", 1))

	// Other tenants and other dates are unaffected.
	_, err := f.svc.Reserve(ctx, 2, request("2026-10-01"))
	require.NoError(t, err)
	_, err = f.svc.Reserve(ctx, 1, request("2026-10-02"))
	require.NoError(t, err)
}

func TestReserveRejectsIneligibleTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Reserve(ctx, 3, request("2026-09-12"))
	assert.ErrorIs(t, err, tenantdomain.ErrTenantNotEligible)

	_, err = f.svc.Reserve(ctx, 404, request("2026-09-12"))
	assert.ErrorIs(t, err, tenantdomain.ErrTenantNotFound)

	_, err = f.svc.Reserve(ctx, 0, request("2026-09-12"))
	assert.ErrorIs(t, err, tenantdomain.ErrTenantRequired)
}

func TestReserveValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]func(*domain.ReserveRequest){
		"bad date":      func(r *domain.ReserveRequest) { r.Date = "12/09/2026" },
		"missing email": func(r *domain.ReserveRequest) { r.Customer.Email = "" },
		"invalid email": func(r *domain.ReserveRequest) { r.Customer.Email = "not-an-email" },
		"no items":      func(r *domain.ReserveRequest) { r.Items = nil },
		"no package": func(r *domain.ReserveRequest) {
			r.Items = r.Items[1:]
		},
		"negative amount": func(r *domain.ReserveRequest) { r.Items[0].UnitAmount = -1 },
		"zero quantity":   func(r *domain.ReserveRequest) { r.Items[0].Quantity = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := request("2026-09-12")
			mutate(&req)
			_, err := f.svc.Reserve(ctx, 1, req)
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}
	assert.Equal(t, int64(0), dbtest.Count(t, f.db, "bookings", ""))
}

func TestReserveIdempotencyKeyReplaysBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := request("2026-11-20")
	req.IdempotencyKey = "client-key-1"

	first, err := f.svc.Reserve(ctx, 1, req)
	require.NoError(t, err)
	second, err := f.svc.Reserve(ctx, 1, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CommissionAmount, second.CommissionAmount)
	assert.Equal(t, "2026-11-20", second.EventDate.Format(domain.DateLayout))
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "bookings", ""))

	// The same key with a different body is not a replay.
	changed := req
	changed.Customer.Name = "Someone Else"
	_, err = f.svc.Reserve(ctx, 1, changed)
	assert.ErrorIs(t, err, domain.ErrSlotAlreadyBooked)

	// Without a key duplicates see the slot conflict.
	_, err = f.svc.Reserve(ctx, 1, request("2026-11-20"))
	assert.ErrorIs(t, err, domain.ErrSlotAlreadyBooked)
}

func TestDailyReservationLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Reserve(ctx, 4, request("2026-12-01"))
	require.NoError(t, err)
	_, err = f.svc.Reserve(ctx, 4, request("2026-12-02"))
	require.NoError(t, err)

	_, err = f.svc.Reserve(ctx, 4, request("2026-12-03"))
	assert.ErrorIs(t, err, domain.ErrDailyLimitReached)

	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.Reserve(ctx, 4, request("2026-12-03"))
	require.NoError(t, err)
}

func TestCancelPendingReversesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	booking, err := f.svc.Reserve(ctx, 1, request("2026-09-12"))
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, 1, booking.ID, "customer changed plans")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(0), cancelled.RefundedCommission)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, int64(0), dbtest.Count(t, f.db, "ledger_entries", ""))

	_, err = f.svc.Cancel(ctx, 1, booking.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// The date is free again.
	_, err = f.svc.Reserve(ctx, 1, request("2026-09-12"))
	require.NoError(t, err)
}

func TestCancelConfirmedReversesFullCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	booking, err := f.svc.Reserve(ctx, 1, request("2026-09-12"))
	require.NoError(t, err)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.Confirm(ctx, tx, 1, booking.ID, "pi_123")
		return err
	}))

	cancelled, err := f.svc.Cancel(ctx, 1, booking.ID, "venue closed")
	require.NoError(t, err)
	assert.Equal(t, booking.CommissionAmount, cancelled.RefundedCommission)

	receivable, err := f.ledger.AccountBalance(ctx, 1, ledgerdomain.AccountCodeCommissionReceivable)
	require.NoError(t, err)
	assert.Equal(t, int64(0), receivable)

	_, err = f.svc.Cancel(ctx, 1, 999, "missing")
	assert.ErrorIs(t, err, domain.ErrBookingNotFound)
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	booking, err := f.svc.Reserve(ctx, 1, request("2026-09-12"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
			result, err := f.svc.Confirm(ctx, tx, 1, booking.ID, "pi_123")
			if err != nil {
				return err
			}
			assert.Equal(t, i == 0, result.Applied)
			assert.Equal(t, domain.StatusConfirmed, result.Booking.Status)
			return nil
		}))
	}

	stored, err := f.svc.Get(ctx, 1, booking.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PaymentIntentID)
	assert.Equal(t, "pi_123", *stored.PaymentIntentID)
	assert.NotNil(t, stored.ConfirmedAt)

	receivable, err := f.ledger.AccountBalance(ctx, 1, ledgerdomain.AccountCodeCommissionReceivable)
	require.NoError(t, err)
	assert.Equal(t, booking.CommissionAmount, receivable)

	byIntent, err := f.svc.ResolveReference(ctx, f.db, 1, 0, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, booking.ID, byIntent.ID)
}

func TestRefundReversesProportionalCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	booking, err := f.svc.Reserve(ctx, 1, request("2026-09-12"))
	require.NoError(t, err)

	var result *domain.TransitionResult
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		if _, err := f.svc.Confirm(ctx, tx, 1, booking.ID, "pi_9"); err != nil {
			return err
		}
		var err error
		result, err = f.svc.Refund(ctx, tx, 1, booking.ID, 52500)
		return err
	}))

	// Half of 105000 refunded: half of the 12600 commission comes back.
	assert.True(t, result.Applied)
	assert.Equal(t, int64(6300), result.CommissionReversed)
	assert.Equal(t, domain.StatusRefunded, result.Booking.Status)
	assert.Equal(t, int64(52500), result.Booking.RefundedAmount)

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		replay, err := f.svc.Refund(ctx, tx, 1, booking.ID, 52500)
		if err != nil {
			return err
		}
		assert.False(t, replay.Applied)
		return nil
	}))

	receivable, err := f.ledger.AccountBalance(ctx, 1, ledgerdomain.AccountCodeCommissionReceivable)
	require.NoError(t, err)
	assert.Equal(t, int64(6300), receivable)
}

func TestRefundOfOneThirdReversesExactCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	booking, err := f.svc.Reserve(ctx, 1, request("2026-09-12"))
	require.NoError(t, err)
	require.Equal(t, int64(12600), booking.CommissionAmount)

	var result *domain.TransitionResult
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		if _, err := f.svc.Confirm(ctx, tx, 1, booking.ID, "pi_third"); err != nil {
			return err
		}
		var err error
		result, err = f.svc.Refund(ctx, tx, 1, booking.ID, 35000)
		return err
	}))

	assert.Equal(t, int64(4200), result.CommissionReversed)

	receivable, err := f.ledger.AccountBalance(ctx, 1, ledgerdomain.AccountCodeCommissionReceivable)
	require.NoError(t, err)
	assert.Equal(t, int64(8400), receivable)
}

func TestPaymentFailureKeepsBookingPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	booking, err := f.svc.Reserve(ctx, 1, request("2026-09-12"))
	require.NoError(t, err)

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		result, err := f.svc.RecordPaymentFailure(ctx, tx, 1, booking.ID, "evt_1", "card_declined")
		if err != nil {
			return err
		}
		assert.Equal(t, domain.StatusPending, result.Booking.Status)
		return nil
	}))
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "outbox_events", "event_type = ?", events.EventBookingPaymentFailed))
}

type denyLimiter struct{ after time.Duration }

func (d denyLimiter) Allow(context.Context, snowflake.ID) (bool, time.Duration, error) {
	return false, d.after, nil
}

func TestReserveRateLimited(t *testing.T) {
	f := newFixture(t, withLimiter(denyLimiter{after: 2 * time.Second}))

	_, err := f.svc.ReserveWithRetry(context.Background(), 1, request("2026-09-12"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.True(t, domain.IsRetryable(err))

	var retryErr *domain.RetryAfterError
	require.True(t, errors.As(err, &retryErr))
	assert.Equal(t, 2*time.Second, retryErr.After)
	assert.Equal(t, int64(0), dbtest.Count(t, f.db, "bookings", ""))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, domain.IsRetryable(domain.ErrLockContended))
	assert.True(t, domain.IsRetryable(domain.ErrTransactionTimeout))
	assert.False(t, domain.IsRetryable(domain.ErrSlotAlreadyBooked))
	assert.False(t, domain.IsRetryable(tenantdomain.ErrTenantNotEligible))
}
