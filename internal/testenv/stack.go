// Package testenv wires the booking core against an in-memory database for
// tests that cross package boundaries.
package testenv

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bookingdomain "github.com/smallbiznis/slotbook/internal/booking/domain"
	bookingrepo "github.com/smallbiznis/slotbook/internal/booking/repository"
	bookingsvc "github.com/smallbiznis/slotbook/internal/booking/service"
	"github.com/smallbiznis/slotbook/internal/clock"
	commissionsvc "github.com/smallbiznis/slotbook/internal/commission/service"
	"github.com/smallbiznis/slotbook/internal/config"
	"github.com/smallbiznis/slotbook/internal/events"
	idempotencydomain "github.com/smallbiznis/slotbook/internal/idempotency/domain"
	idemrepo "github.com/smallbiznis/slotbook/internal/idempotency/repository"
	idemsvc "github.com/smallbiznis/slotbook/internal/idempotency/service"
	ledgerdomain "github.com/smallbiznis/slotbook/internal/ledger/domain"
	ledgersvc "github.com/smallbiznis/slotbook/internal/ledger/service"
	obsmetrics "github.com/smallbiznis/slotbook/internal/observability/metrics"
	"github.com/smallbiznis/slotbook/internal/payment/adapters"
	"github.com/smallbiznis/slotbook/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/slotbook/internal/payment/domain"
	"github.com/smallbiznis/slotbook/internal/payment/webhook"
	tenantdomain "github.com/smallbiznis/slotbook/internal/tenant/domain"
	tenantrepo "github.com/smallbiznis/slotbook/internal/tenant/repository"
	tenantsvc "github.com/smallbiznis/slotbook/internal/tenant/service"
	"github.com/smallbiznis/slotbook/pkg/db/dbtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Stack struct {
	DB          *gorm.DB
	Node        *snowflake.Node
	Clock       *clock.FakeClock
	Cfg         config.Config
	Registry    *prometheus.Registry
	Metrics     *obsmetrics.BookingMetrics
	Tenants     tenantdomain.Service
	Idempotency idempotencydomain.Service
	Ledger      ledgerdomain.Service
	Bookings    bookingdomain.Service
	Webhooks    paymentdomain.WebhookService
	Outbox      *events.Outbox
}

// New builds every service on one fresh database. A nil logger means zap.NewNop.
func New(t testing.TB, log *zap.Logger) *Stack {
	t.Helper()
	if log == nil {
		log = zap.NewNop()
	}

	conn := dbtest.Open(t)
	node, err := snowflake.NewNode(9)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Reservation: config.ReservationConfig{TxTimeout: 10 * time.Second},
		Idempotency: config.IdempotencyConfig{TTL: time.Hour, SweepBatch: 100, StaleClaimAfter: 5 * time.Minute},
		Outbox:      config.OutboxConfig{BatchSize: 50},
		Stripe:      config.StripeConfig{SignatureTolerance: 5 * time.Minute},
	}
	registry := prometheus.NewRegistry()
	metrics := obsmetrics.NewBookingMetricsForRegistry(registry)
	outbox := events.NewOutbox(node, clk)

	tenants := tenantsvc.NewService(tenantsvc.Params{DB: conn, Log: log, Repo: tenantrepo.Provide()})
	idempotency := idemsvc.NewService(idemsvc.Params{
		DB: conn, Log: log, GenID: node, Repo: idemrepo.Provide(), Clock: clk, Cfg: cfg, Metrics: metrics,
	})
	ledger := ledgersvc.NewService(ledgersvc.Params{DB: conn, Log: log, GenID: node, Clock: clk, Outbox: outbox})
	bookings := bookingsvc.NewService(bookingsvc.Params{
		DB:          conn,
		Log:         log,
		GenID:       node,
		Repo:        bookingrepo.Provide(),
		Clock:       clk,
		Cfg:         cfg,
		TenantSvc:   tenants,
		Calculator:  commissionsvc.NewCalculator(),
		Idempotency: idempotency,
		Ledger:      ledger,
		Outbox:      outbox,
		Policy: config.NewStaticReservationPolicy(config.ReservationPolicy{
			MaxAttempts: 2, RetryBackoff: time.Millisecond, RateLimitRate: 1, RateLimitBurst: 1,
		}),
		Metrics: metrics,
	})
	webhooks := webhook.NewService(webhook.Params{
		DB:          conn,
		Log:         log,
		Cfg:         cfg,
		Clock:       clk,
		Tenants:     tenants,
		Bookings:    bookings,
		Idempotency: idempotency,
		Adapters:    adapters.NewRegistry(stripe.NewAdapter(cfg)),
		Metrics:     metrics,
	})

	return &Stack{
		DB:          conn,
		Node:        node,
		Clock:       clk,
		Cfg:         cfg,
		Registry:    registry,
		Metrics:     metrics,
		Tenants:     tenants,
		Idempotency: idempotency,
		Ledger:      ledger,
		Bookings:    bookings,
		Webhooks:    webhooks,
		Outbox:      outbox,
	}
}

// ReserveRequest is a valid request worth 105000 minor units.
func ReserveRequest(date string) bookingdomain.ReserveRequest {
	return bookingdomain.ReserveRequest{
		Date:     date,
		Customer: bookingdomain.Customer{Name: "Dewi Anggraini", Email: "dewi@example.com"},
		Items: []bookingdomain.LineItem{
			{Kind: bookingdomain.ItemKindPackage, Code: "PKG-SILVER", Name: "Silver package", UnitAmount: 100000, Quantity: 1},
			{Kind: bookingdomain.ItemKindAddon, Code: "ADD-PRINT", Name: "Printed album", UnitAmount: 2500, Quantity: 2},
		},
	}
}

// Counter reads one series of a counter registered on the stack's registry.
// Labels not named in want are ignored.
func (s *Stack) Counter(t testing.TB, name string, want map[string]string) float64 {
	t.Helper()

	families, err := s.Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if labelsMatch(metric.GetLabel(), want) {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, pair := range pairs {
		if value, ok := want[pair.GetName()]; ok {
			if value != pair.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}
