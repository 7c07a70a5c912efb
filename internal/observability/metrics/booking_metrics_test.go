package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBookingMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newBookingMetrics(registry, Config{ServiceName: "slotbook", Environment: "test"})

	m.ObserveReservation(ReservationOutcomeCreated, 5*time.Millisecond)
	m.ObserveReservation(ReservationOutcomeSlotTaken, time.Millisecond)
	m.ObserveReservation(ReservationOutcomeSlotTaken, time.Millisecond)
	m.IncTenantMismatch("idempotency")
	m.IncCommissionClamped("floor")
	m.IncCommissionClamped("")
	m.AddIdempotencySwept(4)
	m.AddIdempotencySwept(-1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reservations.WithLabelValues(ReservationOutcomeCreated)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reservations.WithLabelValues(ReservationOutcomeSlotTaken)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tenantMismatches.WithLabelValues("idempotency")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.commissionClamps))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.idempotencySwept))
}

func TestNilBookingMetricsIsSafe(t *testing.T) {
	var m *BookingMetrics
	assert.NotPanics(t, func() {
		m.ObserveReservation(ReservationOutcomeCreated, time.Millisecond)
		m.ObserveSlotLockWait(time.Millisecond)
		m.IncWebhookEvent("stripe", WebhookOutcomeProcessed)
		m.IncTenantMismatch("webhook")
		m.IncTransition("PENDING", "CONFIRMED")
	})
}

func TestHTTPMiddlewareRecordsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := newHTTPMetrics(registry, Config{Environment: "test"})

	r := gin.New()
	r.Use(GinMiddleware(m))
	r.GET("/api/v1/tenants/:tenant_id/bookings/:booking_id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tenants/1/bookings/2", nil))

	got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/api/v1/tenants/:tenant_id/bookings/:booking_id", "204"))
	assert.Equal(t, 1.0, got)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
}
