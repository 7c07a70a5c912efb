package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ReservationOutcomeCreated       = "created"
	ReservationOutcomeReplayed      = "replayed"
	ReservationOutcomeSlotTaken     = "slot_taken"
	ReservationOutcomeLockContended = "lock_contended"
	ReservationOutcomeTimeout       = "timeout"
	ReservationOutcomeDailyLimit    = "daily_limit"
	ReservationOutcomeRateLimited   = "rate_limited"
	ReservationOutcomeRejected      = "rejected"
	ReservationOutcomeError         = "error"
)

const (
	WebhookOutcomeProcessed = "processed"
	WebhookOutcomeReplayed  = "replayed"
	WebhookOutcomeInFlight  = "in_flight"
	WebhookOutcomeIgnored   = "ignored"
	WebhookOutcomeRejected  = "rejected"
	WebhookOutcomeFailed    = "failed"
)

// BookingMetrics captures reservation and payment reconciliation signals.
type BookingMetrics struct {
	reservations      *prometheus.CounterVec
	reservationTime   *prometheus.HistogramVec
	slotLockWait      prometheus.Observer
	webhookEvents     *prometheus.CounterVec
	tenantMismatches  *prometheus.CounterVec
	commissionClamps  *prometheus.CounterVec
	idempotencySwept  prometheus.Counter
	reservationRetry  prometheus.Counter
	reservationStates *prometheus.CounterVec
}

var (
	bookingMetricsOnce sync.Once
	bookingMetrics     *BookingMetrics
)

// BookingWithConfig returns the singleton booking metrics registry using config labels.
func BookingWithConfig(cfg Config) *BookingMetrics {
	bookingMetricsOnce.Do(func() {
		bookingMetrics = newBookingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return bookingMetrics
}

// ResetBookingMetricsForTest resets the booking metrics singleton for tests.
func ResetBookingMetricsForTest() {
	bookingMetricsOnce = sync.Once{}
	bookingMetrics = nil
}

// NewBookingMetricsForRegistry builds booking metrics on an isolated registry.
func NewBookingMetricsForRegistry(registerer prometheus.Registerer) *BookingMetrics {
	return newBookingMetrics(registerer, Config{Environment: "test"})
}

func newBookingMetrics(registerer prometheus.Registerer, cfg Config) *BookingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "slotbook_reservations_total",
		Help:        "Reservation attempts by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	reservationTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "slotbook_reservation_duration_seconds",
		Help:        "Reservation latency by outcome.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"outcome"})
	slotLockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "slotbook_slot_lock_wait_seconds",
		Help:        "Time spent acquiring the per-slot advisory lock.",
		Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		ConstLabels: constLabels,
	})
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "slotbook_webhook_events_total",
		Help:        "Inbound payment webhook deliveries by provider and outcome.",
		ConstLabels: constLabels,
	}, []string{"provider", "outcome"})
	tenantMismatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "slotbook_tenant_mismatch_total",
		Help:        "Cross-tenant access attempts detected per surface.",
		ConstLabels: constLabels,
	}, []string{"surface"})
	commissionClamps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "slotbook_commission_clamped_total",
		Help:        "Commission calculations clamped to a platform bound.",
		ConstLabels: constLabels,
	}, []string{"bound"})
	idempotencySwept := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "slotbook_idempotency_records_swept_total",
		Help:        "Expired idempotency records removed by the sweeper.",
		ConstLabels: constLabels,
	})
	reservationRetry := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "slotbook_reservation_retries_total",
		Help:        "Reservation attempts retried after a retryable failure.",
		ConstLabels: constLabels,
	})
	reservationStates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "slotbook_booking_transitions_total",
		Help:        "Booking lifecycle transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})

	registerer.MustRegister(
		reservations,
		reservationTime,
		slotLockWait,
		webhookEvents,
		tenantMismatches,
		commissionClamps,
		idempotencySwept,
		reservationRetry,
		reservationStates,
	)

	return &BookingMetrics{
		reservations:      reservations,
		reservationTime:   reservationTime,
		slotLockWait:      slotLockWait,
		webhookEvents:     webhookEvents,
		tenantMismatches:  tenantMismatches,
		commissionClamps:  commissionClamps,
		idempotencySwept:  idempotencySwept,
		reservationRetry:  reservationRetry,
		reservationStates: reservationStates,
	}
}

// ObserveReservation records a finished reservation attempt.
func (m *BookingMetrics) ObserveReservation(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
	m.reservationTime.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *BookingMetrics) ObserveSlotLockWait(duration time.Duration) {
	if m == nil {
		return
	}
	m.slotLockWait.Observe(duration.Seconds())
}

func (m *BookingMetrics) IncReservationRetry() {
	if m == nil {
		return
	}
	m.reservationRetry.Inc()
}

// IncTransition counts a booking status change.
func (m *BookingMetrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.reservationStates.WithLabelValues(from, to).Inc()
}

func (m *BookingMetrics) IncWebhookEvent(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, outcome).Inc()
}

// IncTenantMismatch counts a detected cross-tenant access on the given surface.
func (m *BookingMetrics) IncTenantMismatch(surface string) {
	if m == nil {
		return
	}
	m.tenantMismatches.WithLabelValues(surface).Inc()
}

func (m *BookingMetrics) IncCommissionClamped(bound string) {
	if m == nil || bound == "" {
		return
	}
	m.commissionClamps.WithLabelValues(bound).Inc()
}

func (m *BookingMetrics) AddIdempotencySwept(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.idempotencySwept.Add(float64(count))
}
