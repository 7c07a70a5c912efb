package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics exposes Prometheus primitives for the outbox dispatcher.
type OutboxMetrics struct {
	dispatch     *prometheus.CounterVec
	dispatchTime *prometheus.HistogramVec
	backlog      prometheus.Gauge
	published    *prometheus.CounterVec
	failures     *prometheus.CounterVec
}

// NewOutboxMetrics registers dispatcher metrics on the given registerer.
func NewOutboxMetrics(registerer prometheus.Registerer) *OutboxMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	dispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slotbook_outbox_dispatch_total",
		Help: "Counts dispatcher batches by status.",
	}, []string{"status"})

	dispatchTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slotbook_outbox_dispatch_duration_seconds",
		Help:    "Dispatcher batch durations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	backlog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "slotbook_outbox_backlog",
		Help: "Number of unpublished events seen by the last dispatch.",
	})

	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slotbook_outbox_published_total",
		Help: "Events published by type and tenant.",
	}, []string{"event_type", "tenant"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slotbook_outbox_publish_failures_total",
		Help: "Publish failures by type and tenant.",
	}, []string{"event_type", "tenant"})

	registerer.MustRegister(dispatch, dispatchTime, backlog, published, failures)

	return &OutboxMetrics{
		dispatch:     dispatch,
		dispatchTime: dispatchTime,
		backlog:      backlog,
		published:    published,
		failures:     failures,
	}
}

// RecordOutboxBatch registers dispatch batch metrics.
func (m *OutboxMetrics) RecordOutboxBatch(status string, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := sanitizeLabel(status)
	m.dispatch.WithLabelValues(statusLabel).Inc()
	m.dispatchTime.WithLabelValues(statusLabel).Observe(duration.Seconds())
}

// SetOutboxBacklog updates the backlog gauge.
func (m *OutboxMetrics) SetOutboxBacklog(value float64) {
	if m == nil {
		return
	}
	m.backlog.Set(value)
}

func (m *OutboxMetrics) RecordPublished(eventType, tenant string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(sanitizeLabel(eventType), sanitizeTenant(tenant)).Inc()
}

func (m *OutboxMetrics) RecordPublishFailure(eventType, tenant string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(sanitizeLabel(eventType), sanitizeTenant(tenant)).Inc()
}

func sanitizeTenant(tenant string) string {
	if tenant == "" || tenant == "0" {
		return "none"
	}
	return tenant
}

func sanitizeLabel(val string) string {
	if val == "" {
		return "unknown"
	}
	return val
}
