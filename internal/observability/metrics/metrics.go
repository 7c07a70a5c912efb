package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the OTLP instruments pushed alongside the Prometheus registry.
// A nil *Metrics records nothing.
type Metrics struct {
	reservations metric.Int64Counter
	commission   metric.Int64Counter
	webhooks     metric.Int64Counter
	ledger       metric.Int64Counter
	rateLimit    metric.Int64Counter
}

const (
	rateLimitAllowed = "allowed"
	rateLimitDenied  = "denied"
)

// NewProvider registers the global meter provider. Disabled export installs a noop provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}
	if log != nil {
		log.Info("otlp metrics export enabled",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "slotbook"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.reservations, "slotbook.reservations", "Reservation attempts by outcome.", "{reservation}"},
		{&m.commission, "slotbook.commission.booked", "Commission booked on new reservations.", "{minor_unit}"},
		{&m.webhooks, "slotbook.webhook.events", "Payment webhook deliveries by outcome.", "{event}"},
		{&m.ledger, "slotbook.ledger.entries", "Ledger entries posted by source.", "{entry}"},
		{&m.rateLimit, "slotbook.rate_limit.decisions", "Reservation rate limit decisions.", "{decision}"},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *Metrics) RecordReservation(ctx context.Context, tenantID, outcome string) {
	if m == nil {
		return
	}
	m.reservations.Add(ctx, 1, withAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("outcome", outcome),
	))
}

// RecordCommission adds the commission of a newly reserved booking.
func (m *Metrics) RecordCommission(ctx context.Context, tenantID, currency string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.commission.Add(ctx, amount, withAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("currency", strings.ToUpper(currency)),
	))
}

func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.Add(ctx, 1, withAttributes(
		attribute.String("provider", provider),
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordLedgerEntry(ctx context.Context, sourceType string) {
	if m == nil {
		return
	}
	m.ledger.Add(ctx, 1, withAttributes(attribute.String("source_type", sourceType)))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, tenantID, endpoint string) {
	m.recordRateLimit(ctx, tenantID, endpoint, rateLimitAllowed, "")
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, tenantID, endpoint, reason string) {
	m.recordRateLimit(ctx, tenantID, endpoint, rateLimitDenied, reason)
}

func (m *Metrics) recordRateLimit(ctx context.Context, tenantID, endpoint, decision, reason string) {
	if m == nil {
		return
	}
	m.rateLimit.Add(ctx, 1, withAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("endpoint", endpoint),
		attribute.String("decision", decision),
		attribute.String("reason", reason),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// allowedLabelKeys keeps customer data and free-form ids out of exported series.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"tenant_id":   {},
	"endpoint":    {},
	"status_code": {},
	"outcome":     {},
	"provider":    {},
	"event_type":  {},
	"source_type": {},
	"reason":      {},
	"decision":    {},
	"currency":    {},
}

// FilterAttributes drops labels outside the allow list and empty values.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		value := strings.TrimSpace(attr.Value.Emit())
		if value == "" {
			continue
		}
		filtered = append(filtered, attribute.String(string(attr.Key), value))
	}
	return filtered
}

func withAttributes(attrs ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(FilterAttributes(attrs...)...)
}
