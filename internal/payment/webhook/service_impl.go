package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	bookingdomain "github.com/smallbiznis/slotbook/internal/booking/domain"
	"github.com/smallbiznis/slotbook/internal/clock"
	"github.com/smallbiznis/slotbook/internal/config"
	idempotencydomain "github.com/smallbiznis/slotbook/internal/idempotency/domain"
	"github.com/smallbiznis/slotbook/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/slotbook/internal/observability/metrics"
	"github.com/smallbiznis/slotbook/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/slotbook/internal/payment/domain"
	tenantdomain "github.com/smallbiznis/slotbook/internal/tenant/domain"
	tenantsvc "github.com/smallbiznis/slotbook/internal/tenant/service"
	"github.com/smallbiznis/slotbook/pkg/rls"
	"github.com/smallbiznis/slotbook/pkg/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Cfg         config.Config
	Clock       clock.Clock `optional:"true"`
	Tenants     tenantdomain.Service
	Bookings    bookingdomain.Service
	Idempotency idempotencydomain.Service
	Adapters    *adapters.Registry
	Metrics     *obsmetrics.BookingMetrics `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	ttl         time.Duration
	tenants     tenantdomain.Service
	bookings    bookingdomain.Service
	idempotency idempotencydomain.Service
	adapters    *adapters.Registry
	metrics     *obsmetrics.BookingMetrics
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.WebhookService {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	ttl := p.Cfg.Idempotency.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.webhook"),
		clock:       clk,
		ttl:         ttl,
		tenants:     p.Tenants,
		bookings:    p.Bookings,
		idempotency: p.Idempotency,
		adapters:    p.Adapters,
		metrics:     p.Metrics,
		obsMetrics:  p.ObsMetrics,
	}
}

// HandleWebhook verifies, deduplicates and applies one provider delivery for the
// tenant named in the route. A delivery whose tenant cannot be resolved is rejected
// before anything is recorded.
func (s *Service) HandleWebhook(ctx context.Context, provider, rawTenantID string, payload []byte, headers http.Header) (*paymentdomain.Outcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	outcome, eventType, err := s.handle(ctx, provider, rawTenantID, payload, headers)

	label := webhookOutcome(outcome, err)
	s.metrics.IncWebhookEvent(provider, label)
	s.obsMetrics.RecordWebhookEvent(ctx, provider, eventType, label)
	return outcome, err
}

func (s *Service) handle(ctx context.Context, provider, rawTenantID string, payload []byte, headers http.Header) (*paymentdomain.Outcome, string, error) {
	tenantID, err := tenantsvc.ParseTenantID(rawTenantID)
	if err != nil {
		s.log.Warn("webhook rejected: tenant unresolved",
			zap.String("provider", provider),
			zap.String("raw_tenant_id", rawTenantID),
		)
		return nil, "", err
	}
	ctx = tenantctx.WithTenantID(ctx, tenantID)
	log := logger.WithContext(ctx, s.log).With(
		zap.String("tenant_id", tenantID.String()),
		zap.String("provider", provider),
	)

	tenant, err := s.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return nil, "", err
	}
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return nil, "", err
	}

	event, err := adapter.Parse(ctx, payload, headers, tenant.WebhookSecret)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			log.Debug("webhook event ignored")
			body, encErr := json.Marshal(paymentdomain.Result{Status: paymentdomain.ResultStatusIgnored})
			if encErr != nil {
				return nil, "", encErr
			}
			return &paymentdomain.Outcome{Body: body, Ignored: true}, "", nil
		}
		log.Warn("webhook rejected", zap.Error(err))
		return nil, "", err
	}
	eventType := string(event.Kind)
	log = log.With(zap.String("provider_event_id", event.EventID), zap.String("event_type", event.RawType))

	if event.TenantID != 0 && event.TenantID != tenantID {
		log.Warn("webhook metadata names another tenant",
			zap.String("metadata_tenant_id", event.TenantID.String()),
			zap.Error(idempotencydomain.ErrTenantMismatch),
		)
		s.metrics.IncTenantMismatch("webhook_metadata")
	}

	cacheKey := provider + "|" + event.EventID
	cached, ok, err := s.idempotency.Lookup(ctx, tenantID, idempotencydomain.ScopeWebhook, cacheKey)
	if err != nil {
		return nil, eventType, err
	}
	if ok {
		log.Info("webhook duplicate replayed")
		return &paymentdomain.Outcome{Body: cached, Replayed: true}, eventType, nil
	}

	duplicate, err := s.idempotency.IsDuplicate(ctx, tenantID, event.EventID)
	if err != nil {
		return nil, eventType, err
	}

	_, claim, err := s.idempotency.RecordEvent(ctx, s.db, idempotencydomain.RecordEventRequest{
		TenantID:        tenantID,
		Provider:        provider,
		ProviderEventID: event.EventID,
		EventType:       event.RawType,
		Payload:         payload,
	})
	if err != nil {
		return nil, eventType, err
	}
	log = log.With(zap.Stringer("claim", claim), zap.Bool("seen_before", duplicate))
	if claim == idempotencydomain.ClaimProcessed {
		// Another delivery committed between the cache lookup and the claim.
		cached, ok, err := s.idempotency.Lookup(ctx, tenantID, idempotencydomain.ScopeWebhook, cacheKey)
		if err != nil {
			return nil, eventType, err
		}
		if ok {
			log.Info("webhook duplicate replayed after claim")
			return &paymentdomain.Outcome{Body: cached, Replayed: true}, eventType, nil
		}
		log.Info("webhook cached response expired, reprocessing")
	}
	if !claim.Owns() {
		log.Info("webhook event in flight elsewhere")
		body, err := json.Marshal(paymentdomain.Result{
			Status:  paymentdomain.ResultStatusInFlight,
			EventID: event.EventID,
			Kind:    event.Kind,
		})
		if err != nil {
			return nil, eventType, err
		}
		return &paymentdomain.Outcome{Body: body, Deferred: true}, eventType, nil
	}

	var body []byte
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		result, err := s.apply(ctx, tx, tenantID, event)
		if err != nil {
			return err
		}
		if err := s.idempotency.MarkProcessed(ctx, tx, tenantID, event.EventID); err != nil {
			return err
		}
		body, err = json.Marshal(result)
		if err != nil {
			return err
		}
		return s.idempotency.Store(ctx, tx, tenantID, idempotencydomain.ScopeWebhook, cacheKey, body, s.ttl)
	})
	if err != nil {
		log.Error("webhook processing failed", zap.Error(err))
		if markErr := s.idempotency.MarkFailed(ctx, tenantID, event.EventID, err.Error()); markErr != nil {
			log.Error("mark webhook event failed", zap.Error(markErr))
		}
		return nil, eventType, err
	}

	log.Info("webhook event processed")
	return &paymentdomain.Outcome{Body: body}, eventType, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, event *paymentdomain.Event) (*paymentdomain.Result, error) {
	booking, err := s.bookings.ResolveReference(ctx, tx, tenantID, event.BookingID, event.PaymentIntentID)
	if err != nil {
		if errors.Is(err, bookingdomain.ErrBookingNotFound) {
			return nil, paymentdomain.ErrUnknownBookingReference
		}
		return nil, err
	}

	var transition *bookingdomain.TransitionResult
	switch event.Kind {
	case paymentdomain.EventKindPaymentSucceeded:
		transition, err = s.bookings.Confirm(ctx, tx, tenantID, booking.ID, event.PaymentIntentID)
	case paymentdomain.EventKindRefunded:
		transition, err = s.bookings.Refund(ctx, tx, tenantID, booking.ID, event.RefundedAmount)
	case paymentdomain.EventKindPaymentFailed:
		transition, err = s.bookings.RecordPaymentFailure(ctx, tx, tenantID, booking.ID, event.EventID, event.FailureReason)
	default:
		return nil, paymentdomain.ErrInvalidEvent
	}
	if err != nil {
		return nil, err
	}

	processedAt := s.clock.Now().UTC()
	result := &paymentdomain.Result{
		Status:             paymentdomain.ResultStatusProcessed,
		EventID:            event.EventID,
		Kind:               event.Kind,
		BookingID:          booking.ID.String(),
		CommissionReversed: transition.CommissionReversed,
		ProcessedAt:        &processedAt,
	}
	if transition.Booking != nil {
		result.BookingStatus = string(transition.Booking.Status)
	}
	return result, nil
}

func webhookOutcome(outcome *paymentdomain.Outcome, err error) string {
	switch {
	case err != nil:
		if errors.Is(err, paymentdomain.ErrInvalidSignature) ||
			errors.Is(err, paymentdomain.ErrInvalidPayload) ||
			errors.Is(err, paymentdomain.ErrInvalidEvent) ||
			errors.Is(err, paymentdomain.ErrProviderNotFound) ||
			errors.Is(err, paymentdomain.ErrInvalidProvider) ||
			errors.Is(err, tenantdomain.ErrTenantUnresolved) ||
			errors.Is(err, tenantdomain.ErrTenantNotFound) {
			return obsmetrics.WebhookOutcomeRejected
		}
		return obsmetrics.WebhookOutcomeFailed
	case outcome == nil:
		return obsmetrics.WebhookOutcomeFailed
	case outcome.Replayed:
		return obsmetrics.WebhookOutcomeReplayed
	case outcome.Deferred:
		return obsmetrics.WebhookOutcomeInFlight
	case outcome.Ignored:
		return obsmetrics.WebhookOutcomeIgnored
	default:
		return obsmetrics.WebhookOutcomeProcessed
	}
}
