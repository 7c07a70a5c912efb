package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	bookingdomain "github.com/smallbiznis/slotbook/internal/booking/domain"
	idempotencydomain "github.com/smallbiznis/slotbook/internal/idempotency/domain"
	"github.com/smallbiznis/slotbook/internal/payment/adapters"
	"github.com/smallbiznis/slotbook/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/slotbook/internal/payment/domain"
	"github.com/smallbiznis/slotbook/internal/payment/webhook"
	tenantdomain "github.com/smallbiznis/slotbook/internal/tenant/domain"
	"github.com/smallbiznis/slotbook/internal/testenv"
	"github.com/smallbiznis/slotbook/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	secretOne = "whsec_tenant_one"
	secretTwo = "whsec_tenant_two"
)

func newStack(t *testing.T) *testenv.Stack {
	t.Helper()
	stack := testenv.New(t, nil)
	dbtest.SeedTenant(t, stack.DB, dbtest.Tenant{ID: 1, CommissionPercent: "12", IsActive: true, PaymentOnboarded: true, WebhookSecret: secretOne})
	dbtest.SeedTenant(t, stack.DB, dbtest.Tenant{ID: 2, CommissionPercent: "10", IsActive: true, PaymentOnboarded: true, WebhookSecret: secretTwo})
	return stack
}

func reserve(t *testing.T, stack *testenv.Stack, tenantID snowflake.ID, date string) *bookingdomain.Booking {
	t.Helper()
	booking, err := stack.Bookings.Reserve(context.Background(), tenantID, testenv.ReserveRequest(date))
	require.NoError(t, err)
	return booking
}

type delivery struct {
	eventID   string
	eventType string
	object    map[string]any
}

func succeeded(eventID string, booking *bookingdomain.Booking, tenantMeta string) delivery {
	return delivery{
		eventID:   eventID,
		eventType: "payment_intent.succeeded",
		object: map[string]any{
			"id":              "pi_" + booking.ID.String(),
			"amount":          booking.TotalAmount,
			"amount_received": booking.TotalAmount,
			"currency":        "usd",
			"metadata":        map[string]any{"booking_id": booking.ID.String(), "tenant_id": tenantMeta},
		},
	}
}

func refunded(eventID string, booking *bookingdomain.Booking, amount int64) delivery {
	return delivery{
		eventID:   eventID,
		eventType: "charge.refunded",
		object: map[string]any{
			"id":              "ch_" + booking.ID.String(),
			"amount":          booking.TotalAmount,
			"amount_refunded": amount,
			"currency":        "usd",
			"payment_intent":  "pi_" + booking.ID.String(),
			"metadata":        map[string]any{"booking_id": booking.ID.String()},
		},
	}
}

func send(t *testing.T, stack *testenv.Stack, tenant, secret string, d delivery) (*paymentdomain.Outcome, error) {
	t.Helper()
	return sendTo(t, stack.Webhooks, tenant, secret, d)
}

func sendTo(t *testing.T, svc paymentdomain.WebhookService, tenant, secret string, d delivery) (*paymentdomain.Outcome, error) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      d.eventID,
		"object":  "event",
		"type":    d.eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": d.object},
	})
	require.NoError(t, err)

	now := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", now, payload)))
	headers := http.Header{}
	headers.Set(stripe.SignatureHeader, fmt.Sprintf("t=%d,v1=%s", now, hex.EncodeToString(mac.Sum(nil))))

	return svc.HandleWebhook(context.Background(), "stripe", tenant, payload, headers)
}

func decode(t *testing.T, body []byte) paymentdomain.Result {
	t.Helper()
	var result paymentdomain.Result
	require.NoError(t, json.Unmarshal(body, &result))
	return result
}

func TestPaymentSucceededConfirmsAndReplays(t *testing.T) {
	stack := newStack(t)
	booking := reserve(t, stack, 1, "2026-08-20")

	first, err := send(t, stack, "1", secretOne, succeeded("evt_pay_1", booking, "1"))
	require.NoError(t, err)
	result := decode(t, first.Body)
	assert.Equal(t, paymentdomain.ResultStatusProcessed, result.Status)
	assert.Equal(t, string(bookingdomain.StatusConfirmed), result.BookingStatus)
	assert.Equal(t, booking.ID.String(), result.BookingID)

	stored, err := stack.Bookings.Get(context.Background(), 1, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, bookingdomain.StatusConfirmed, stored.Status)

	second, err := send(t, stack, "1", secretOne, succeeded("evt_pay_1", booking, "1"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Body, second.Body, "duplicates replay the cached response byte for byte")

	assert.Equal(t, int64(1), dbtest.Count(t, stack.DB, "webhook_events", "tenant_id = ?", 1))
	assert.Equal(t, int64(1), dbtest.Count(t, stack.DB, "webhook_events", "status = ?", string(idempotencydomain.EventStatusProcessed)))
	assert.Equal(t, int64(1), dbtest.Count(t, stack.DB, "ledger_entries", "tenant_id = ?", 1))
	assert.Equal(t, 1.0, stack.Counter(t, "slotbook_webhook_events_total", map[string]string{"outcome": "replayed"}))
}

func TestSameEventIDIsTenantScoped(t *testing.T) {
	stack := newStack(t)
	one := reserve(t, stack, 1, "2026-08-20")
	two := reserve(t, stack, 2, "2026-08-20")

	_, err := send(t, stack, "1", secretOne, succeeded("evt_shared", one, "1"))
	require.NoError(t, err)
	out, err := send(t, stack, "2", secretTwo, succeeded("evt_shared", two, "2"))
	require.NoError(t, err)

	assert.False(t, out.Replayed, "another tenant's record never counts as a duplicate")
	assert.Equal(t, string(bookingdomain.StatusConfirmed), decode(t, out.Body).BookingStatus)
	assert.Equal(t, int64(2), dbtest.Count(t, stack.DB, "webhook_events", "provider_event_id = ?", "evt_shared"))
	assert.Equal(t, 1.0, stack.Counter(t, "slotbook_tenant_mismatch_total", map[string]string{"surface": "webhook_event"}))
}

func TestWebhookRejections(t *testing.T) {
	stack := newStack(t)
	booking := reserve(t, stack, 1, "2026-08-20")

	_, err := send(t, stack, "not-a-tenant", secretOne, succeeded("evt_a", booking, "1"))
	assert.ErrorIs(t, err, tenantdomain.ErrTenantUnresolved)

	_, err = send(t, stack, "", secretOne, succeeded("evt_a", booking, "1"))
	assert.ErrorIs(t, err, tenantdomain.ErrTenantUnresolved)

	_, err = send(t, stack, "404", secretOne, succeeded("evt_a", booking, "1"))
	assert.ErrorIs(t, err, tenantdomain.ErrTenantNotFound)

	_, err = send(t, stack, "1", secretTwo, succeeded("evt_a", booking, "1"))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature, "signatures are checked with the route tenant's secret")

	_, err = stack.Webhooks.HandleWebhook(context.Background(), "paypal", "1", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)

	assert.Equal(t, int64(0), dbtest.Count(t, stack.DB, "webhook_events", ""))
	stored, err := stack.Bookings.Get(context.Background(), 1, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, bookingdomain.StatusPending, stored.Status)
	assert.Equal(t, 5.0, stack.Counter(t, "slotbook_webhook_events_total", map[string]string{"outcome": "rejected"}))
}

func TestIgnoredEventsAreNotRecorded(t *testing.T) {
	stack := newStack(t)

	out, err := send(t, stack, "1", secretOne, delivery{
		eventID:   "evt_customer",
		eventType: "customer.created",
		object:    map[string]any{"id": "cus_1"},
	})
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Equal(t, paymentdomain.ResultStatusIgnored, decode(t, out.Body).Status)
	assert.Equal(t, int64(0), dbtest.Count(t, stack.DB, "webhook_events", ""))
}

func TestMetadataTenantMismatchUsesRouteTenant(t *testing.T) {
	stack := newStack(t)
	booking := reserve(t, stack, 1, "2026-08-20")

	out, err := send(t, stack, "1", secretOne, succeeded("evt_meta", booking, "2"))
	require.NoError(t, err)
	assert.Equal(t, string(bookingdomain.StatusConfirmed), decode(t, out.Body).BookingStatus)
	assert.Equal(t, 1.0, stack.Counter(t, "slotbook_tenant_mismatch_total", map[string]string{"surface": "webhook_metadata"}))
	assert.Equal(t, int64(0), dbtest.Count(t, stack.DB, "webhook_events", "tenant_id = ?", 2))
}

func TestCrossTenantBookingReferenceFails(t *testing.T) {
	stack := newStack(t)
	other := reserve(t, stack, 2, "2026-08-20")

	_, err := send(t, stack, "1", secretOne, succeeded("evt_cross", other, "2"))
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownBookingReference)
	assert.Equal(t, int64(1), dbtest.Count(t, stack.DB, "webhook_events",
		"tenant_id = ? AND status = ?", 1, string(idempotencydomain.EventStatusFailed)))

	stored, err := stack.Bookings.Get(context.Background(), 2, other.ID)
	require.NoError(t, err)
	assert.Equal(t, bookingdomain.StatusPending, stored.Status)

	// The failed record is retried by the next delivery and fails again without a second row.
	_, err = send(t, stack, "1", secretOne, succeeded("evt_cross", other, "2"))
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownBookingReference)
	assert.Equal(t, int64(1), dbtest.Count(t, stack.DB, "webhook_events", "provider_event_id = ?", "evt_cross"))
}

func TestRefundReversesCommission(t *testing.T) {
	stack := newStack(t)
	booking := reserve(t, stack, 1, "2026-08-20")

	_, err := send(t, stack, "1", secretOne, succeeded("evt_pay", booking, "1"))
	require.NoError(t, err)

	out, err := send(t, stack, "1", secretOne, refunded("evt_refund", booking, booking.TotalAmount/2))
	require.NoError(t, err)
	result := decode(t, out.Body)
	assert.Equal(t, string(bookingdomain.StatusRefunded), result.BookingStatus)
	assert.Equal(t, booking.CommissionAmount/2, result.CommissionReversed)
	assert.Equal(t, int64(2), dbtest.Count(t, stack.DB, "ledger_entries", "tenant_id = ?", 1))
}

func TestInFlightEventIsDeferred(t *testing.T) {
	stack := newStack(t)
	booking := reserve(t, stack, 1, "2026-08-20")

	_, claim, err := stack.Idempotency.RecordEvent(context.Background(), stack.DB, idempotencydomain.RecordEventRequest{
		TenantID:        1,
		Provider:        "stripe",
		ProviderEventID: "evt_busy",
		EventType:       "payment_intent.succeeded",
	})
	require.NoError(t, err)
	require.Equal(t, idempotencydomain.ClaimNew, claim)

	out, err := send(t, stack, "1", secretOne, succeeded("evt_busy", booking, "1"))
	require.NoError(t, err)
	assert.True(t, out.Deferred)
	assert.Equal(t, paymentdomain.ResultStatusInFlight, decode(t, out.Body).Status)

	stored, err := stack.Bookings.Get(context.Background(), 1, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, bookingdomain.StatusPending, stored.Status)

	// Once the claim goes stale a redelivery takes over.
	stack.Clock.Advance(10 * time.Minute)
	out, err = send(t, stack, "1", secretOne, succeeded("evt_busy", booking, "1"))
	require.NoError(t, err)
	assert.Equal(t, string(bookingdomain.StatusConfirmed), decode(t, out.Body).BookingStatus)
}

// racingIdempotency runs a hook at one point of the ledger flow to interleave a
// competing delivery with the one under test.
type racingIdempotency struct {
	idempotencydomain.Service
	afterLookupMiss func()
	afterClaim      func()
}

func (r *racingIdempotency) Lookup(ctx context.Context, tenantID snowflake.ID, scope idempotencydomain.Scope, key string) ([]byte, bool, error) {
	body, ok, err := r.Service.Lookup(ctx, tenantID, scope, key)
	if err == nil && !ok && r.afterLookupMiss != nil {
		hook := r.afterLookupMiss
		r.afterLookupMiss = nil
		hook()
	}
	return body, ok, err
}

func (r *racingIdempotency) RecordEvent(ctx context.Context, conn *gorm.DB, req idempotencydomain.RecordEventRequest) (*idempotencydomain.WebhookEvent, idempotencydomain.Claim, error) {
	event, claim, err := r.Service.RecordEvent(ctx, conn, req)
	if err == nil && r.afterClaim != nil {
		hook := r.afterClaim
		r.afterClaim = nil
		hook()
	}
	return event, claim, err
}

func racingService(stack *testenv.Stack, idem *racingIdempotency) paymentdomain.WebhookService {
	return webhook.NewService(webhook.Params{
		DB:          stack.DB,
		Log:         zap.NewNop(),
		Cfg:         stack.Cfg,
		Clock:       stack.Clock,
		Tenants:     stack.Tenants,
		Bookings:    stack.Bookings,
		Idempotency: idem,
		Adapters:    adapters.NewRegistry(stripe.NewAdapter(stack.Cfg)),
		Metrics:     stack.Metrics,
	})
}

func TestDuplicateCommittedAfterLookupReplaysCachedBody(t *testing.T) {
	stack := newStack(t)
	booking := reserve(t, stack, 1, "2026-08-20")

	_, err := send(t, stack, "1", secretOne, succeeded("evt_pay", booking, "1"))
	require.NoError(t, err)

	var winner *paymentdomain.Outcome
	idem := &racingIdempotency{Service: stack.Idempotency}
	idem.afterLookupMiss = func() {
		var err error
		winner, err = send(t, stack, "1", secretOne, refunded("evt_r", booking, booking.TotalAmount/3))
		require.NoError(t, err)
	}

	loser, err := sendTo(t, racingService(stack, idem), "1", secretOne, refunded("evt_r", booking, booking.TotalAmount/3))
	require.NoError(t, err)
	require.NotNil(t, winner)

	assert.True(t, loser.Replayed)
	assert.False(t, loser.Deferred)
	assert.Equal(t, winner.Body, loser.Body, "the late duplicate returns the committed response byte for byte")
	assert.Equal(t, int64(2), dbtest.Count(t, stack.DB, "ledger_entries", "tenant_id = ?", 1))

	stored, err := stack.Bookings.Get(context.Background(), 1, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.TotalAmount/3, stored.RefundedAmount)
}

func TestDeferredDeliveryReplaysOwnerResponse(t *testing.T) {
	stack := newStack(t)
	booking := reserve(t, stack, 1, "2026-08-20")

	var deferred *paymentdomain.Outcome
	idem := &racingIdempotency{Service: stack.Idempotency}
	idem.afterClaim = func() {
		var err error
		deferred, err = send(t, stack, "1", secretOne, succeeded("evt_owner", booking, "1"))
		require.NoError(t, err)
	}

	owner, err := sendTo(t, racingService(stack, idem), "1", secretOne, succeeded("evt_owner", booking, "1"))
	require.NoError(t, err)
	require.NotNil(t, deferred)

	assert.True(t, deferred.Deferred)
	assert.Equal(t, paymentdomain.ResultStatusInFlight, decode(t, deferred.Body).Status)
	assert.Equal(t, string(bookingdomain.StatusConfirmed), decode(t, owner.Body).BookingStatus)

	retried, err := send(t, stack, "1", secretOne, succeeded("evt_owner", booking, "1"))
	require.NoError(t, err)
	assert.True(t, retried.Replayed)
	assert.Equal(t, owner.Body, retried.Body)
	assert.Equal(t, int64(1), dbtest.Count(t, stack.DB, "ledger_entries", "tenant_id = ?", 1))
}
