package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	bookingdomain "github.com/smallbiznis/slotbook/internal/booking/domain"
	"github.com/smallbiznis/slotbook/internal/config"
	"github.com/smallbiznis/slotbook/internal/observability"
	"github.com/smallbiznis/slotbook/internal/payment/adapters/stripe"
	"github.com/smallbiznis/slotbook/internal/testenv"
	"github.com/smallbiznis/slotbook/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	adminToken    = "admin-secret"
	webhookSecret = "whsec_http"
)

type bookingEnvelope struct {
	Data struct {
		ID               string `json:"id"`
		TenantID         string `json:"tenant_id"`
		Status           string `json:"status"`
		EventDate        string `json:"event_date"`
		TotalAmount      int64  `json:"total_amount"`
		CommissionAmount int64  `json:"commission_amount"`
	} `json:"data"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

func newTestServer(t *testing.T) (*gin.Engine, *testenv.Stack) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	stack := testenv.New(t, nil)
	dbtest.SeedTenant(t, stack.DB, dbtest.Tenant{ID: 1, CommissionPercent: "12", IsActive: true, PaymentOnboarded: true, WebhookSecret: webhookSecret})
	dbtest.SeedTenant(t, stack.DB, dbtest.Tenant{ID: 2, IsActive: true, PaymentOnboarded: true})
	dbtest.SeedTenant(t, stack.DB, dbtest.Tenant{ID: 3, IsActive: true, PaymentOnboarded: false})

	engine := NewEngine(observability.Config{Environment: "test"}, nil)
	NewServer(ServerParams{
		Gin:        engine,
		Cfg:        config.Config{AdminToken: adminToken},
		Log:        zap.NewNop(),
		BookingSvc: stack.Bookings,
		WebhookSvc: stack.Webhooks,
	})
	return engine, stack
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func decodeBooking(t *testing.T, rec *httptest.ResponseRecorder) bookingEnvelope {
	t.Helper()
	var out bookingEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var out errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Error
}

func TestReserveBookingCreatesAndReplays(t *testing.T) {
	engine, _ := newTestServer(t)
	headers := map[string]string{headerIdempotencyKey: "checkout-42"}

	first := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/1/bookings", testenv.ReserveRequest("2026-09-12"), headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	created := decodeBooking(t, first)
	assert.Equal(t, string(bookingdomain.StatusPending), created.Data.Status)
	assert.Equal(t, "2026-09-12", created.Data.EventDate)
	assert.Equal(t, int64(105000), created.Data.TotalAmount)
	assert.Equal(t, int64(12600), created.Data.CommissionAmount)
	assert.NotEmpty(t, first.Header().Get("X-Request-Id"))

	replay := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/1/bookings", testenv.ReserveRequest("2026-09-12"), headers)
	require.Equal(t, http.StatusCreated, replay.Code, replay.Body.String())
	assert.Equal(t, created.Data.ID, decodeBooking(t, replay).Data.ID)
}

func TestReserveBookingSlotTaken(t *testing.T) {
	engine, _ := newTestServer(t)

	first := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/1/bookings", testenv.ReserveRequest("2026-09-12"), nil)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/1/bookings", testenv.ReserveRequest("2026-09-12"), nil)
	require.Equal(t, http.StatusConflict, second.Code, second.Body.String())
	assert.Equal(t, bookingdomain.ErrSlotAlreadyBooked.Error(), decodeError(t, second).Type)

	other := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/2/bookings", testenv.ReserveRequest("2026-09-12"), nil)
	assert.Equal(t, http.StatusCreated, other.Code, "another tenant may hold the same date")
}

func TestReserveBookingRejections(t *testing.T) {
	engine, _ := newTestServer(t)

	noItems := testenv.ReserveRequest("2026-09-12")
	noItems.Items = nil

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		typ    string
	}{
		{name: "malformed json", path: "/api/v1/tenants/1/bookings", body: []byte(`{"date":`), status: http.StatusBadRequest, typ: "validation_error"},
		{name: "missing items", path: "/api/v1/tenants/1/bookings", body: noItems, status: http.StatusBadRequest, typ: "validation_error"},
		{name: "unresolved tenant", path: "/api/v1/tenants/acme/bookings", body: testenv.ReserveRequest("2026-09-12"), status: http.StatusBadRequest, typ: "validation_error"},
		{name: "unknown tenant", path: "/api/v1/tenants/404/bookings", body: testenv.ReserveRequest("2026-09-12"), status: http.StatusNotFound, typ: "not_found"},
		{name: "ineligible tenant", path: "/api/v1/tenants/3/bookings", body: testenv.ReserveRequest("2026-09-12"), status: http.StatusUnprocessableEntity, typ: "tenant_not_eligible"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, engine, http.MethodPost, tt.path, tt.body, nil)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.typ, decodeError(t, rec).Type)
		})
	}
}

func TestGetBookingIsTenantScoped(t *testing.T) {
	engine, _ := newTestServer(t)

	created := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/1/bookings", testenv.ReserveRequest("2026-09-12"), nil)
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	id := decodeBooking(t, created).Data.ID

	rec := doJSON(t, engine, http.MethodGet, "/api/v1/tenants/1/bookings/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBooking(t, rec).Data.ID)

	rec = doJSON(t, engine, http.MethodGet, "/api/v1/tenants/2/bookings/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, engine, http.MethodGet, "/api/v1/tenants/1/bookings/not-an-id", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelBookingRequiresAdminToken(t *testing.T) {
	engine, _ := newTestServer(t)

	created := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/1/bookings", testenv.ReserveRequest("2026-09-12"), nil)
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	path := "/api/v1/tenants/1/bookings/" + decodeBooking(t, created).Data.ID + "/cancel"

	rec := doJSON(t, engine, http.MethodPost, path, map[string]string{"reason": "customer request"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, engine, http.MethodPost, path, map[string]string{"reason": "customer request"}, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, engine, http.MethodPost, path, map[string]string{"reason": "customer request"}, map[string]string{"Authorization": "Bearer " + adminToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(bookingdomain.StatusCancelled), decodeBooking(t, rec).Data.Status)

	rec = doJSON(t, engine, http.MethodPost, path, nil, map[string]string{"Authorization": "Bearer " + adminToken})
	assert.Equal(t, http.StatusConflict, rec.Code, "a cancelled booking cannot be cancelled again")
}

func TestPaymentWebhookProcessesAndReplays(t *testing.T) {
	engine, _ := newTestServer(t)

	created := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/1/bookings", testenv.ReserveRequest("2026-09-12"), nil)
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	booking := decodeBooking(t, created)

	payload, err := json.Marshal(map[string]any{
		"id":      "evt_http_1",
		"object":  "event",
		"type":    "payment_intent.succeeded",
		"created": time.Now().Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":              "pi_http_1",
			"amount":          booking.Data.TotalAmount,
			"amount_received": booking.Data.TotalAmount,
			"currency":        "usd",
			"metadata":        map[string]any{"booking_id": booking.Data.ID},
		}},
	})
	require.NoError(t, err)
	signed := map[string]string{stripe.SignatureHeader: stripeSignature(webhookSecret, payload)}

	first := doJSON(t, engine, http.MethodPost, "/webhooks/stripe/1", payload, signed)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Contains(t, first.Body.String(), `"booking_status":"CONFIRMED"`)

	second := doJSON(t, engine, http.MethodPost, "/webhooks/stripe/1", payload, signed)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, "true", second.Header().Get(headerIdempotentReplay))

	rec := doJSON(t, engine, http.MethodGet, "/api/v1/tenants/1/bookings/"+booking.Data.ID, nil, nil)
	assert.Equal(t, string(bookingdomain.StatusConfirmed), decodeBooking(t, rec).Data.Status)
}

func TestPaymentWebhookRejections(t *testing.T) {
	engine, _ := newTestServer(t)
	payload := []byte(`{"id":"evt_x","object":"event","type":"charge.succeeded","data":{"object":{"id":"ch_1"}}}`)

	tests := []struct {
		name   string
		path   string
		header map[string]string
		status int
	}{
		{name: "bad signature", path: "/webhooks/stripe/1", header: map[string]string{stripe.SignatureHeader: stripeSignature("whsec_other", payload)}, status: http.StatusUnauthorized},
		{name: "missing signature", path: "/webhooks/stripe/1", status: http.StatusUnauthorized},
		{name: "unresolved tenant", path: "/webhooks/stripe/unknown", status: http.StatusBadRequest},
		{name: "unknown tenant", path: "/webhooks/stripe/404", status: http.StatusNotFound},
		{name: "unknown provider", path: "/webhooks/paypal/1", status: http.StatusNotFound},
		{name: "tenant without secret", path: "/webhooks/stripe/2", header: map[string]string{stripe.SignatureHeader: stripeSignature(webhookSecret, payload)}, status: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, engine, http.MethodPost, tt.path, payload, tt.header)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestMapErrorRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{name: "rate limited", err: &bookingdomain.RetryAfterError{Err: bookingdomain.ErrRateLimited, After: 1500 * time.Millisecond}, status: http.StatusTooManyRequests, retryAfter: "2"},
		{name: "lock contended", err: fmt.Errorf("reserve: %w", bookingdomain.ErrLockContended), status: http.StatusServiceUnavailable, retryAfter: "1"},
		{name: "transaction timeout", err: bookingdomain.ErrTransactionTimeout, status: http.StatusServiceUnavailable, retryAfter: "1"},
		{name: "daily limit", err: bookingdomain.ErrDailyLimitReached, status: http.StatusTooManyRequests},
		{name: "unexpected", err: fmt.Errorf("boom"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(ErrorHandlingMiddleware())
			r.GET("/", func(c *gin.Context) { AbortWithError(c, tt.err) })

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}

func TestClassifyErrorForLog(t *testing.T) {
	errType, code := classifyErrorForLog(bookingdomain.ErrLockContended)
	assert.Equal(t, "retryable", errType)
	assert.Equal(t, "slot_busy", code)

	errType, code = classifyErrorForLog(bookingdomain.ErrSlotAlreadyBooked)
	assert.Equal(t, "client", errType)
	assert.Equal(t, "slot_already_booked", code)

	errType, _ = classifyErrorForLog(fmt.Errorf("boom"))
	assert.Equal(t, "internal", errType)
}

func stripeSignature(secret string, payload []byte) string {
	now := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", now, payload)))
	return fmt.Sprintf("t=%d,v1=%s", now, hex.EncodeToString(mac.Sum(nil)))
}
