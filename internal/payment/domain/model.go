package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidProvider          = errors.New("invalid_provider")
	ErrProviderNotFound         = errors.New("provider_not_found")
	ErrInvalidSignature         = errors.New("invalid_signature")
	ErrInvalidPayload           = errors.New("invalid_payload")
	ErrInvalidEvent             = errors.New("invalid_event")
	ErrEventIgnored             = errors.New("event_ignored")
	ErrUnknownBookingReference  = errors.New("unknown_booking_reference")
	ErrWebhookSecretUnavailable = errors.New("webhook_secret_unavailable")
)

// EventKind is the provider-neutral meaning of a payment event.
type EventKind string

const (
	EventKindPaymentSucceeded EventKind = "payment_succeeded"
	EventKindPaymentFailed    EventKind = "payment_failed"
	EventKindRefunded         EventKind = "refunded"
)

// Event is the canonical payment event produced by adapters. Only the fields of
// its Kind are meaningful.
type Event struct {
	Kind            EventKind
	Provider        string
	EventID         string
	RawType         string
	BookingID       snowflake.ID
	PaymentIntentID string
	// TenantID is the tenant carried in provider metadata. Zero when absent.
	TenantID       snowflake.ID
	Amount         int64
	Currency       string
	RefundedAmount int64
	FailureReason  string
	OccurredAt     time.Time
}

// Adapter verifies and normalizes one provider's webhook deliveries.
type Adapter interface {
	Provider() string
	Parse(ctx context.Context, payload []byte, headers http.Header, secret string) (*Event, error)
}

// Result is the response body of a processed webhook. It is cached and replayed
// byte for byte on duplicate deliveries.
type Result struct {
	Status             string     `json:"status"`
	EventID            string     `json:"event_id"`
	Kind               EventKind  `json:"kind"`
	BookingID          string     `json:"booking_id,omitempty"`
	BookingStatus      string     `json:"booking_status,omitempty"`
	CommissionReversed int64      `json:"commission_reversed,omitempty"`
	ProcessedAt        *time.Time `json:"processed_at,omitempty"`
}

const (
	ResultStatusProcessed = "processed"
	ResultStatusIgnored   = "ignored"
	ResultStatusInFlight  = "in_flight"
)

// Outcome is what HandleWebhook hands back to the transport.
type Outcome struct {
	// Body is the JSON response. For replays it is the cached bytes.
	Body []byte
	// Deferred means another worker owns the event and the provider should retry later.
	Deferred bool
	Replayed bool
	Ignored  bool
}

type WebhookService interface {
	HandleWebhook(ctx context.Context, provider, rawTenantID string, payload []byte, headers http.Header) (*Outcome, error)
}
