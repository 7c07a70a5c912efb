package stripe

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbook/internal/config"
	paymentdomain "github.com/smallbiznis/slotbook/internal/payment/domain"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/tidwall/gjson"
)

const (
	ProviderName    = "stripe"
	SignatureHeader = "Stripe-Signature"
)

type Adapter struct {
	tolerance time.Duration
}

func NewAdapter(cfg config.Config) *Adapter {
	tolerance := cfg.Stripe.SignatureTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Adapter{tolerance: tolerance}
}

func (a *Adapter) Provider() string {
	return ProviderName
}

// Parse verifies the Stripe-Signature header against the tenant's endpoint secret
// and maps the event onto a booking payment event.
func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header, secret string) (*paymentdomain.Event, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, paymentdomain.ErrWebhookSecretUnavailable
	}
	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return nil, paymentdomain.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, paymentdomain.ErrInvalidSignature
		}
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}

	rawType := strings.TrimSpace(string(event.Type))
	var kind paymentdomain.EventKind
	switch rawType {
	case "payment_intent.succeeded", "charge.succeeded":
		kind = paymentdomain.EventKindPaymentSucceeded
	case "payment_intent.payment_failed":
		kind = paymentdomain.EventKindPaymentFailed
	case "charge.refunded":
		kind = paymentdomain.EventKindRefunded
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	object := gjson.ParseBytes(event.Data.Raw)
	if !object.IsObject() {
		return nil, paymentdomain.ErrInvalidPayload
	}

	out := &paymentdomain.Event{
		Kind:       kind,
		Provider:   ProviderName,
		EventID:    event.ID,
		RawType:    rawType,
		Amount:     object.Get("amount").Int(),
		Currency:   strings.ToUpper(strings.TrimSpace(object.Get("currency").String())),
		OccurredAt: timestamp(object.Get("created").Int(), event.Created),
	}

	if strings.HasPrefix(rawType, "payment_intent.") {
		out.PaymentIntentID = strings.TrimSpace(object.Get("id").String())
		if received := object.Get("amount_received").Int(); received > 0 && kind == paymentdomain.EventKindPaymentSucceeded {
			out.Amount = received
		}
	} else {
		out.PaymentIntentID = strings.TrimSpace(object.Get("payment_intent").String())
	}

	switch kind {
	case paymentdomain.EventKindRefunded:
		out.RefundedAmount = object.Get("amount_refunded").Int()
	case paymentdomain.EventKindPaymentFailed:
		out.FailureReason = strings.TrimSpace(object.Get("last_payment_error.message").String())
		if out.FailureReason == "" {
			out.FailureReason = strings.TrimSpace(object.Get("last_payment_error.code").String())
		}
	}

	out.BookingID = parseID(object.Get("metadata.booking_id"))
	out.TenantID = parseID(object.Get("metadata.tenant_id"))
	if out.BookingID == 0 && out.PaymentIntentID == "" {
		return nil, paymentdomain.ErrUnknownBookingReference
	}
	return out, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// parseID accepts metadata ids sent as strings or numbers.
func parseID(value gjson.Result) snowflake.ID {
	raw := strings.TrimSpace(value.String())
	if raw == "" {
		return 0
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
