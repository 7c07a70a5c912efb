package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	bookingdomain "github.com/smallbiznis/slotbook/internal/booking/domain"
	commissiondomain "github.com/smallbiznis/slotbook/internal/commission/domain"
	idempotencydomain "github.com/smallbiznis/slotbook/internal/idempotency/domain"
	paymentdomain "github.com/smallbiznis/slotbook/internal/payment/domain"
	tenantdomain "github.com/smallbiznis/slotbook/internal/tenant/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not_found")
	ErrInternal     = errors.New("internal_error")
)

// contentionRetryAfter is the hint sent when a slot lock could not be taken in time.
const contentionRetryAfter = time.Second

type httpError struct {
	status     int
	payload    errorPayload
	retryAfter time.Duration
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		mapped := mapError(lastErr.Err)
		if mapped.retryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(mapped.retryAfter)))
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(mapped.status, errorResponse{Error: mapped.payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) httpError {
	if err == nil {
		return httpError{status: http.StatusInternalServerError, payload: internalPayload()}
	}

	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return httpError{status: http.StatusBadRequest, payload: errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}}
	}

	var fieldErrs bookingdomain.ValidationErrors
	if errors.As(err, &fieldErrs) {
		out := make([]ValidationError, 0, len(fieldErrs))
		for _, fieldErr := range fieldErrs {
			out = append(out, ValidationError{
				Field:   fieldErr.Field,
				Code:    "invalid_value",
				Message: fieldErr.Message,
			})
		}
		return httpError{status: http.StatusBadRequest, payload: errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  out,
		}}
	}

	switch {
	case errors.Is(err, bookingdomain.ErrRateLimited):
		mapped := httpError{status: http.StatusTooManyRequests, payload: errorPayload{
			Type:    "rate_limited",
			Message: "too many reservation attempts",
		}, retryAfter: contentionRetryAfter}
		var retry *bookingdomain.RetryAfterError
		if errors.As(err, &retry) && retry.After > 0 {
			mapped.retryAfter = retry.After
		}
		return mapped
	case errors.Is(err, bookingdomain.ErrLockContended),
		errors.Is(err, bookingdomain.ErrTransactionTimeout):
		return httpError{status: http.StatusServiceUnavailable, payload: errorPayload{
			Type:    "slot_busy",
			Message: "the date is being reserved by another request, retry shortly",
		}, retryAfter: contentionRetryAfter}
	case errors.Is(err, bookingdomain.ErrDailyLimitReached):
		return httpError{status: http.StatusTooManyRequests, payload: errorPayload{
			Type:    bookingdomain.ErrDailyLimitReached.Error(),
			Message: "daily reservation limit reached",
		}}
	case errors.Is(err, bookingdomain.ErrSlotAlreadyBooked):
		return httpError{status: http.StatusConflict, payload: errorPayload{
			Type:    bookingdomain.ErrSlotAlreadyBooked.Error(),
			Message: "the date is already booked",
		}}
	case errors.Is(err, bookingdomain.ErrInvalidTransition):
		return httpError{status: http.StatusConflict, payload: errorPayload{
			Type:    bookingdomain.ErrInvalidTransition.Error(),
			Message: "booking cannot change to the requested status",
		}}
	case errors.Is(err, tenantdomain.ErrTenantNotEligible):
		return httpError{status: http.StatusUnprocessableEntity, payload: errorPayload{
			Type:    tenantdomain.ErrTenantNotEligible.Error(),
			Message: "tenant cannot take reservations",
		}}
	case errors.Is(err, paymentdomain.ErrWebhookSecretUnavailable):
		return httpError{status: http.StatusUnprocessableEntity, payload: errorPayload{
			Type:    paymentdomain.ErrWebhookSecretUnavailable.Error(),
			Message: "tenant has no webhook secret",
		}}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, paymentdomain.ErrInvalidSignature):
		return httpError{status: http.StatusUnauthorized, payload: errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}}
	case errors.Is(err, ErrForbidden):
		return httpError{status: http.StatusForbidden, payload: errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}}
	case isNotFoundError(err):
		return httpError{status: http.StatusNotFound, payload: errorPayload{
			Type:    "not_found",
			Message: "not found",
		}}
	case isValidationError(err):
		return httpError{status: http.StatusBadRequest, payload: errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   validationErrorField(err),
				Code:    err.Error(),
				Message: "invalid value",
			}},
		}}
	default:
		return httpError{status: http.StatusInternalServerError, payload: internalPayload()}
	}
}

func internalPayload() errorPayload {
	return errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, bookingdomain.ErrBookingNotFound),
		errors.Is(err, tenantdomain.ErrTenantNotFound),
		errors.Is(err, paymentdomain.ErrUnknownBookingReference),
		errors.Is(err, paymentdomain.ErrProviderNotFound):
		return true
	default:
		return false
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, bookingdomain.ErrInvalidRequest),
		errors.Is(err, tenantdomain.ErrTenantRequired),
		errors.Is(err, tenantdomain.ErrTenantUnresolved),
		errors.Is(err, commissiondomain.ErrInvalidCommissionInput),
		errors.Is(err, idempotencydomain.ErrInvalidKey),
		errors.Is(err, paymentdomain.ErrInvalidProvider),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent):
		return true
	default:
		return false
	}
}

func validationErrorField(err error) string {
	switch {
	case errors.Is(err, tenantdomain.ErrTenantRequired),
		errors.Is(err, tenantdomain.ErrTenantUnresolved):
		return "tenant_id"
	case errors.Is(err, idempotencydomain.ErrInvalidKey):
		return "idempotency_key"
	case errors.Is(err, paymentdomain.ErrInvalidProvider):
		return "provider"
	case errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent):
		return "body"
	default:
		return "request"
	}
}

// classifyErrorForLog returns the error type and code recorded on the request log line.
func classifyErrorForLog(err error) (string, string) {
	mapped := mapError(err)
	switch {
	case mapped.status == http.StatusServiceUnavailable || mapped.status == http.StatusTooManyRequests:
		return "retryable", mapped.payload.Type
	case mapped.status >= http.StatusInternalServerError:
		return "internal", mapped.payload.Type
	default:
		return "client", mapped.payload.Type
	}
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
