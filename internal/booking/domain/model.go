package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	commissiondomain "github.com/smallbiznis/slotbook/internal/commission/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DateLayout is the wire and storage form of a booking date.
const DateLayout = "2006-01-02"

var (
	ErrSlotAlreadyBooked  = errors.New("slot_already_booked")
	ErrLockContended      = errors.New("lock_contended")
	ErrTransactionTimeout = errors.New("transaction_timeout")
	ErrDailyLimitReached  = errors.New("daily_limit_reached")
	ErrBookingNotFound    = errors.New("booking_not_found")
	ErrInvalidTransition  = errors.New("invalid_transition")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
)

// RetryAfterError carries a hint for when a throttled caller may try again.
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v: retry after %s", e.Err, e.After)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// IsRetryable reports errors a caller may retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockContended) ||
		errors.Is(err, ErrTransactionTimeout) ||
		errors.Is(err, ErrRateLimited)
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
)

// ActiveStatuses hold the date for the tenant.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed}

func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

type ItemKind string

const (
	ItemKindPackage ItemKind = "package"
	ItemKindAddon   ItemKind = "addon"
)

type LineItem struct {
	Kind       ItemKind `json:"kind" validate:"required,oneof=package addon"`
	Code       string   `json:"code" validate:"required,max=64"`
	Name       string   `json:"name" validate:"required,max=200"`
	UnitAmount int64    `json:"unit_amount" validate:"gte=0"`
	Quantity   int64    `json:"quantity" validate:"gt=0,lte=10000"`
}

type Customer struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email,max=320"`
	Phone string `json:"phone,omitempty" validate:"omitempty,max=32"`
}

type ReserveRequest struct {
	Date             string     `json:"date" validate:"required,datetime=2006-01-02"`
	Customer         Customer   `json:"customer"`
	Items            []LineItem `json:"items" validate:"required,min=1,has_package,dive"`
	PaymentSessionID string     `json:"payment_session_id,omitempty" validate:"omitempty,max=255"`
	IdempotencyKey   string     `json:"-" validate:"omitempty,max=255"`
}

// Booking is one reservation of a tenant date. Commission columns are a snapshot taken at insert.
type Booking struct {
	ID                 snowflake.ID                 `json:"id" gorm:"primaryKey"`
	TenantID           snowflake.ID                 `json:"tenant_id" gorm:"not null;index"`
	EventDate          time.Time                    `json:"event_date" gorm:"type:date;not null"`
	CustomerName       string                       `json:"customer_name" gorm:"type:text;not null"`
	CustomerEmail      string                       `json:"customer_email" gorm:"type:text;not null"`
	CustomerPhone      string                       `json:"customer_phone,omitempty" gorm:"type:text"`
	Currency           string                       `json:"currency" gorm:"type:text;not null"`
	TotalAmount        int64                        `json:"total_amount" gorm:"not null"`
	CommissionAmount   int64                        `json:"commission_amount" gorm:"not null"`
	CommissionRate     decimal.Decimal              `json:"commission_rate" gorm:"type:numeric(5,2);not null"`
	CommissionClamped  bool                         `json:"commission_clamped" gorm:"not null"`
	CommissionBound    commissiondomain.Bound       `json:"commission_bound,omitempty" gorm:"type:text;not null"`
	RefundedAmount     int64                        `json:"refunded_amount" gorm:"not null"`
	RefundedCommission int64                        `json:"refunded_commission" gorm:"not null"`
	Status             Status                       `json:"status" gorm:"type:text;not null"`
	PaymentSessionID   *string                      `json:"payment_session_id,omitempty" gorm:"type:text"`
	PaymentIntentID    *string                      `json:"payment_intent_id,omitempty" gorm:"type:text"`
	LineItems          datatypes.JSONSlice[LineItem] `json:"line_items" gorm:"type:jsonb;not null"`
	CancelReason       *string                      `json:"cancel_reason,omitempty" gorm:"type:text"`
	CreatedAt          time.Time                    `json:"created_at" gorm:"not null"`
	ConfirmedAt        *time.Time                   `json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time                   `json:"cancelled_at,omitempty"`
	RefundedAt         *time.Time                   `json:"refunded_at,omitempty"`
	UpdatedAt          time.Time                    `json:"updated_at" gorm:"not null"`
}

func (Booking) TableName() string { return "bookings" }

// Commission rebuilds the breakdown stored on the booking.
func (b Booking) Commission() commissiondomain.Breakdown {
	return commissiondomain.Breakdown{
		BaseAmount:  b.TotalAmount,
		RatePercent: b.CommissionRate,
		Amount:      b.CommissionAmount,
		Clamped:     b.CommissionClamped,
		Bound:       b.CommissionBound,
	}
}

type bookingAlias Booking

func (b Booking) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		bookingAlias
		EventDate string `json:"event_date"`
	}{
		bookingAlias: bookingAlias(b),
		EventDate:    b.EventDate.Format(DateLayout),
	})
}

func (b *Booking) UnmarshalJSON(data []byte) error {
	aux := struct {
		*bookingAlias
		EventDate string `json:"event_date"`
	}{bookingAlias: (*bookingAlias)(b)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.EventDate == "" {
		b.EventDate = time.Time{}
		return nil
	}
	date, err := time.Parse(DateLayout, aux.EventDate)
	if err != nil {
		return err
	}
	b.EventDate = date
	return nil
}

// ParseDate parses a YYYY-MM-DD date as UTC midnight.
func ParseDate(raw string) (time.Time, error) {
	date, err := time.ParseInLocation(DateLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidRequest)
	}
	return date, nil
}

// Transition describes a conditional status change.
type Transition struct {
	TenantID           snowflake.ID
	BookingID          snowflake.ID
	From               []Status
	To                 Status
	PaymentIntentID    string
	RefundedAmount     int64
	RefundedCommission int64
	Reason             string
	At                 time.Time
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Booking, error)
	FindByPaymentIntent(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, paymentIntentID string) (*Booking, error)
	FindActiveByDate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, date time.Time) (*Booking, error)
	CountCreatedBetween(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, from, to time.Time) (int64, error)
	Insert(ctx context.Context, db *gorm.DB, booking *Booking) error
	// ApplyTransition reports false when the booking was not in one of the From states.
	ApplyTransition(ctx context.Context, db *gorm.DB, t Transition) (bool, error)
}

// AdmissionLimiter throttles reservation attempts per tenant.
type AdmissionLimiter interface {
	Allow(ctx context.Context, tenantID snowflake.ID) (allowed bool, retryAfter time.Duration, err error)
}

// TransitionResult reports what a webhook-driven transition did.
type TransitionResult struct {
	Booking            *Booking
	Applied            bool
	CommissionReversed int64
}

type Service interface {
	Reserve(ctx context.Context, tenantID snowflake.ID, req ReserveRequest) (*Booking, error)
	ReserveWithRetry(ctx context.Context, tenantID snowflake.ID, req ReserveRequest) (*Booking, error)
	Get(ctx context.Context, tenantID, bookingID snowflake.ID) (*Booking, error)
	Cancel(ctx context.Context, tenantID, bookingID snowflake.ID, reason string) (*Booking, error)

	// The methods below run inside the webhook processing transaction.
	ResolveReference(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, bookingID snowflake.ID, paymentIntentID string) (*Booking, error)
	Confirm(ctx context.Context, tx *gorm.DB, tenantID, bookingID snowflake.ID, paymentIntentID string) (*TransitionResult, error)
	Refund(ctx context.Context, tx *gorm.DB, tenantID, bookingID snowflake.ID, refundedAmount int64) (*TransitionResult, error)
	// RecordPaymentFailure leaves the booking PENDING so the customer can pay again.
	RecordPaymentFailure(ctx context.Context, tx *gorm.DB, tenantID, bookingID snowflake.ID, eventRef, reason string) (*TransitionResult, error)
}
