package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/slotbook/internal/booking/domain"
	"github.com/smallbiznis/slotbook/internal/clock"
	commissiondomain "github.com/smallbiznis/slotbook/internal/commission/domain"
	"github.com/smallbiznis/slotbook/internal/config"
	"github.com/smallbiznis/slotbook/internal/events"
	idempotencydomain "github.com/smallbiznis/slotbook/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/slotbook/internal/ledger/domain"
	"github.com/smallbiznis/slotbook/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/slotbook/internal/observability/metrics"
	tenantdomain "github.com/smallbiznis/slotbook/internal/tenant/domain"
	tenantsvc "github.com/smallbiznis/slotbook/internal/tenant/service"
	"github.com/smallbiznis/slotbook/pkg/db"
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
	GenID       *snowflake.Node
	Repo        domain.Repository
	Clock       clock.Clock
	Cfg         config.Config
	TenantSvc   tenantdomain.Service
	Calculator  commissiondomain.Calculator
	Idempotency idempotencydomain.Service
	Ledger      ledgerdomain.Service
	Outbox      *events.Outbox                  `optional:"true"`
	Policy      *config.ReservationPolicyHolder `optional:"true"`
	Limiter     domain.AdmissionLimiter         `optional:"true"`
	Metrics     *obsmetrics.BookingMetrics      `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics             `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	clock       clock.Clock
	txTimeout   time.Duration
	tenantSvc   tenantdomain.Service
	calculator  commissiondomain.Calculator
	idempotency idempotencydomain.Service
	ledger      ledgerdomain.Service
	outbox      *events.Outbox
	policy      *config.ReservationPolicyHolder
	limiter     domain.AdmissionLimiter
	validator   *domain.RequestValidator
	metrics     *obsmetrics.BookingMetrics
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	timeout := p.Cfg.Reservation.TxTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("booking.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		clock:       clk,
		txTimeout:   timeout,
		tenantSvc:   p.TenantSvc,
		calculator:  p.Calculator,
		idempotency: p.Idempotency,
		ledger:      p.Ledger,
		outbox:      p.Outbox,
		policy:      p.Policy,
		limiter:     p.Limiter,
		validator:   domain.NewRequestValidator(),
		metrics:     p.Metrics,
		obsMetrics:  p.ObsMetrics,
	}
}

// Reserve holds the requested date for the tenant. Concurrent reservations of the same
// date are serialized by an advisory lock, re-checked inside the transaction and finally
// rejected by the partial unique index.
func (s *Service) Reserve(ctx context.Context, tenantID snowflake.ID, req domain.ReserveRequest) (*domain.Booking, error) {
	start := time.Now()
	booking, outcome, err := s.reserve(ctx, tenantID, req)
	s.metrics.ObserveReservation(outcome, time.Since(start))
	s.obsMetrics.RecordReservation(ctx, tenantID.String(), outcome)
	if err == nil && booking != nil && outcome == obsmetrics.ReservationOutcomeCreated {
		s.obsMetrics.RecordCommission(ctx, tenantID.String(), booking.Currency, booking.CommissionAmount)
	}
	return booking, err
}

func (s *Service) reserve(ctx context.Context, tenantID snowflake.ID, req domain.ReserveRequest) (*domain.Booking, string, error) {
	if tenantID == 0 {
		return nil, obsmetrics.ReservationOutcomeRejected, tenantdomain.ErrTenantRequired
	}
	ctx = tenantctx.WithTenantID(ctx, tenantID)
	log := logger.WithContext(ctx, s.log).With(zap.String("tenant_id", tenantID.String()))

	normalizeRequest(&req)
	if err := s.validator.Validate(&req); err != nil {
		return nil, obsmetrics.ReservationOutcomeRejected, err
	}
	date, err := domain.ParseDate(req.Date)
	if err != nil {
		return nil, obsmetrics.ReservationOutcomeRejected, err
	}
	baseAmount, err := sumItems(req.Items)
	if err != nil {
		return nil, obsmetrics.ReservationOutcomeRejected, err
	}

	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(ctx, tenantID)
		switch {
		case err != nil:
			log.Warn("reservation limiter unavailable", zap.Error(err))
		case !allowed:
			return nil, obsmetrics.ReservationOutcomeRateLimited, &domain.RetryAfterError{Err: domain.ErrRateLimited, After: retryAfter}
		}
	}

	tenant, err := s.tenantSvc.RequireEligible(ctx, tenantID)
	if err != nil {
		return nil, obsmetrics.ReservationOutcomeRejected, err
	}

	var cacheKey string
	if req.IdempotencyKey != "" {
		cacheKey, err = reserveCacheKey(req)
		if err != nil {
			return nil, obsmetrics.ReservationOutcomeError, err
		}
		cached, ok, err := s.idempotency.Lookup(ctx, tenantID, idempotencydomain.ScopeReserve, cacheKey)
		if err != nil {
			log.Error("reservation idempotency lookup failed", zap.Error(err))
			return nil, obsmetrics.ReservationOutcomeError, fmt.Errorf("reserve booking: %w", err)
		}
		if ok {
			var replay domain.Booking
			if err := json.Unmarshal(cached, &replay); err != nil {
				return nil, obsmetrics.ReservationOutcomeError, fmt.Errorf("decode cached booking: %w", err)
			}
			return &replay, obsmetrics.ReservationOutcomeReplayed, nil
		}
	}

	// Commission is computed before any lock is taken.
	breakdown, err := s.calculator.Calculate(baseAmount, tenant.CommissionPercent)
	if err != nil {
		log.Error("commission calculation failed",
			zap.Int64("base_amount", baseAmount),
			zap.String("rate_percent", tenant.CommissionPercent.String()),
			zap.Error(err),
		)
		return nil, obsmetrics.ReservationOutcomeError, err
	}
	if breakdown.Clamped {
		s.metrics.IncCommissionClamped(string(breakdown.Bound))
		log.Info("commission clamped",
			zap.String("bound", string(breakdown.Bound)),
			zap.Int64("unclamped", breakdown.Unclamped),
			zap.Int64("amount", breakdown.Amount),
		)
	}

	now := s.clock.Now().UTC()
	booking := &domain.Booking{
		ID:                s.genID.Generate(),
		TenantID:          tenantID,
		EventDate:         date,
		CustomerName:      req.Customer.Name,
		CustomerEmail:     req.Customer.Email,
		CustomerPhone:     req.Customer.Phone,
		Currency:          tenant.Currency,
		TotalAmount:       baseAmount,
		CommissionAmount:  breakdown.Amount,
		CommissionRate:    breakdown.RatePercent,
		CommissionClamped: breakdown.Clamped,
		CommissionBound:   breakdown.Bound,
		Status:            domain.StatusPending,
		LineItems:         req.Items,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.PaymentSessionID != "" {
		session := req.PaymentSessionID
		booking.PaymentSessionID = &session
	}

	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	err = s.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		return s.reserveTx(txCtx, tx, tenant, booking, cacheKey)
	}, db.SerializableTxOptions(s.db))
	if err != nil {
		mapped := s.mapReserveError(txCtx, err)
		outcome := reservationOutcome(mapped)
		if outcome == obsmetrics.ReservationOutcomeError {
			log.Error("reservation failed",
				zap.String("date", req.Date),
				zap.String("booking_id", booking.ID.String()),
				zap.Error(err),
			)
		} else {
			log.Info("reservation rejected",
				zap.String("date", req.Date),
				zap.String("outcome", outcome),
			)
		}
		return nil, outcome, mapped
	}

	log.Info("booking reserved",
		zap.String("booking_id", booking.ID.String()),
		zap.String("date", req.Date),
		zap.Int64("total_amount", booking.TotalAmount),
		zap.Int64("commission_amount", booking.CommissionAmount),
	)
	return booking, obsmetrics.ReservationOutcomeCreated, nil
}

func (s *Service) reserveTx(ctx context.Context, tx *gorm.DB, tenant *tenantdomain.Tenant, booking *domain.Booking, cacheKey string) error {
	if err := db.SetLocalTimeouts(ctx, tx, s.txTimeout); err != nil {
		return err
	}
	if err := rls.WithTenant(ctx, tx, tenant.ID); err != nil {
		return err
	}

	lockStart := time.Now()
	acquired, err := db.TryAdvisoryXactLock(ctx, tx, tenantsvc.SlotLockKey(tenant.ID, booking.EventDate))
	s.metrics.ObserveSlotLockWait(time.Since(lockStart))
	if err != nil {
		return err
	}
	if !acquired {
		return domain.ErrLockContended
	}

	if tenant.DailyReservationLimit > 0 {
		if err := s.checkDailyLimit(ctx, tx, tenant, booking.CreatedAt); err != nil {
			return err
		}
	}

	existing, err := s.repo.FindActiveByDate(ctx, tx, tenant.ID, booking.EventDate)
	if err != nil {
		return err
	}
	if existing != nil {
		return domain.ErrSlotAlreadyBooked
	}

	if err := s.repo.Insert(ctx, tx, booking); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ErrSlotAlreadyBooked
		}
		return err
	}

	if err := s.publish(ctx, tx, booking, events.EventBookingReserved, "", nil); err != nil {
		return err
	}

	if cacheKey != "" {
		body, err := json.Marshal(booking)
		if err != nil {
			return err
		}
		if err := s.idempotency.Store(ctx, tx, tenant.ID, idempotencydomain.ScopeReserve, cacheKey, body, 0); err != nil {
			return err
		}
	}
	return nil
}

// checkDailyLimit counts reservations created on the same UTC day while holding the day lock.
func (s *Service) checkDailyLimit(ctx context.Context, tx *gorm.DB, tenant *tenantdomain.Tenant, now time.Time) error {
	acquired, err := db.TryAdvisoryXactLock(ctx, tx, tenantsvc.DailyLockKey(tenant.ID, now))
	if err != nil {
		return err
	}
	if !acquired {
		return domain.ErrLockContended
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	count, err := s.repo.CountCreatedBetween(ctx, tx, tenant.ID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return err
	}
	if count >= int64(tenant.DailyReservationLimit) {
		return domain.ErrDailyLimitReached
	}
	return nil
}

func (s *Service) mapReserveError(txCtx context.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrSlotAlreadyBooked),
		errors.Is(err, domain.ErrLockContended),
		errors.Is(err, domain.ErrDailyLimitReached):
		return err
	case db.IsDuplicateKeyErr(err):
		return domain.ErrSlotAlreadyBooked
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(txCtx.Err(), context.DeadlineExceeded),
		db.IsStatementTimeout(err):
		return fmt.Errorf("%w: %v", domain.ErrTransactionTimeout, err)
	case db.IsSerializationFailure(err), db.IsLockNotAvailable(err):
		return fmt.Errorf("%w: %v", domain.ErrLockContended, err)
	default:
		return fmt.Errorf("reserve booking: %w", err)
	}
}

func reservationOutcome(err error) string {
	switch {
	case err == nil:
		return obsmetrics.ReservationOutcomeCreated
	case errors.Is(err, domain.ErrSlotAlreadyBooked):
		return obsmetrics.ReservationOutcomeSlotTaken
	case errors.Is(err, domain.ErrLockContended):
		return obsmetrics.ReservationOutcomeLockContended
	case errors.Is(err, domain.ErrTransactionTimeout):
		return obsmetrics.ReservationOutcomeTimeout
	case errors.Is(err, domain.ErrDailyLimitReached):
		return obsmetrics.ReservationOutcomeDailyLimit
	default:
		return obsmetrics.ReservationOutcomeError
	}
}

// ReserveWithRetry retries lock contention and timeouts with linear backoff.
func (s *Service) ReserveWithRetry(ctx context.Context, tenantID snowflake.ID, req domain.ReserveRequest) (*domain.Booking, error) {
	policy := s.policy.Get()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		booking, err := s.Reserve(ctx, tenantID, req)
		if err == nil {
			return booking, nil
		}
		lastErr = err
		if !domain.IsRetryable(err) || errors.Is(err, domain.ErrRateLimited) || attempt == policy.MaxAttempts {
			return nil, err
		}

		s.metrics.IncReservationRetry()
		wait := policy.RetryBackoff * time.Duration(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func (s *Service) Get(ctx context.Context, tenantID, bookingID snowflake.ID) (*domain.Booking, error) {
	if tenantID == 0 {
		return nil, tenantdomain.ErrTenantRequired
	}
	booking, err := s.repo.FindByID(ctx, s.db, tenantID, bookingID)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, domain.ErrBookingNotFound
	}
	return booking, nil
}

// Cancel is the administrative cancellation path. A confirmed booking hands back its full commission.
func (s *Service) Cancel(ctx context.Context, tenantID, bookingID snowflake.ID, reason string) (*domain.Booking, error) {
	if tenantID == 0 {
		return nil, tenantdomain.ErrTenantRequired
	}
	reason = strings.TrimSpace(reason)

	var cancelled *domain.Booking
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		booking, err := s.repo.FindByID(ctx, tx, tenantID, bookingID)
		if err != nil {
			return err
		}
		if booking == nil {
			return domain.ErrBookingNotFound
		}
		if !booking.Status.Active() {
			return domain.ErrInvalidTransition
		}

		var reversed int64
		if booking.Status == domain.StatusConfirmed {
			refund, err := s.calculator.CalculateRefund(booking.Commission(), decimal.NewFromInt(1))
			if err != nil {
				return err
			}
			reversed = refund.Amount
		}

		now := s.clock.Now().UTC()
		applied, err := s.repo.ApplyTransition(ctx, tx, domain.Transition{
			TenantID:           tenantID,
			BookingID:          bookingID,
			From:               []domain.Status{booking.Status},
			To:                 domain.StatusCancelled,
			RefundedCommission: reversed,
			Reason:             reason,
			At:                 now,
		})
		if err != nil {
			return err
		}
		if !applied {
			return domain.ErrInvalidTransition
		}

		if _, err := s.ledger.ReverseCommission(ctx, tx, tenantID, bookingID, booking.Currency, reversed, now); err != nil {
			return err
		}
		if err := s.publish(ctx, tx, booking, events.EventBookingCancelled, "", map[string]any{
			"previous_status":     string(booking.Status),
			"commission_reversed": reversed,
			"reason":              reason,
		}); err != nil {
			return err
		}
		s.metrics.IncTransition(string(booking.Status), string(domain.StatusCancelled))

		cancelled, err = s.repo.FindByID(ctx, tx, tenantID, bookingID)
		return err
	})
	if err != nil {
		if !errors.Is(err, domain.ErrBookingNotFound) && !errors.Is(err, domain.ErrInvalidTransition) {
			s.log.Error("cancel booking failed",
				zap.String("tenant_id", tenantID.String()),
				zap.String("booking_id", bookingID.String()),
				zap.Error(err),
			)
		}
		return nil, err
	}

	s.log.Info("booking cancelled",
		zap.String("tenant_id", tenantID.String()),
		zap.String("booking_id", bookingID.String()),
		zap.Int64("commission_reversed", cancelled.RefundedCommission),
	)
	return cancelled, nil
}

func (s *Service) ResolveReference(ctx context.Context, tx *gorm.DB, tenantID, bookingID snowflake.ID, paymentIntentID string) (*domain.Booking, error) {
	if tenantID == 0 {
		return nil, tenantdomain.ErrTenantRequired
	}
	if tx == nil {
		tx = s.db
	}

	var (
		booking *domain.Booking
		err     error
	)
	switch {
	case bookingID != 0:
		booking, err = s.repo.FindByID(ctx, tx, tenantID, bookingID)
	case strings.TrimSpace(paymentIntentID) != "":
		booking, err = s.repo.FindByPaymentIntent(ctx, tx, tenantID, strings.TrimSpace(paymentIntentID))
	}
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, domain.ErrBookingNotFound
	}
	return booking, nil
}

// Confirm moves a PENDING booking to CONFIRMED and books the commission. Replays are no-ops.
func (s *Service) Confirm(ctx context.Context, tx *gorm.DB, tenantID, bookingID snowflake.ID, paymentIntentID string) (*domain.TransitionResult, error) {
	booking, err := s.ResolveReference(ctx, tx, tenantID, bookingID, "")
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	applied, err := s.repo.ApplyTransition(ctx, tx, domain.Transition{
		TenantID:        tenantID,
		BookingID:       booking.ID,
		From:            []domain.Status{domain.StatusPending},
		To:              domain.StatusConfirmed,
		PaymentIntentID: strings.TrimSpace(paymentIntentID),
		At:              now,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		if booking.Status != domain.StatusConfirmed {
			s.log.Warn("payment succeeded for booking that is not pending",
				zap.String("tenant_id", tenantID.String()),
				zap.String("booking_id", booking.ID.String()),
				zap.String("status", string(booking.Status)),
			)
		}
		return &domain.TransitionResult{Booking: booking}, nil
	}

	if _, err := s.ledger.PostCommission(ctx, tx, tenantID, booking.ID, booking.Currency, booking.CommissionAmount, now); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, tx, booking, events.EventBookingConfirmed, "", map[string]any{
		"payment_intent_id": paymentIntentID,
	}); err != nil {
		return nil, err
	}
	s.metrics.IncTransition(string(domain.StatusPending), string(domain.StatusConfirmed))

	updated, err := s.repo.FindByID(ctx, tx, tenantID, booking.ID)
	if err != nil {
		return nil, err
	}
	return &domain.TransitionResult{Booking: updated, Applied: true}, nil
}

// Refund moves a CONFIRMED booking to REFUNDED and reverses the proportional commission.
// A non-positive amount is treated as a full refund.
func (s *Service) Refund(ctx context.Context, tx *gorm.DB, tenantID, bookingID snowflake.ID, refundedAmount int64) (*domain.TransitionResult, error) {
	booking, err := s.ResolveReference(ctx, tx, tenantID, bookingID, "")
	if err != nil {
		return nil, err
	}
	if refundedAmount <= 0 || refundedAmount > booking.TotalAmount {
		refundedAmount = booking.TotalAmount
	}

	reversal, err := s.calculator.CalculateRefundOf(booking.Commission(), refundedAmount, booking.TotalAmount)
	if err != nil {
		s.log.Error("commission refund calculation failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("booking_id", booking.ID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	now := s.clock.Now().UTC()
	applied, err := s.repo.ApplyTransition(ctx, tx, domain.Transition{
		TenantID:           tenantID,
		BookingID:          booking.ID,
		From:               []domain.Status{domain.StatusConfirmed},
		To:                 domain.StatusRefunded,
		RefundedAmount:     refundedAmount,
		RefundedCommission: reversal.Amount,
		At:                 now,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		if booking.Status != domain.StatusRefunded {
			s.log.Warn("refund for booking that is not confirmed",
				zap.String("tenant_id", tenantID.String()),
				zap.String("booking_id", booking.ID.String()),
				zap.String("status", string(booking.Status)),
			)
		}
		return &domain.TransitionResult{Booking: booking}, nil
	}

	if _, err := s.ledger.ReverseCommission(ctx, tx, tenantID, booking.ID, booking.Currency, reversal.Amount, now); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, tx, booking, events.EventBookingRefunded, "", map[string]any{
		"refunded_amount":     refundedAmount,
		"commission_reversed": reversal.Amount,
	}); err != nil {
		return nil, err
	}
	s.metrics.IncTransition(string(domain.StatusConfirmed), string(domain.StatusRefunded))

	updated, err := s.repo.FindByID(ctx, tx, tenantID, booking.ID)
	if err != nil {
		return nil, err
	}
	return &domain.TransitionResult{Booking: updated, Applied: true, CommissionReversed: reversal.Amount}, nil
}

func (s *Service) RecordPaymentFailure(ctx context.Context, tx *gorm.DB, tenantID, bookingID snowflake.ID, eventRef, reason string) (*domain.TransitionResult, error) {
	booking, err := s.ResolveReference(ctx, tx, tenantID, bookingID, "")
	if err != nil {
		return nil, err
	}
	if booking.Status != domain.StatusPending {
		return &domain.TransitionResult{Booking: booking}, nil
	}

	if err := s.publish(ctx, tx, booking, events.EventBookingPaymentFailed, eventRef, map[string]any{
		"reason": reason,
	}); err != nil {
		return nil, err
	}
	s.log.Info("booking payment failed",
		zap.String("tenant_id", tenantID.String()),
		zap.String("booking_id", booking.ID.String()),
		zap.String("reason", reason),
	)
	return &domain.TransitionResult{Booking: booking}, nil
}

// publish writes a lifecycle event; suffix separates events that may repeat for one booking.
func (s *Service) publish(ctx context.Context, tx *gorm.DB, booking *domain.Booking, eventType, suffix string, extra map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	payload := map[string]any{
		"booking_id":        booking.ID.String(),
		"event_date":        booking.EventDate.Format(domain.DateLayout),
		"currency":          booking.Currency,
		"total_amount":      booking.TotalAmount,
		"commission_amount": booking.CommissionAmount,
	}
	for k, v := range extra {
		payload[k] = v
	}
	dedupe := eventType + ":" + booking.ID.String()
	if suffix != "" {
		dedupe += ":" + suffix
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		TenantID:  booking.TenantID,
		Type:      eventType,
		Payload:   payload,
		DedupeKey: dedupe,
	})
}

func normalizeRequest(req *domain.ReserveRequest) {
	req.Date = strings.TrimSpace(req.Date)
	req.Customer.Name = strings.TrimSpace(req.Customer.Name)
	req.Customer.Email = strings.ToLower(strings.TrimSpace(req.Customer.Email))
	req.Customer.Phone = strings.TrimSpace(req.Customer.Phone)
	req.PaymentSessionID = strings.TrimSpace(req.PaymentSessionID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	for i := range req.Items {
		req.Items[i].Code = strings.TrimSpace(req.Items[i].Code)
		req.Items[i].Name = strings.TrimSpace(req.Items[i].Name)
	}
}

func sumItems(items []domain.LineItem) (int64, error) {
	var total int64
	for _, item := range items {
		if item.UnitAmount < 0 || item.Quantity <= 0 {
			return 0, fmt.Errorf("%w: item %s has invalid amount", domain.ErrInvalidRequest, item.Code)
		}
		if item.UnitAmount > 0 && item.Quantity > math.MaxInt64/item.UnitAmount {
			return 0, fmt.Errorf("%w: item %s amount overflows", domain.ErrInvalidRequest, item.Code)
		}
		line := item.UnitAmount * item.Quantity
		if total > math.MaxInt64-line {
			return 0, fmt.Errorf("%w: total amount overflows", domain.ErrInvalidRequest)
		}
		total += line
	}
	return total, nil
}

// reserveCacheKey binds the client key to the request body so a reused key with a
// different request never replays the wrong booking.
func reserveCacheKey(req domain.ReserveRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return req.IdempotencyKey + "|" + strconv.FormatUint(xxhash.Sum64(body), 16), nil
}
