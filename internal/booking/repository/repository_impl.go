package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbook/internal/booking/domain"
	"gorm.io/gorm"
)

const bookingColumns = `id, tenant_id, event_date, customer_name, customer_email, customer_phone,
	currency, total_amount, commission_amount, commission_rate, commission_clamped, commission_bound,
	refunded_amount, refunded_commission, status, payment_session_id, payment_intent_id, line_items,
	cancel_reason, created_at, confirmed_at, cancelled_at, refunded_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.Booking, error) {
	var item domain.Booking
	err := db.WithContext(ctx).Raw(
		`SELECT `+bookingColumns+`
		 FROM bookings
		 WHERE tenant_id = ? AND id = ?
		 LIMIT 1`,
		tenantID,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByPaymentIntent(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, paymentIntentID string) (*domain.Booking, error) {
	var item domain.Booking
	err := db.WithContext(ctx).Raw(
		`SELECT `+bookingColumns+`
		 FROM bookings
		 WHERE tenant_id = ? AND payment_intent_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		tenantID,
		paymentIntentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindActiveByDate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, date time.Time) (*domain.Booking, error) {
	var item domain.Booking
	err := db.WithContext(ctx).Raw(
		`SELECT `+bookingColumns+`
		 FROM bookings
		 WHERE tenant_id = ? AND event_date = ? AND status IN ?
		 LIMIT 1`,
		tenantID,
		date,
		statusStrings(domain.ActiveStatuses),
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) CountCreatedBetween(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, from, to time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*)
		 FROM bookings
		 WHERE tenant_id = ? AND created_at >= ? AND created_at < ?`,
		tenantID,
		from,
		to,
	).Scan(&count).Error
	return count, err
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, b *domain.Booking) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO bookings (`+bookingColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID,
		b.TenantID,
		b.EventDate,
		b.CustomerName,
		b.CustomerEmail,
		b.CustomerPhone,
		b.Currency,
		b.TotalAmount,
		b.CommissionAmount,
		b.CommissionRate,
		b.CommissionClamped,
		string(b.CommissionBound),
		b.RefundedAmount,
		b.RefundedCommission,
		string(b.Status),
		b.PaymentSessionID,
		b.PaymentIntentID,
		b.LineItems,
		b.CancelReason,
		b.CreatedAt,
		b.ConfirmedAt,
		b.CancelledAt,
		b.RefundedAt,
		b.UpdatedAt,
	).Error
}

func (r *repo) ApplyTransition(ctx context.Context, db *gorm.DB, t domain.Transition) (bool, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(t.To), t.At}

	switch t.To {
	case domain.StatusConfirmed:
		sets = append(sets, "confirmed_at = ?")
		args = append(args, t.At)
		if t.PaymentIntentID != "" {
			sets = append(sets, "payment_intent_id = ?")
			args = append(args, t.PaymentIntentID)
		}
	case domain.StatusRefunded:
		sets = append(sets, "refunded_at = ?", "refunded_amount = ?", "refunded_commission = ?")
		args = append(args, t.At, t.RefundedAmount, t.RefundedCommission)
	case domain.StatusCancelled:
		sets = append(sets, "cancelled_at = ?", "refunded_commission = ?")
		args = append(args, t.At, t.RefundedCommission)
		if t.Reason != "" {
			sets = append(sets, "cancel_reason = ?")
			args = append(args, t.Reason)
		}
	}

	args = append(args, t.TenantID, t.BookingID, statusStrings(t.From))
	res := db.WithContext(ctx).Exec(
		`UPDATE bookings SET `+strings.Join(sets, ", ")+`
		 WHERE tenant_id = ? AND id = ? AND status IN ?`,
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
