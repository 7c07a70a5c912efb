package service

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/slotbook/internal/booking/domain"
	"github.com/smallbiznis/slotbook/internal/booking/repository"
	"github.com/smallbiznis/slotbook/internal/clock"
	commissionsvc "github.com/smallbiznis/slotbook/internal/commission/service"
	"github.com/smallbiznis/slotbook/internal/config"
	tenantdomain "github.com/smallbiznis/slotbook/internal/tenant/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type stubTenants struct {
	tenant *tenantdomain.Tenant
}

func (s stubTenants) Resolve(context.Context, snowflake.ID) (*tenantdomain.Tenant, error) {
	return s.tenant, nil
}

func (s stubTenants) RequireEligible(context.Context, snowflake.ID) (*tenantdomain.Tenant, error) {
	return s.tenant, nil
}

func newPostgresMock(t *testing.T) (domain.Service, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	conn, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		Repo:       repository.Provide(),
		Clock:      clock.NewFakeClock(time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC)),
		Cfg:        config.Config{Reservation: config.ReservationConfig{TxTimeout: 2 * time.Second}},
		Calculator: commissionsvc.NewCalculator(),
		TenantSvc: stubTenants{tenant: &tenantdomain.Tenant{
			ID:                42,
			CommissionPercent: decimal.NewFromInt(12),
			Currency:          "USD",
			IsActive:          true,
			PaymentOnboarded:  true,
		}},
		Policy: config.NewStaticReservationPolicy(config.ReservationPolicy{
			MaxAttempts: 3, RetryBackoff: time.Millisecond, RateLimitRate: 1, RateLimitBurst: 1,
		}),
	})
	return svc, mock
}

func expectTxPreamble(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL statement_timeout")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("set_config('app.current_tenant_id'")).WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectAdvisoryLock(mock sqlmock.Sqlmock, acquired bool) {
	mock.ExpectQuery(regexp.QuoteMeta("pg_try_advisory_xact_lock")).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(acquired))
}

func TestReserveLockContendedOnPostgres(t *testing.T) {
	svc, mock := newPostgresMock(t)

	expectTxPreamble(mock)
	expectAdvisoryLock(mock, false)
	mock.ExpectRollback()

	_, err := svc.Reserve(context.Background(), 42, request("2026-09-12"))
	assert.ErrorIs(t, err, domain.ErrLockContended)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveSerializationFailureIsContention(t *testing.T) {
	svc, mock := newPostgresMock(t)

	expectTxPreamble(mock)
	expectAdvisoryLock(mock, true)
	mock.ExpectQuery(regexp.QuoteMeta("FROM bookings")).WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	_, err := svc.Reserve(context.Background(), 42, request("2026-09-12"))
	assert.ErrorIs(t, err, domain.ErrLockContended)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveUniqueViolationIsSlotTaken(t *testing.T) {
	svc, mock := newPostgresMock(t)

	expectTxPreamble(mock)
	expectAdvisoryLock(mock, true)
	mock.ExpectQuery(regexp.QuoteMeta("FROM bookings")).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bookings")).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := svc.Reserve(context.Background(), 42, request("2026-09-12"))
	assert.ErrorIs(t, err, domain.ErrSlotAlreadyBooked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveStatementTimeoutIsTransactionTimeout(t *testing.T) {
	svc, mock := newPostgresMock(t)

	expectTxPreamble(mock)
	expectAdvisoryLock(mock, true)
	mock.ExpectQuery(regexp.QuoteMeta("FROM bookings")).WillReturnError(&pgconn.PgError{Code: "57014"})
	mock.ExpectRollback()

	_, err := svc.Reserve(context.Background(), 42, request("2026-09-12"))
	assert.ErrorIs(t, err, domain.ErrTransactionTimeout)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveWithRetryRecoversFromContention(t *testing.T) {
	svc, mock := newPostgresMock(t)

	expectTxPreamble(mock)
	expectAdvisoryLock(mock, false)
	mock.ExpectRollback()

	expectTxPreamble(mock)
	expectAdvisoryLock(mock, true)
	mock.ExpectQuery(regexp.QuoteMeta("FROM bookings")).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bookings")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	booking, err := svc.ReserveWithRetry(context.Background(), 42, request("2026-09-12"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, booking.Status)
	assert.Equal(t, int64(12600), booking.CommissionAmount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	svc, mock := newPostgresMock(t)

	for i := 0; i < 3; i++ {
		expectTxPreamble(mock)
		expectAdvisoryLock(mock, false)
		mock.ExpectRollback()
	}

	_, err := svc.ReserveWithRetry(context.Background(), 42, request("2026-09-12"))
	assert.ErrorIs(t, err, domain.ErrLockContended)
	assert.NoError(t, mock.ExpectationsWereMet())
}
