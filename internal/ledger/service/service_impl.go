package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbook/internal/clock"
	"github.com/smallbiznis/slotbook/internal/events"
	ledgerdomain "github.com/smallbiznis/slotbook/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/slotbook/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock         `optional:"true"`
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      clk,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

// PostCommission books commission earned on a booking: receivable against revenue.
func (s *Service) PostCommission(ctx context.Context, tx *gorm.DB, tenantID, bookingID snowflake.ID, currency string, amount int64, occurredAt time.Time) (bool, error) {
	if amount == 0 {
		return false, nil
	}
	return s.CreateEntryTx(ctx, tx, ledgerdomain.CreateEntryRequest{
		TenantID:   tenantID,
		SourceType: ledgerdomain.SourceTypeBookingCommission,
		SourceID:   bookingID,
		Currency:   currency,
		OccurredAt: occurredAt,
		Lines: []ledgerdomain.PostingLine{
			{Account: ledgerdomain.AccountCodeCommissionReceivable, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: amount},
			{Account: ledgerdomain.AccountCodeCommissionRevenue, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: amount},
		},
	})
}

// ReverseCommission books the commission handed back for a booking.
func (s *Service) ReverseCommission(ctx context.Context, tx *gorm.DB, tenantID, bookingID snowflake.ID, currency string, amount int64, occurredAt time.Time) (bool, error) {
	if amount == 0 {
		return false, nil
	}
	return s.CreateEntryTx(ctx, tx, ledgerdomain.CreateEntryRequest{
		TenantID:   tenantID,
		SourceType: ledgerdomain.SourceTypeBookingCommissionReversal,
		SourceID:   bookingID,
		Currency:   currency,
		OccurredAt: occurredAt,
		Lines: []ledgerdomain.PostingLine{
			{Account: ledgerdomain.AccountCodeCommissionReversal, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: amount},
			{Account: ledgerdomain.AccountCodeCommissionReceivable, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: amount},
		},
	})
}

func (s *Service) CreateEntryTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.CreateEntryRequest) (bool, error) {
	if req.TenantID == 0 {
		return false, ledgerdomain.ErrInvalidTenant
	}
	sourceType := ledgerdomain.LedgerSourceType(strings.TrimSpace(string(req.SourceType)))
	if sourceType == "" {
		return false, ledgerdomain.ErrInvalidSourceType
	}
	if req.SourceID == 0 {
		return false, ledgerdomain.ErrInvalidSourceID
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return false, ledgerdomain.ErrInvalidCurrency
	}
	if req.OccurredAt.IsZero() {
		return false, ledgerdomain.ErrInvalidOccurredAt
	}
	if len(req.Lines) < 2 {
		return false, ledgerdomain.ErrInvalidEntryLines
	}

	normalized := make([]ledgerdomain.PostingLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		if strings.TrimSpace(string(line.Account)) == "" {
			return false, ledgerdomain.ErrInvalidAccount
		}
		direction, err := normalizeDirection(line.Direction)
		if err != nil {
			return false, err
		}
		if line.Amount < 0 {
			return false, ledgerdomain.ErrInvalidLineAmount
		}
		normalized = append(normalized, ledgerdomain.PostingLine{
			Account:   line.Account,
			Direction: direction,
			Amount:    line.Amount,
		})
	}
	if err := ledgerdomain.ValidateBalanced(normalized); err != nil {
		return false, err
	}
	if tx == nil {
		tx = s.db
	}

	entryID := s.genID.Generate()
	now := s.clock.Now().UTC()
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, tenant_id, source_type, source_id, currency, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, source_type, source_id) DO NOTHING`,
		entryID,
		req.TenantID,
		string(sourceType),
		req.SourceID,
		currency,
		req.OccurredAt.UTC(),
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Debug("ledger entry already posted",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("source_type", string(sourceType)),
			zap.String("source_id", req.SourceID.String()),
		)
		return false, nil
	}

	for _, line := range normalized {
		accountID, err := s.ensureAccount(ctx, tx, req.TenantID, line.Account, now)
		if err != nil {
			return false, err
		}
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO ledger_entry_lines (
				id, ledger_entry_id, account_id, direction, currency, amount, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.genID.Generate(),
			entryID,
			accountID,
			string(line.Direction),
			currency,
			line.Amount,
			now,
		).Error; err != nil {
			return false, err
		}
	}

	if s.outbox != nil {
		payload := map[string]any{
			"ledger_entry_id": entryID.String(),
			"source_type":     string(sourceType),
			"source_id":       req.SourceID.String(),
			"currency":        currency,
		}
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID:  req.TenantID,
			Type:      events.EventLedgerEntryCreated,
			Payload:   payload,
			DedupeKey: "ledger_entry:" + entryID.String(),
		}); err != nil {
			return false, err
		}
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(sourceType))
	}
	return true, nil
}

// AccountBalance returns debits minus credits for the tenant's account.
func (s *Service) AccountBalance(ctx context.Context, tenantID snowflake.ID, code ledgerdomain.LedgerAccountCode) (int64, error) {
	if tenantID == 0 {
		return 0, ledgerdomain.ErrInvalidTenant
	}
	var balance int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE WHEN l.direction = ? THEN l.amount ELSE -l.amount END), 0)
		 FROM ledger_entry_lines l
		 JOIN ledger_accounts a ON a.id = l.account_id
		 WHERE a.tenant_id = ? AND a.code = ?`,
		string(ledgerdomain.LedgerEntryDirectionDebit),
		tenantID,
		string(code),
	).Scan(&balance).Error
	return balance, err
}

func (s *Service) ensureAccount(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, code ledgerdomain.LedgerAccountCode, now time.Time) (snowflake.ID, error) {
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_accounts (id, tenant_id, code, name, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, code) DO NOTHING`,
		s.genID.Generate(),
		tenantID,
		string(code),
		ledgerdomain.AccountName(code),
		now,
	).Error; err != nil {
		return 0, err
	}

	var account ledgerdomain.LedgerAccount
	if err := tx.WithContext(ctx).Raw(
		`SELECT id, tenant_id, code, name, created_at FROM ledger_accounts WHERE tenant_id = ? AND code = ?`,
		tenantID,
		string(code),
	).Scan(&account).Error; err != nil {
		return 0, err
	}
	if account.ID == 0 {
		return 0, ledgerdomain.ErrInvalidAccount
	}
	return account.ID, nil
}

func normalizeDirection(direction ledgerdomain.LedgerEntryDirection) (ledgerdomain.LedgerEntryDirection, error) {
	normalized := strings.ToLower(strings.TrimSpace(string(direction)))
	switch normalized {
	case string(ledgerdomain.LedgerEntryDirectionDebit):
		return ledgerdomain.LedgerEntryDirectionDebit, nil
	case string(ledgerdomain.LedgerEntryDirectionCredit):
		return ledgerdomain.LedgerEntryDirectionCredit, nil
	default:
		return "", ledgerdomain.ErrInvalidLineDirection
	}
}
