package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidSourceType    = errors.New("invalid_source_type")
	ErrInvalidSourceID      = errors.New("invalid_source_id")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidOccurredAt    = errors.New("invalid_occurred_at")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidLineDirection = errors.New("invalid_line_direction")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrUnbalancedEntry      = errors.New("unbalanced_entry")
	ErrCurrencyMismatch     = errors.New("currency_mismatch")
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

type LedgerSourceType string

const (
	// commission earned when a booking payment succeeds
	SourceTypeBookingCommission LedgerSourceType = "booking_commission"
	// commission handed back on refund or admin cancellation
	SourceTypeBookingCommissionReversal LedgerSourceType = "booking_commission_reversal"
)

type LedgerAccountCode string

const (
	// Assets
	AccountCodeCommissionReceivable LedgerAccountCode = "commission_receivable"

	// Revenue
	AccountCodeCommissionRevenue LedgerAccountCode = "commission_revenue"

	// Contra revenue
	AccountCodeCommissionReversal LedgerAccountCode = "commission_reversal"
)

var accountNames = map[LedgerAccountCode]string{
	AccountCodeCommissionReceivable: "Commission receivable",
	AccountCodeCommissionRevenue:    "Commission revenue",
	AccountCodeCommissionReversal:   "Commission reversals",
}

// AccountName returns the display name used when an account is first created.
func AccountName(code LedgerAccountCode) string {
	if name, ok := accountNames[code]; ok {
		return name
	}
	return string(code)
}

// LedgerAccount defines a chart-of-accounts entry.
type LedgerAccount struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	TenantID  snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_ledger_accounts_tenant_code,priority:1"`
	Code      LedgerAccountCode `gorm:"type:text;not null;uniqueIndex:ux_ledger_accounts_tenant_code,priority:2"`
	Name      string            `gorm:"type:text;not null"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerEntry captures the immutable header for a financial event.
type LedgerEntry struct {
	ID         snowflake.ID     `gorm:"primaryKey"`
	TenantID   snowflake.ID     `gorm:"not null;index;uniqueIndex:ux_ledger_entries_tenant_source,priority:1"`
	SourceType LedgerSourceType `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_tenant_source,priority:2"`
	SourceID   snowflake.ID     `gorm:"not null;uniqueIndex:ux_ledger_entries_tenant_source,priority:3"`
	Currency   string           `gorm:"type:text;not null"`
	OccurredAt time.Time        `gorm:"not null"`
	CreatedAt  time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerEntryLine is a double-entry posting line.
type LedgerEntryLine struct {
	ID            snowflake.ID         `gorm:"primaryKey"`
	LedgerEntryID snowflake.ID         `gorm:"not null;index"`
	AccountID     snowflake.ID         `gorm:"not null;index"`
	Direction     LedgerEntryDirection `gorm:"type:text;not null"`
	Currency      string               `gorm:"type:text;not null"`
	Amount        int64                `gorm:"not null"`
	CreatedAt     time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }

// PostingLine is a line addressed by account code; the service resolves the account per tenant.
type PostingLine struct {
	Account   LedgerAccountCode
	Direction LedgerEntryDirection
	Amount    int64
}

type CreateEntryRequest struct {
	TenantID   snowflake.ID
	SourceType LedgerSourceType
	SourceID   snowflake.ID
	Currency   string
	OccurredAt time.Time
	Lines      []PostingLine
}

// ValidateBalanced checks that debits equal credits.
func ValidateBalanced(lines []PostingLine) error {
	var debit, credit int64
	for _, line := range lines {
		switch line.Direction {
		case LedgerEntryDirectionDebit:
			debit += line.Amount
		case LedgerEntryDirectionCredit:
			credit += line.Amount
		default:
			return ErrInvalidLineDirection
		}
	}
	if debit != credit {
		return ErrUnbalancedEntry
	}
	return nil
}

type Service interface {
	// CreateEntryTx posts the entry inside tx. It reports false when the entry already exists.
	CreateEntryTx(ctx context.Context, tx *gorm.DB, req CreateEntryRequest) (bool, error)
	PostCommission(ctx context.Context, tx *gorm.DB, tenantID, bookingID snowflake.ID, currency string, amount int64, occurredAt time.Time) (bool, error)
	ReverseCommission(ctx context.Context, tx *gorm.DB, tenantID, bookingID snowflake.ID, currency string, amount int64, occurredAt time.Time) (bool, error)
	AccountBalance(ctx context.Context, tenantID snowflake.ID, code LedgerAccountCode) (int64, error)
}
