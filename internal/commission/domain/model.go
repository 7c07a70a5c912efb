package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Bound names the platform limit that replaced the computed commission.
type Bound string

const (
	BoundNone    Bound = ""
	BoundFloor   Bound = "floor"
	BoundCeiling Bound = "ceiling"
)

var (
	// FloorPercent and CeilingPercent are the platform bounds on any commission.
	FloorPercent   = decimal.RequireFromString("0.5")
	CeilingPercent = decimal.NewFromInt(50)

	MaxRatePercent = decimal.NewFromInt(100)
)

var ErrInvalidCommissionInput = errors.New("invalid_commission_input")

// Breakdown is the result of one commission calculation. Amounts are minor currency units.
type Breakdown struct {
	BaseAmount  int64           `json:"base_amount"`
	RatePercent decimal.Decimal `json:"rate_percent"`
	Amount      int64           `json:"amount"`
	Unclamped   int64           `json:"unclamped"`
	Clamped     bool            `json:"clamped"`
	Bound       Bound           `json:"bound,omitempty"`
	Floor       int64           `json:"floor"`
	Ceiling     int64           `json:"ceiling"`
}

type Calculator interface {
	Calculate(amount int64, ratePercent decimal.Decimal) (Breakdown, error)
	CalculateRefund(original Breakdown, fraction decimal.Decimal) (Breakdown, error)
	// CalculateRefundOf reverses the share refunded/total of original without
	// materializing the fraction, so thirds and similar shares stay exact.
	CalculateRefundOf(original Breakdown, refunded, total int64) (Breakdown, error)
}

// RefundFraction derives the refunded share of a total, capped at one. The quotient
// is rounded to 16 digits; use Calculator.CalculateRefundOf for money.
func RefundFraction(refunded, total int64) (decimal.Decimal, error) {
	if refunded < 0 || total < 0 {
		return decimal.Zero, ErrInvalidCommissionInput
	}
	if total == 0 || refunded >= total {
		return decimal.NewFromInt(1), nil
	}
	return decimal.NewFromInt(refunded).Div(decimal.NewFromInt(total)), nil
}
