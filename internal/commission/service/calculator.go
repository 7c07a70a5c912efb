package service

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/slotbook/internal/commission/domain"
)

var hundred = decimal.NewFromInt(100)

type calculator struct{}

// NewCalculator returns the stateless commission calculator.
func NewCalculator() domain.Calculator {
	return calculator{}
}

// Calculate computes amount x rate / 100, rounds up to a whole minor unit and clamps
// the result into [ceil(0.5% x amount), floor(50% x amount)]. When the floor exceeds
// the ceiling the ceiling wins.
func (calculator) Calculate(amount int64, ratePercent decimal.Decimal) (domain.Breakdown, error) {
	if amount < 0 || ratePercent.IsNegative() || ratePercent.GreaterThan(domain.MaxRatePercent) {
		return domain.Breakdown{}, domain.ErrInvalidCommissionInput
	}
	if amount == 0 {
		return domain.Breakdown{RatePercent: ratePercent}, nil
	}

	base := decimal.NewFromInt(amount)
	raw := base.Mul(ratePercent).Div(hundred)
	unclamped := raw.Ceil().IntPart()
	floor := base.Mul(domain.FloorPercent).Div(hundred).Ceil().IntPart()
	ceiling := base.Mul(domain.CeilingPercent).Div(hundred).Floor().IntPart()

	result := domain.Breakdown{
		BaseAmount:  amount,
		RatePercent: ratePercent,
		Amount:      unclamped,
		Unclamped:   unclamped,
		Floor:       floor,
		Ceiling:     ceiling,
	}

	if result.Amount < floor {
		result.Amount = floor
		result.Bound = domain.BoundFloor
	}
	if result.Amount > ceiling {
		result.Amount = ceiling
		result.Bound = domain.BoundCeiling
	}
	result.Clamped = result.Amount != unclamped

	return result, nil
}

// CalculateRefund reverses original.Amount x fraction rounded down, never more than was charged.
func (calculator) CalculateRefund(original domain.Breakdown, fraction decimal.Decimal) (domain.Breakdown, error) {
	if fraction.IsNegative() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return domain.Breakdown{}, domain.ErrInvalidCommissionInput
	}
	if original.Amount < 0 || original.BaseAmount < 0 {
		return domain.Breakdown{}, domain.ErrInvalidCommissionInput
	}

	amount := decimal.NewFromInt(original.Amount).Mul(fraction).Floor().IntPart()
	if amount > original.Amount {
		amount = original.Amount
	}
	base := decimal.NewFromInt(original.BaseAmount).Mul(fraction).Floor().IntPart()

	return domain.Breakdown{
		BaseAmount:  base,
		RatePercent: original.RatePercent,
		Amount:      amount,
		Unclamped:   amount,
	}, nil
}

// CalculateRefundOf reverses floor(original.Amount x refunded / total). The product is
// taken before dividing so the result is exact. A refund at or above the total, or a
// zero total, reverses everything.
func (c calculator) CalculateRefundOf(original domain.Breakdown, refunded, total int64) (domain.Breakdown, error) {
	if refunded < 0 || total < 0 || original.Amount < 0 || original.BaseAmount < 0 {
		return domain.Breakdown{}, domain.ErrInvalidCommissionInput
	}
	if total == 0 || refunded >= total {
		return c.CalculateRefund(original, decimal.NewFromInt(1))
	}

	share := func(value int64) int64 {
		q, _ := decimal.NewFromInt(value).Mul(decimal.NewFromInt(refunded)).QuoRem(decimal.NewFromInt(total), 0)
		return q.IntPart()
	}
	amount := share(original.Amount)
	if amount > original.Amount {
		amount = original.Amount
	}

	return domain.Breakdown{
		BaseAmount:  share(original.BaseAmount),
		RatePercent: original.RatePercent,
		Amount:      amount,
		Unclamped:   amount,
	}, nil
}
