package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	hundred      = decimal.NewFromInt(100)
	daysPerMonth = decimal.NewFromInt(30)
)

// LateCharges is the penalty breakdown applied to an overdue payment.
type LateCharges struct {
	DaysOverdue int   `json:"days_overdue"`
	Fine        int64 `json:"fine"`
	Interest    int64 `json:"interest"`
	Total       int64 `json:"total"`
}

// ComputeLateCharges prices an overdue amount as of today: a one-off fine plus
// pro-rata monthly interest over the days past due. The result depends only on
// its inputs, so re-running it on the same day yields the same total.
func ComputeLateCharges(amount int64, dueDate, today time.Time, finePct, monthlyInterestPct float64) LateCharges {
	days := int(DateOnly(today).Sub(DateOnly(dueDate)).Hours() / 24)
	if days <= 0 || amount <= 0 {
		return LateCharges{Total: amount}
	}

	base := decimal.NewFromInt(amount)
	fine := base.Mul(decimal.NewFromFloat(finePct)).Div(hundred).Round(0)
	interest := base.
		Mul(decimal.NewFromFloat(monthlyInterestPct)).
		Div(hundred).
		Mul(decimal.NewFromInt(int64(days))).
		Div(daysPerMonth).
		Round(0)

	return LateCharges{
		DaysOverdue: days,
		Fine:        fine.IntPart(),
		Interest:    interest.IntPart(),
		Total:       base.Add(fine).Add(interest).IntPart(),
	}
}

// DiscountedTotal applies a percentage discount to amount, rounding half away from zero.
func DiscountedTotal(amount int64, discountPct float64) int64 {
	if discountPct <= 0 {
		return amount
	}
	base := decimal.NewFromInt(amount)
	discount := base.Mul(decimal.NewFromFloat(discountPct)).Div(hundred)
	return base.Sub(discount).Round(0).IntPart()
}
