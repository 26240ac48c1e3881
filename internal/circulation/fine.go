package circulation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// DaysOverdue returns the number of whole days now is past due. Partial days
// do not count.
func DaysOverdue(due, now time.Time) int64 {
	if !now.After(due) {
		return 0
	}
	return int64(now.Sub(due) / day)
}

// CalculateFine returns the amount owed for returning at now an item due at
// due, charging perDay for every whole day overdue.
func CalculateFine(due, now time.Time, perDay decimal.Decimal) (decimal.Decimal, error) {
	if due.IsZero() || now.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: fine needs both due and current timestamps", ErrValidation)
	}
	days := DaysOverdue(due, now)
	if days == 0 {
		return decimal.Zero, nil
	}
	return perDay.Mul(decimal.NewFromInt(days)), nil
}

// Fine applies the policy rate.
func (p Policy) Fine(due, now time.Time) (decimal.Decimal, error) {
	return CalculateFine(due, now, p.FinePerDay)
}
