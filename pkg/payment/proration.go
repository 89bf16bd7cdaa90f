package payment

import (
	"fmt"
	"math"

	"github.com/prepstack/entitlements/pkg/tier"
)

// ComputeProratedCharge returns the upgrade charge in minor currency units:
// the monthly price difference scaled by the fraction of the billing period
// remaining, rounded to the nearest unit.
//
// A negative result means a downgrade was priced as an upgrade; those are
// rejected with ErrInvalidProration since downgrades must be scheduled for
// the end of the period, never charged immediately.
func ComputeProratedCharge(current, next tier.Definition, daysRemaining, totalDaysInPeriod int) (int64, error) {
	if daysRemaining < 0 || totalDaysInPeriod <= 0 || daysRemaining > totalDaysInPeriod {
		return 0, fmt.Errorf("%w: %d of %d days remaining", ErrInvalidProration, daysRemaining, totalDaysInPeriod)
	}
	if current.MonthlyPrice.Currency != next.MonthlyPrice.Currency {
		return 0, fmt.Errorf("%w: currency mismatch %s vs %s",
			ErrInvalidProration, current.MonthlyPrice.Currency, next.MonthlyPrice.Currency)
	}

	diff := next.MonthlyPrice.Amount - current.MonthlyPrice.Amount
	if diff < 0 {
		return 0, fmt.Errorf("%w: %q to %q is a downgrade; use the scheduling path",
			ErrInvalidProration, current.ID, next.ID)
	}

	charge := math.Round(float64(diff) * float64(daysRemaining) / float64(totalDaysInPeriod))
	return int64(charge), nil
}
