// Package limits enforces a tranche's per-account coverage bounds and its
// capacity cap. Intake checks these locally before any ledger call so
// violations are rejected without spending a round trip.
package limits

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/model"
)

// Bounds holds the limits configured on a tranche.
type Bounds struct {
	// PerAccountMin and PerAccountMax bound a single request's amount.
	// A zero PerAccountMax means unbounded.
	PerAccountMin decimal.Decimal
	PerAccountMax decimal.Decimal

	// Capacity caps the round's cumulative total on one side of the
	// book. Zero means uncapped.
	Capacity decimal.Decimal
}

// FromTranche extracts the bounds a tranche imposes on its rounds.
func FromTranche(t *model.Tranche) Bounds {
	return Bounds{
		PerAccountMin: t.PerAccountMin,
		PerAccountMax: t.PerAccountMax,
		Capacity:      t.Capacity,
	}
}

// Check validates one request of `amount` against the per-account bounds
// and, given the round's current cumulative total on that side, against
// the capacity cap.
func (b Bounds) Check(amount, currentTotal decimal.Decimal) error {
	if amount.LessThan(b.PerAccountMin) {
		return fmt.Errorf("%w: amount %s below per-account min %s",
			fault.ErrOutOfBounds, amount, b.PerAccountMin)
	}
	if b.PerAccountMax.IsPositive() && amount.GreaterThan(b.PerAccountMax) {
		return fmt.Errorf("%w: amount %s above per-account max %s",
			fault.ErrOutOfBounds, amount, b.PerAccountMax)
	}
	if b.Capacity.IsPositive() && currentTotal.Add(amount).GreaterThan(b.Capacity) {
		return fmt.Errorf("%w: %s + %s exceeds capacity %s",
			fault.ErrCapacityExceeded, currentTotal, amount, b.Capacity)
	}
	return nil
}
