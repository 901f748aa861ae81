package model

import "github.com/shopspring/decimal"

// Triggered reports whether an observed price satisfies a trigger condition.
// PRICE_BELOW triggers at observed <= threshold; PRICE_ABOVE at >= threshold.
func Triggered(direction TriggerDirection, threshold, observed decimal.Decimal) bool {
	switch direction {
	case PriceBelow:
		return observed.LessThanOrEqual(threshold)
	case PriceAbove:
		return observed.GreaterThanOrEqual(threshold)
	default:
		return false
	}
}
