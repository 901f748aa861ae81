// Package pool derives per-tranche accounting figures from the raw totals
// reported by the settlement ledger: available liquidity, utilization, NAV
// per share, and the asset↔share conversions.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Conversions floor in the pool's favor, so a deposit-then-withdraw round
// trip can never mint value out of rounding.
package pool

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/model"
)

var one = decimal.NewFromInt(1)

// Snapshot is a derived, read-only view of a tranche pool at one instant.
type Snapshot struct {
	TrancheID    string          `json:"tranche_id"`
	TotalAssets  decimal.Decimal `json:"total_assets"`
	LockedAssets decimal.Decimal `json:"locked_assets"`
	TotalShares  decimal.Decimal `json:"total_shares"`

	// AvailableLiquidity = TotalAssets − LockedAssets; never negative in
	// a consistent pool.
	AvailableLiquidity decimal.Decimal `json:"available_liquidity"`

	// NAVPerShare = TotalAssets / TotalShares, 1.0 for an empty pool.
	NAVPerShare decimal.Decimal `json:"nav_per_share"`

	// Utilization = LockedAssets / TotalAssets, 0 for an empty pool.
	Utilization decimal.Decimal `json:"utilization"`

	TakenAt time.Time `json:"taken_at"`
}

// NewSnapshot derives a Snapshot from ledger-reported totals.
//
// Negative totals or lockedAssets > totalAssets are a ConsistencyViolation:
// surfaced, never silently clamped.
func NewSnapshot(totals *model.PoolTotals, now time.Time) (*Snapshot, error) {
	if totals.TotalAssets.IsNegative() || totals.LockedAssets.IsNegative() || totals.TotalShares.IsNegative() {
		return nil, fmt.Errorf("%w: tranche %s reported negative totals (assets=%s locked=%s shares=%s)",
			fault.ErrConsistencyViolation, totals.TrancheID,
			totals.TotalAssets, totals.LockedAssets, totals.TotalShares)
	}

	available := totals.TotalAssets.Sub(totals.LockedAssets)
	if available.IsNegative() {
		return nil, fmt.Errorf("%w: tranche %s locked assets %s exceed total assets %s",
			fault.ErrConsistencyViolation, totals.TrancheID,
			totals.LockedAssets, totals.TotalAssets)
	}

	nav := one
	if totals.TotalShares.IsPositive() {
		nav = totals.TotalAssets.Div(totals.TotalShares)
	}

	utilization := decimal.Zero
	if totals.TotalAssets.IsPositive() {
		utilization = totals.LockedAssets.Div(totals.TotalAssets)
	}

	return &Snapshot{
		TrancheID:          totals.TrancheID,
		TotalAssets:        totals.TotalAssets,
		LockedAssets:       totals.LockedAssets,
		TotalShares:        totals.TotalShares,
		AvailableLiquidity: available,
		NAVPerShare:        nav,
		Utilization:        utilization,
		TakenAt:            now,
	}, nil
}

// SharesForAmount converts an asset amount to shares at the current NAV,
// floored. Multiplies before dividing to avoid truncation bias. An empty
// (or fully wiped) pool converts 1:1.
func (s *Snapshot) SharesForAmount(amount decimal.Decimal) decimal.Decimal {
	if s.TotalShares.IsZero() || s.TotalAssets.IsZero() {
		return amount.Floor()
	}
	return amount.Mul(s.TotalShares).Div(s.TotalAssets).Floor()
}

// AmountForShares converts shares to an asset amount at the current NAV,
// floored in the pool's favor.
func (s *Snapshot) AmountForShares(shares decimal.Decimal) decimal.Decimal {
	if s.TotalShares.IsZero() {
		return shares.Floor()
	}
	return shares.Mul(s.TotalAssets).Div(s.TotalShares).Floor()
}
