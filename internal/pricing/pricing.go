// Package pricing implements the premium and yield calculators. Both are
// pure functions over fixed-point amounts in the smallest currency unit.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Rounding is always floor: conservative for the payer and deterministic
// across implementations.
package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/fault"
)

// BpsDenominator converts basis points to a ratio: 10000 bps = 100%.
const BpsDenominator = 10000

const secondsPerDay = 86400

var (
	bpsDenom    = decimal.NewFromInt(BpsDenominator)
	daysPerYear = decimal.NewFromInt(365)
)

// PremiumQuote is the cost breakdown for a buyer's coverage purchase.
type PremiumQuote struct {
	Amount    decimal.Decimal `json:"amount"`
	RateBps   int64           `json:"rate_bps"`
	Premium   decimal.Decimal `json:"premium"`
	TotalCost decimal.Decimal `json:"total_cost"`

	// RateAboveCeiling flags a rate past the configured sanity ceiling.
	// Rates above 10000 bps are legal (extreme-risk tranches may charge
	// more than 100%) but callers should surface the flag.
	RateAboveCeiling bool `json:"rate_above_ceiling"`
}

// Premium computes the premium and total cost for a coverage amount at a
// basis-points rate: premium = floor(amount * rateBps / 10000).
func Premium(amount decimal.Decimal, rateBps, ceilingBps int64) (*PremiumQuote, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if rateBps < 0 {
		return nil, fmt.Errorf("%w: negative rate %d bps", fault.ErrInvalidAmount, rateBps)
	}

	premium := amount.Mul(decimal.NewFromInt(rateBps)).Div(bpsDenom).Floor()
	return &PremiumQuote{
		Amount:           amount,
		RateBps:          rateBps,
		Premium:          premium,
		TotalCost:        amount.Add(premium),
		RateAboveCeiling: ceilingBps > 0 && rateBps > ceilingBps,
	}, nil
}

// YieldQuote is the return breakdown for a seller's collateral deposit.
type YieldQuote struct {
	Collateral decimal.Decimal `json:"collateral"`
	RateBps    int64           `json:"rate_bps"`

	// DaysToMaturity is floored seconds-to-maturity / 86400, never below 1.
	DaysToMaturity int64 `json:"days_to_maturity"`

	// AnnualizedYieldPct = (rateBps/100) * (365 / daysToMaturity), in percent.
	AnnualizedYieldPct decimal.Decimal `json:"annualized_yield_pct"`

	// ExpectedReturn is the premium earned if the collateral is fully
	// matched: floor(collateral * rateBps / 10000).
	ExpectedReturn decimal.Decimal `json:"expected_return"`

	RateAboveCeiling bool `json:"rate_above_ceiling"`
}

// Yield computes the annualized yield and expected return for a collateral
// amount underwriting a tranche that matures at the given time.
func Yield(collateral decimal.Decimal, rateBps int64, maturity, now time.Time, ceilingBps int64) (*YieldQuote, error) {
	if err := validateAmount(collateral); err != nil {
		return nil, err
	}
	if rateBps < 0 {
		return nil, fmt.Errorf("%w: negative rate %d bps", fault.ErrInvalidAmount, rateBps)
	}

	days := DaysToMaturity(maturity, now)
	rate := decimal.NewFromInt(rateBps)

	annualized := rate.Div(decimal.NewFromInt(100)).
		Mul(daysPerYear).
		Div(decimal.NewFromInt(days))
	expected := collateral.Mul(rate).Div(bpsDenom).Floor()

	return &YieldQuote{
		Collateral:         collateral,
		RateBps:            rateBps,
		DaysToMaturity:     days,
		AnnualizedYieldPct: annualized,
		ExpectedReturn:     expected,
		RateAboveCeiling:   ceilingBps > 0 && rateBps > ceilingBps,
	}, nil
}

// DaysToMaturity returns whole days between now and maturity, floored at 1
// so annualization never divides by zero for intraday maturities.
func DaysToMaturity(maturity, now time.Time) int64 {
	secs := maturity.Unix() - now.Unix()
	days := secs / secondsPerDay
	if days < 1 {
		return 1
	}
	return days
}

func validateAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: amount must be positive, got %s", fault.ErrInvalidAmount, amount)
	}
	return nil
}
