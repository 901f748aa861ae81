package pricing_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/pricing"
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestPremium_Exact(t *testing.T) {
	// 1000 at 500 bps (5%) must be exactly 50 — integer arithmetic, no drift.
	q, err := pricing.Premium(d(1000), 500, 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Premium.Equal(d(50)) {
		t.Errorf("expected premium=50, got %s", q.Premium)
	}
	if !q.TotalCost.Equal(d(1050)) {
		t.Errorf("expected total=1050, got %s", q.TotalCost)
	}
	if q.RateAboveCeiling {
		t.Error("500 bps should not be flagged above a 10000 bps ceiling")
	}
}

func TestPremium_FloorsTowardPayer(t *testing.T) {
	// 999 * 333 / 10000 = 33.2667 → floor 33.
	q, err := pricing.Premium(d(999), 333, 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Premium.Equal(d(33)) {
		t.Errorf("expected floored premium=33, got %s", q.Premium)
	}
}

func TestPremium_Monotone(t *testing.T) {
	// For a fixed rate, premium(a) <= premium(b) whenever a <= b.
	prev := decimal.Zero
	for amount := int64(1); amount <= 5000; amount += 7 {
		q, err := pricing.Premium(d(amount), 725, 10000)
		if err != nil {
			t.Fatalf("amount %d: %v", amount, err)
		}
		if q.Premium.LessThan(prev) {
			t.Fatalf("monotonicity violated at amount=%d: %s < %s", amount, q.Premium, prev)
		}
		prev = q.Premium
	}
}

func TestPremium_InvalidAmount(t *testing.T) {
	for _, amount := range []decimal.Decimal{decimal.Zero, d(-5)} {
		if _, err := pricing.Premium(amount, 500, 10000); !errors.Is(err, fault.ErrInvalidAmount) {
			t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestPremium_RateAboveCeiling(t *testing.T) {
	// >100% rates are accepted for extreme-risk tranches but flagged.
	q, err := pricing.Premium(d(1000), 12000, 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.RateAboveCeiling {
		t.Error("12000 bps should be flagged above a 10000 bps ceiling")
	}
	if !q.Premium.Equal(d(1200)) {
		t.Errorf("expected premium=1200, got %s", q.Premium)
	}
}

func TestYield_Annualization(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	maturity := now.Add(73 * 24 * time.Hour) // 365/73 = 5x annualization

	q, err := pricing.Yield(d(10000), 200, maturity, now, 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.DaysToMaturity != 73 {
		t.Fatalf("expected 73 days, got %d", q.DaysToMaturity)
	}
	// 200 bps = 2%, annualized over 73 days = 10%.
	if !q.AnnualizedYieldPct.Equal(d(10)) {
		t.Errorf("expected 10%% annualized, got %s", q.AnnualizedYieldPct)
	}
	if !q.ExpectedReturn.Equal(d(200)) {
		t.Errorf("expected return=200, got %s", q.ExpectedReturn)
	}
}

func TestYield_IntradayMaturityClampsToOneDay(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, maturity := range []time.Time{now.Add(time.Hour), now.Add(-time.Hour)} {
		q, err := pricing.Yield(d(1000), 100, maturity, now, 10000)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if q.DaysToMaturity != 1 {
			t.Errorf("maturity %s: expected days clamped to 1, got %d", maturity, q.DaysToMaturity)
		}
	}
}

func TestYield_InvalidCollateral(t *testing.T) {
	now := time.Now().UTC()
	if _, err := pricing.Yield(decimal.Zero, 100, now.Add(time.Hour), now, 10000); !errors.Is(err, fault.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDaysToMaturity_Floors(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// 2 days minus one second floors to 1 day.
	maturity := now.Add(48*time.Hour - time.Second)
	if days := pricing.DaysToMaturity(maturity, now); days != 1 {
		t.Errorf("expected 1 day, got %d", days)
	}
}
