package pool_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/model"
	"github.com/dinyk/coverage-engine/internal/pool"
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func snap(t *testing.T, assets, locked, shares int64) *pool.Snapshot {
	t.Helper()
	s, err := pool.NewSnapshot(&model.PoolTotals{
		TrancheID:    "tranche-1",
		TotalAssets:  d(assets),
		LockedAssets: d(locked),
		TotalShares:  d(shares),
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	return s
}

func TestSnapshot_Derivation(t *testing.T) {
	s := snap(t, 10000, 4000, 8000)

	if !s.AvailableLiquidity.Equal(d(6000)) {
		t.Errorf("available: got %s, want 6000", s.AvailableLiquidity)
	}
	if !s.NAVPerShare.Equal(decimal.NewFromFloat(1.25)) {
		t.Errorf("nav: got %s, want 1.25", s.NAVPerShare)
	}
	if !s.Utilization.Equal(decimal.NewFromFloat(0.4)) {
		t.Errorf("utilization: got %s, want 0.4", s.Utilization)
	}
}

func TestSnapshot_EmptyPool(t *testing.T) {
	s := snap(t, 0, 0, 0)

	if !s.NAVPerShare.Equal(d(1)) {
		t.Errorf("empty pool NAV should be 1, got %s", s.NAVPerShare)
	}
	if !s.Utilization.IsZero() {
		t.Errorf("empty pool utilization should be 0, got %s", s.Utilization)
	}
	if !s.SharesForAmount(d(500)).Equal(d(500)) {
		t.Errorf("empty pool converts 1:1, got %s", s.SharesForAmount(d(500)))
	}
}

func TestSnapshot_ConsistencyViolation(t *testing.T) {
	cases := []model.PoolTotals{
		{TrancheID: "t", TotalAssets: d(100), LockedAssets: d(150), TotalShares: d(100)},
		{TrancheID: "t", TotalAssets: d(-1), LockedAssets: d(0), TotalShares: d(0)},
		{TrancheID: "t", TotalAssets: d(100), LockedAssets: d(-1), TotalShares: d(100)},
	}
	for i, totals := range cases {
		if _, err := pool.NewSnapshot(&totals, time.Now().UTC()); !errors.Is(err, fault.ErrConsistencyViolation) {
			t.Errorf("case %d: expected ErrConsistencyViolation, got %v", i, err)
		}
	}
}

func TestConversions_RoundInPoolsFavor(t *testing.T) {
	// NAV = 1.5: 100 assets → 66 shares (floor of 66.67).
	s := snap(t, 15000, 0, 10000)

	shares := s.SharesForAmount(d(100))
	if !shares.Equal(d(66)) {
		t.Errorf("expected 66 shares, got %s", shares)
	}
	amount := s.AmountForShares(shares)
	if !amount.Equal(d(99)) {
		t.Errorf("expected 99 back, got %s", amount)
	}
}

func TestConversions_RoundTripNeverGains(t *testing.T) {
	// amountForShares(sharesForAmount(x)) <= x for any positive NAV.
	pools := []*pool.Snapshot{
		snap(t, 10000, 0, 10000),
		snap(t, 15000, 0, 10000),
		snap(t, 9999, 0, 10000), // NAV < 1 (loss-absorbed pool)
		snap(t, 7, 0, 3),
	}
	for _, s := range pools {
		for x := int64(1); x < 1000; x += 13 {
			in := d(x)
			out := s.AmountForShares(s.SharesForAmount(in))
			if out.GreaterThan(in) {
				t.Fatalf("nav=%s: round trip gained value: in=%s out=%s", s.NAVPerShare, in, out)
			}
		}
	}
}

func TestConversions_WipedPool(t *testing.T) {
	// Shares outstanding but assets fully paid out: conversions must not
	// divide by zero.
	s := snap(t, 0, 0, 5000)

	if !s.AmountForShares(d(100)).IsZero() {
		t.Errorf("wiped pool shares are worthless, got %s", s.AmountForShares(d(100)))
	}
	if !s.SharesForAmount(d(100)).Equal(d(100)) {
		t.Errorf("wiped pool deposit converts 1:1, got %s", s.SharesForAmount(d(100)))
	}
}
