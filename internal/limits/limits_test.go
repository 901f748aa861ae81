package limits_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/limits"
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestCheck_WithinBounds(t *testing.T) {
	b := limits.Bounds{PerAccountMin: d(100), PerAccountMax: d(10000), Capacity: d(50000)}

	for _, amount := range []int64{100, 5000, 10000} {
		if err := b.Check(d(amount), d(0)); err != nil {
			t.Errorf("amount %d should pass: %v", amount, err)
		}
	}
}

func TestCheck_BelowMin(t *testing.T) {
	b := limits.Bounds{PerAccountMin: d(100), PerAccountMax: d(10000)}

	err := b.Check(d(50), d(0))
	if !errors.Is(err, fault.ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestCheck_AboveMax(t *testing.T) {
	b := limits.Bounds{PerAccountMin: d(100), PerAccountMax: d(10000)}

	if err := b.Check(d(10001), d(0)); !errors.Is(err, fault.ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestCheck_ZeroMaxIsUnbounded(t *testing.T) {
	b := limits.Bounds{PerAccountMin: d(1)}

	if err := b.Check(d(1_000_000_000), d(0)); err != nil {
		t.Errorf("zero max should be unbounded: %v", err)
	}
}

func TestCheck_Capacity(t *testing.T) {
	b := limits.Bounds{PerAccountMin: d(1), Capacity: d(1000)}

	// Exactly at capacity is allowed.
	if err := b.Check(d(400), d(600)); err != nil {
		t.Errorf("filling to capacity should pass: %v", err)
	}
	// One unit past is rejected.
	if err := b.Check(d(401), d(600)); !errors.Is(err, fault.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}
