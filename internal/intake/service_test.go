package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/ledger"
	"github.com/dinyk/coverage-engine/internal/model"
	"github.com/dinyk/coverage-engine/internal/retry"
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	ledger *ledger.MemoryLedger
	svc    *Service
	now    time.Time
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{now: t0.Add(time.Hour)}
	env.ledger = ledger.NewMemoryLedger(time.Hour, func() time.Time { return env.now })

	err := env.ledger.CreateTranche(&model.Tranche{
		ID:            "tranche-1",
		Symbol:        "DNYK-BTCUSD-BELOW-54000-20260401",
		Direction:     model.PriceBelow,
		Threshold:     d(54000),
		PremiumBps:    500,
		Maturity:      t0.Add(31 * 24 * time.Hour),
		PerAccountMin: d(100),
		PerAccountMax: d(100000),
		Capacity:      d(1000000),
		OracleRouteID: "btc-usd",
		Active:        true,
		CreatedAt:     t0,
	})
	if err != nil {
		t.Fatalf("create tranche: %v", err)
	}
	err = env.ledger.CreateRound(&model.Round{
		ID:         "round-1",
		TrancheID:  "tranche-1",
		SalesStart: t0,
		SalesEnd:   t0.Add(7 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create round: %v", err)
	}

	env.svc = NewService(env.ledger, retry.NewPolicy(1, time.Millisecond), cfg, nil)
	env.svc.now = func() time.Time { return env.now }
	return env
}

func (e *testEnv) fund(t *testing.T, holder string, amount int64) {
	t.Helper()
	e.ledger.Credit(holder, d(amount))
	if _, err := e.ledger.Approve(context.Background(), holder, d(amount)); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func (e *testEnv) open(t *testing.T) {
	t.Helper()
	if _, err := e.ledger.AdvanceRound(context.Background(), "round-1", model.RoundOpen); err != nil {
		t.Fatalf("open round: %v", err)
	}
}

func TestSubmitPurchase_QuotesAndEscrows(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.open(t)
	env.fund(t, "buyer", 10000)

	res, err := env.svc.SubmitPurchase(ctx, "round-1", "buyer", d(2000))
	if err != nil {
		t.Fatalf("submit purchase: %v", err)
	}
	if !res.Quote.Premium.Equal(d(100)) {
		t.Errorf("premium: got %s, want 100 = floor(2000 * 500/10000)", res.Quote.Premium)
	}
	if !res.Quote.TotalCost.Equal(d(2100)) {
		t.Errorf("total cost: got %s, want 2100", res.Quote.TotalCost)
	}
	if res.Receipt == nil || res.Receipt.Ref != "round-1" {
		t.Errorf("receipt ref: got %+v, want round-1", res.Receipt)
	}

	bal, err := env.ledger.BalanceOf(ctx, "buyer")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Equal(d(7900)) {
		t.Errorf("balance after escrow: got %s, want 7900", bal)
	}
}

func TestSubmitPurchase_RejectedOffWindowState(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.fund(t, "buyer", 10000)

	// Round is still ANNOUNCED under the strict default.
	_, err := env.svc.SubmitPurchase(ctx, "round-1", "buyer", d(2000))
	if !errors.Is(err, fault.ErrRoundNotOpen) {
		t.Fatalf("got %v, want ErrRoundNotOpen", err)
	}
	if _, err := env.ledger.GetBuyerOrder(ctx, "round-1", "buyer"); !errors.Is(err, fault.ErrNotFound) {
		t.Error("order must not reach the ledger on a local rejection")
	}
}

func TestSubmitPurchase_OffWindowPermittedWhenConfigured(t *testing.T) {
	env := newTestEnv(t, Config{AllowOffWindowIntake: true})
	ctx := context.Background()
	env.fund(t, "buyer", 10000)

	if _, err := env.svc.SubmitPurchase(ctx, "round-1", "buyer", d(2000)); err != nil {
		t.Fatalf("announced-round purchase with off-window intake enabled: %v", err)
	}
}

func TestSubmitPurchase_RejectedOutsideSalesWindow(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.open(t)
	env.fund(t, "buyer", 10000)

	env.now = t0.Add(8 * 24 * time.Hour) // past SalesEnd, round still OPEN
	_, err := env.svc.SubmitPurchase(ctx, "round-1", "buyer", d(2000))
	if !errors.Is(err, fault.ErrRoundNotOpen) {
		t.Fatalf("got %v, want ErrRoundNotOpen past sales end", err)
	}
}

func TestSubmitPurchase_Bounds(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.open(t)
	env.fund(t, "buyer", 10000)

	if _, err := env.svc.SubmitPurchase(ctx, "round-1", "buyer", d(50)); !errors.Is(err, fault.ErrOutOfBounds) {
		t.Errorf("below min: got %v, want ErrOutOfBounds", err)
	}
	if _, err := env.svc.SubmitPurchase(ctx, "round-1", "buyer", d(200000)); !errors.Is(err, fault.ErrOutOfBounds) {
		t.Errorf("above max: got %v, want ErrOutOfBounds", err)
	}
	if _, err := env.svc.SubmitPurchase(ctx, "round-1", "buyer", d(0)); !errors.Is(err, fault.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v, want ErrInvalidAmount", err)
	}
}

func TestSubmitPurchase_CapacityCumulative(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.open(t)

	// Tranche capacity is 1,000,000 with a 100,000 per-account max: ten
	// full-size orders fill the round, the eleventh trips the cap.
	for i := 0; i < 10; i++ {
		holder := "buyer-" + string(rune('a'+i))
		env.fund(t, holder, 200000)
		if _, err := env.svc.SubmitPurchase(ctx, "round-1", holder, d(100000)); err != nil {
			t.Fatalf("order %d: %v", i, err)
		}
	}
	env.fund(t, "late", 200000)
	if _, err := env.svc.SubmitPurchase(ctx, "round-1", "late", d(100000)); !errors.Is(err, fault.ErrCapacityExceeded) {
		t.Fatalf("got %v, want ErrCapacityExceeded", err)
	}
}

func TestSubmitPurchase_InsufficientBalanceRejectedLocally(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.open(t)
	env.fund(t, "buyer", 2000) // cannot cover 2000 + 100 premium

	_, err := env.svc.SubmitPurchase(ctx, "round-1", "buyer", d(2000))
	if !errors.Is(err, fault.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if _, err := env.ledger.GetBuyerOrder(ctx, "round-1", "buyer"); !errors.Is(err, fault.ErrNotFound) {
		t.Error("order must not reach the ledger when funds are short")
	}
}

func TestSubmitPurchase_TopsUpAllowance(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.open(t)
	env.ledger.Credit("buyer", d(10000)) // funded but nothing approved

	if _, err := env.svc.SubmitPurchase(ctx, "round-1", "buyer", d(2000)); err != nil {
		t.Fatalf("purchase with auto-approval: %v", err)
	}
}

func TestDepositCollateral_QuotesYield(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.open(t)
	env.fund(t, "seller", 10000)

	res, err := env.svc.DepositCollateral(ctx, "round-1", "seller", d(1500))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if res.Quote.DaysToMaturity != 30 {
		t.Errorf("days to maturity: got %d, want 30", res.Quote.DaysToMaturity)
	}
	if !res.Quote.ExpectedReturn.Equal(d(75)) {
		t.Errorf("expected return: got %s, want 75 = floor(1500 * 500/10000)", res.Quote.ExpectedReturn)
	}

	totals, err := env.ledger.GetPoolTotals(ctx, "tranche-1")
	if err != nil {
		t.Fatalf("pool totals: %v", err)
	}
	if !totals.TotalAssets.Equal(d(1500)) {
		t.Errorf("pool assets: got %s, want 1500", totals.TotalAssets)
	}
}

func TestWithdrawCollateral_ConvertsAtNAV(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.open(t)
	env.fund(t, "seller", 10000)

	if _, err := env.svc.DepositCollateral(ctx, "round-1", "seller", d(1500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	res, err := env.svc.WithdrawCollateral(ctx, "tranche-1", "seller", d(500))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !res.Shares.Equal(d(500)) {
		t.Errorf("shares: got %s, want 500 at NAV 1", res.Shares)
	}
	if !res.Amount.Equal(d(500)) {
		t.Errorf("amount: got %s, want 500", res.Amount)
	}

	bal, err := env.ledger.BalanceOf(ctx, "seller")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Equal(d(9000)) {
		t.Errorf("balance: got %s, want 9000 after 1500 in, 500 back", bal)
	}
}

func TestWithdrawCollateral_LiquidityAndShareChecks(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.open(t)
	env.fund(t, "seller", 10000)
	env.fund(t, "other", 10000)

	if _, err := env.svc.DepositCollateral(ctx, "round-1", "seller", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.svc.DepositCollateral(ctx, "round-1", "other", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := env.svc.WithdrawCollateral(ctx, "tranche-1", "seller", d(5000)); !errors.Is(err, fault.ErrInsufficientLiquidity) {
		t.Errorf("beyond pool liquidity: got %v, want ErrInsufficientLiquidity", err)
	}
	// Within pool liquidity but beyond the holder's own shares.
	if _, err := env.svc.WithdrawCollateral(ctx, "tranche-1", "seller", d(1500)); !errors.Is(err, fault.ErrInsufficientBalance) {
		t.Errorf("beyond own shares: got %v, want ErrInsufficientBalance", err)
	}
}

func TestQuotePurchase_FlagsRateCeiling(t *testing.T) {
	env := newTestEnv(t, Config{RateCeilingBps: 400})
	ctx := context.Background()

	q, err := env.svc.QuotePurchase(ctx, "tranche-1", d(2000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.RateAboveCeiling {
		t.Error("500 bps above a 400 bps ceiling must be flagged")
	}
	if !q.Premium.Equal(d(100)) {
		t.Errorf("premium: got %s, want 100 despite the flag", q.Premium)
	}
}
