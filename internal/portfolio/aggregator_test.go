package portfolio

import (
	"context"
	"errors"
	"fmt"
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

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{now: t0}
	clock := func() time.Time { return env.now }
	env.ledger = ledger.NewMemoryLedger(time.Hour, clock)
	env.svc = NewService(env.ledger, retry.NewPolicy(1, time.Millisecond), nil)
	env.svc.now = clock

	err := env.ledger.CreateTranche(&model.Tranche{
		ID:            "tranche-1",
		Symbol:        "DNYK-BTCUSD-BELOW-54000-20260401",
		Direction:     model.PriceBelow,
		Threshold:     d(54000),
		PremiumBps:    500,
		Maturity:      t0.Add(31 * 24 * time.Hour),
		PerAccountMin: d(100),
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
	return env
}

// matchRound drives round-1 to ACTIVE: buyer 2000 (+100 premium), seller
// 1500 collateral, so 1500 matches and 500 (+25 premium) refunds.
func (e *testEnv) matchRound(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, holder := range []string{"buyer", "seller"} {
		e.ledger.Credit(holder, d(10000))
		if _, err := e.ledger.Approve(ctx, holder, d(10000)); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	if _, err := e.ledger.AdvanceRound(ctx, "round-1", model.RoundOpen); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := e.ledger.SubmitBuyerOrder(ctx, "round-1", "buyer", d(2000), d(100)); err != nil {
		t.Fatalf("order: %v", err)
	}
	if _, err := e.ledger.DepositCollateral(ctx, "round-1", "seller", d(1500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	for _, s := range []model.RoundState{model.RoundMatched, model.RoundActive} {
		if _, err := e.ledger.AdvanceRound(ctx, "round-1", s); err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}
}

// settle observes at the given price and finalizes round-1.
func (e *testEnv) settle(t *testing.T, price int64) {
	t.Helper()
	ctx := context.Background()
	e.now = t0.Add(31 * 24 * time.Hour)
	e.ledger.SetPrice("btc-usd", d(price), true, e.now)
	if _, err := e.ledger.RequestObservation(ctx, "round-1", "btc-usd"); err != nil {
		t.Fatalf("observe: %v", err)
	}
	e.now = e.now.Add(time.Hour)
	if _, err := e.ledger.FinalizeSettlement(ctx, "round-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
}

func findPosition(t *testing.T, positions []model.Position, kind model.PositionKind) model.Position {
	t.Helper()
	for _, p := range positions {
		if p.Kind == kind {
			return p
		}
	}
	t.Fatalf("no %s position in %v", kind, positions)
	return model.Position{}
}

func TestPortfolio_ActiveRound(t *testing.T) {
	env := newTestEnv(t)
	env.matchRound(t)

	buyer := env.svc.Portfolio(context.Background(), "buyer")
	ins := findPosition(t, buyer, model.KindInsurance).Insurance
	if ins.Status != model.InsuranceActive {
		t.Errorf("status: got %s, want active", ins.Status)
	}
	if !ins.FilledAmount.Equal(d(1500)) || !ins.RefundedAmount.Equal(d(500)) {
		t.Errorf("fill: got %s/%s, want 1500 filled, 500 refunded", ins.FilledAmount, ins.RefundedAmount)
	}
	if !ins.ClaimAmount.IsZero() {
		t.Errorf("claim amount before settlement: got %s, want 0", ins.ClaimAmount)
	}
	if ins.DaysToMaturity != 31 {
		t.Errorf("days to maturity: got %d, want 31", ins.DaysToMaturity)
	}

	seller := env.svc.Portfolio(context.Background(), "seller")
	liq := findPosition(t, seller, model.KindLiquidity).Liquidity
	if liq.Status != model.LiquidityActive {
		t.Errorf("status: got %s, want active", liq.Status)
	}
	// Pool holds 1500 collateral + 75 net premium against 1500 shares.
	if !liq.CurrentValue.Equal(d(1575)) {
		t.Errorf("current value: got %s, want 1575", liq.CurrentValue)
	}
	if !liq.Earned.Equal(d(75)) {
		t.Errorf("earned: got %s, want 75 premium accrual", liq.Earned)
	}
	if !liq.LockedShares.Equal(d(1500)) {
		t.Errorf("locked shares: got %s, want 1500", liq.LockedShares)
	}
}

func TestPortfolio_TriggeredRound(t *testing.T) {
	env := newTestEnv(t)
	env.matchRound(t)
	env.settle(t, 53000)

	buyer := env.svc.Portfolio(context.Background(), "buyer")
	ins := findPosition(t, buyer, model.KindInsurance).Insurance
	if ins.Status != model.InsuranceClaimable {
		t.Errorf("status: got %s, want claimable", ins.Status)
	}
	if !ins.ClaimAmount.Equal(d(1500)) {
		t.Errorf("claim amount: got %s, want filled 1500", ins.ClaimAmount)
	}
	if ins.DaysToMaturity != 0 {
		t.Errorf("days to maturity after settlement: got %d, want 0", ins.DaysToMaturity)
	}

	seller := env.svc.Portfolio(context.Background(), "seller")
	liq := findPosition(t, seller, model.KindLiquidity).Liquidity
	if liq.Status != model.LiquidityAbsorbed {
		t.Errorf("status: got %s, want absorbed", liq.Status)
	}
	// 1500 matched collateral left the pool; 75 premium remains.
	if !liq.CurrentValue.Equal(d(75)) {
		t.Errorf("current value: got %s, want 75", liq.CurrentValue)
	}
	if !liq.Earned.Equal(d(-1425)) {
		t.Errorf("earned: got %s, want -1425 loss", liq.Earned)
	}
}

func TestPortfolio_ExpiredRound(t *testing.T) {
	env := newTestEnv(t)
	env.matchRound(t)
	env.settle(t, 55000)

	buyer := env.svc.Portfolio(context.Background(), "buyer")
	ins := findPosition(t, buyer, model.KindInsurance).Insurance
	if ins.Status != model.InsuranceExpired {
		t.Errorf("status: got %s, want expired", ins.Status)
	}

	seller := env.svc.Portfolio(context.Background(), "seller")
	liq := findPosition(t, seller, model.KindLiquidity).Liquidity
	if liq.Status != model.LiquidityWithdrawable {
		t.Errorf("status: got %s, want withdrawable", liq.Status)
	}
	if !liq.Earned.Equal(d(75)) {
		t.Errorf("earned: got %s, want 75 kept premium", liq.Earned)
	}
}

func TestClaim_ExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.matchRound(t)
	env.settle(t, 53000)
	ctx := context.Background()

	if _, err := env.svc.Claim(ctx, "round-1", "buyer"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	positions := env.svc.Portfolio(ctx, "buyer")
	ins := findPosition(t, positions, model.KindInsurance).Insurance
	if ins.Status != model.InsuranceClaimed {
		t.Errorf("status after claim: got %s, want claimed", ins.Status)
	}

	if _, err := env.svc.Claim(ctx, "round-1", "buyer"); !errors.Is(err, fault.ErrAlreadySettled) {
		t.Fatalf("second claim: got %v, want ErrAlreadySettled", err)
	}
}

// brokenIndex fails ListHoldings; everything else delegates.
type brokenIndex struct {
	ledger.Ledger
}

func (b *brokenIndex) ListHoldings(context.Context, string) (*model.Holdings, error) {
	return nil, fmt.Errorf("%w: index offline", fault.ErrNetworkTransient)
}

func TestPortfolio_EmptyFallbackWhenIndexDown(t *testing.T) {
	env := newTestEnv(t)
	env.matchRound(t)

	svc := NewService(&brokenIndex{Ledger: env.ledger}, retry.NewPolicy(2, time.Millisecond), nil)
	positions := svc.Portfolio(context.Background(), "buyer")
	if len(positions) != 0 {
		t.Fatalf("got %d positions, want empty fallback", len(positions))
	}
}

// brokenSettlement fails GetSettlementInfo; everything else delegates.
type brokenSettlement struct {
	ledger.Ledger
}

func (b *brokenSettlement) GetSettlementInfo(context.Context, string) (*model.SettlementRecord, error) {
	return nil, fmt.Errorf("%w: settlement query timed out", fault.ErrNetworkTransient)
}

// A settled round whose settlement record cannot be read is skipped, never
// guessed as expired or withdrawable.
func TestPortfolio_SkipsSettledRoundWhenRecordUnreadable(t *testing.T) {
	env := newTestEnv(t)
	env.matchRound(t)
	env.settle(t, 55000)

	svc := NewService(&brokenSettlement{Ledger: env.ledger}, retry.NewPolicy(2, time.Millisecond), nil)
	for _, holder := range []string{"buyer", "seller"} {
		positions := svc.Portfolio(context.Background(), holder)
		if len(positions) != 0 {
			t.Errorf("%s: got %+v, want the settled round skipped", holder, positions)
		}
	}
}
