// Package intake validates and submits buyer purchases and seller
// collateral flows. Every request is checked locally (round state, sales
// window, bounds, capacity, balance) before the first mutating ledger
// call, so the common rejection cases never cost a ledger round trip and
// never leave partial state behind.
//
// Reads on the validation path go through the shared retry policy;
// mutating ledger calls are issued exactly once and their errors surface
// to the caller unretried.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/ledger"
	"github.com/dinyk/coverage-engine/internal/limits"
	"github.com/dinyk/coverage-engine/internal/metrics"
	"github.com/dinyk/coverage-engine/internal/model"
	"github.com/dinyk/coverage-engine/internal/pool"
	"github.com/dinyk/coverage-engine/internal/pricing"
	"github.com/dinyk/coverage-engine/internal/retry"
	"github.com/dinyk/coverage-engine/internal/round"
)

// Config tunes intake behavior.
type Config struct {
	// AllowOffWindowIntake permits purchases and deposits while a round
	// is ANNOUNCED or ACTIVE in addition to OPEN. Off by default:
	// intake outside the sales window complicates matching and is only
	// enabled for ledgers that accept late entries.
	AllowOffWindowIntake bool

	// RateCeilingBps flags (but does not reject) premium rates above
	// this many basis points. Zero disables the check.
	RateCeilingBps int64
}

// Service is the order-intake front door.
type Service struct {
	ledger ledger.Ledger
	policy retry.Policy
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
}

// NewService constructs an intake service over the given ledger.
func NewService(l ledger.Ledger, policy retry.Policy, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		ledger: l,
		policy: policy,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// PurchaseResult reports an accepted buyer purchase.
type PurchaseResult struct {
	Receipt *model.Receipt        `json:"receipt"`
	Quote   *pricing.PremiumQuote `json:"quote"`
}

// DepositResult reports an accepted seller collateral deposit.
type DepositResult struct {
	Receipt *model.Receipt      `json:"receipt"`
	Quote   *pricing.YieldQuote `json:"quote"`
}

// WithdrawResult reports an accepted share redemption.
type WithdrawResult struct {
	Receipt *model.Receipt  `json:"receipt"`
	Shares  decimal.Decimal `json:"shares"`
	Amount  decimal.Decimal `json:"amount"`
}

// SubmitPurchase validates and places a buyer's coverage purchase in a
// round. The premium is quoted from the tranche's rate and escrowed
// together with the principal; both are refunded pro rata for any
// unmatched remainder at match time.
func (s *Service) SubmitPurchase(ctx context.Context, roundID, holder string, amount decimal.Decimal) (*PurchaseResult, error) {
	rnd, tranche, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if err := s.checkWindow(rnd); err != nil {
		reject(err)
		return nil, err
	}

	quote, err := pricing.Premium(amount, tranche.PremiumBps, s.cfg.RateCeilingBps)
	if err != nil {
		reject(err)
		return nil, err
	}
	if err := limits.FromTranche(tranche).Check(amount, rnd.TotalBuyerPurchases); err != nil {
		reject(err)
		return nil, err
	}
	if err := s.checkFunds(ctx, holder, quote.TotalCost); err != nil {
		reject(err)
		return nil, err
	}

	// Point of no return: the order call is issued exactly once.
	receipt, err := s.ledger.SubmitBuyerOrder(ctx, roundID, holder, amount, quote.Premium)
	if err != nil {
		s.log.Error("buyer order rejected by ledger",
			"round", roundID, "holder", holder, "amount", amount, "error", err)
		return nil, fmt.Errorf("intake: submit purchase: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues("purchase").Inc()
	s.log.Info("purchase accepted",
		"round", roundID, "holder", holder,
		"amount", amount, "premium", quote.Premium, "receipt", receipt.ID)
	return &PurchaseResult{Receipt: receipt, Quote: quote}, nil
}

// DepositCollateral validates and posts a seller's collateral into a
// round's pool. Shares are minted by the ledger at the pool's NAV.
func (s *Service) DepositCollateral(ctx context.Context, roundID, holder string, amount decimal.Decimal) (*DepositResult, error) {
	rnd, tranche, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if err := s.checkWindow(rnd); err != nil {
		reject(err)
		return nil, err
	}

	quote, err := pricing.Yield(amount, tranche.PremiumBps, tranche.Maturity, s.now(), s.cfg.RateCeilingBps)
	if err != nil {
		reject(err)
		return nil, err
	}
	if err := limits.FromTranche(tranche).Check(amount, rnd.TotalSellerCollateral); err != nil {
		reject(err)
		return nil, err
	}
	if err := s.checkFunds(ctx, holder, amount); err != nil {
		reject(err)
		return nil, err
	}

	receipt, err := s.ledger.DepositCollateral(ctx, roundID, holder, amount)
	if err != nil {
		s.log.Error("collateral deposit rejected by ledger",
			"round", roundID, "holder", holder, "amount", amount, "error", err)
		return nil, fmt.Errorf("intake: deposit collateral: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues("deposit").Inc()
	s.log.Info("collateral accepted",
		"round", roundID, "holder", holder, "amount", amount, "receipt", receipt.ID)
	return &DepositResult{Receipt: receipt, Quote: quote}, nil
}

// WithdrawCollateral redeems an asset amount's worth of unlocked shares
// from a tranche's pool. The share count is derived from a fresh pool
// snapshot at ledger NAV; the ledger re-validates at execution time.
func (s *Service) WithdrawCollateral(ctx context.Context, trancheID, holder string, amount decimal.Decimal) (*WithdrawResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		err := fmt.Errorf("%w: withdrawal must be positive, got %s", fault.ErrInvalidAmount, amount)
		reject(err)
		return nil, err
	}

	snap, err := s.poolSnapshot(ctx, trancheID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(snap.AvailableLiquidity) {
		err := fmt.Errorf("%w: %s requested, %s available in tranche %s",
			fault.ErrInsufficientLiquidity, amount, snap.AvailableLiquidity, trancheID)
		reject(err)
		return nil, err
	}

	shares := snap.SharesForAmount(amount)
	if shares.IsZero() {
		err := fmt.Errorf("%w: %s converts to zero shares at NAV %s",
			fault.ErrInvalidAmount, amount, snap.NAVPerShare)
		reject(err)
		return nil, err
	}

	balance, err := retry.Fetch(ctx, s.policy, func() (*model.ShareBalance, error) {
		return s.ledger.GetShareBalance(ctx, trancheID, holder)
	})
	if err != nil {
		return nil, fmt.Errorf("intake: share balance: %w", err)
	}
	unlocked := balance.Shares.Sub(balance.LockedShares)
	if shares.GreaterThan(unlocked) {
		err := fmt.Errorf("%w: %s shares requested, %s unlocked",
			fault.ErrInsufficientBalance, shares, unlocked)
		reject(err)
		return nil, err
	}

	receipt, err := s.ledger.WithdrawCollateral(ctx, trancheID, holder, shares)
	if err != nil {
		s.log.Error("withdrawal rejected by ledger",
			"tranche", trancheID, "holder", holder, "shares", shares, "error", err)
		return nil, fmt.Errorf("intake: withdraw collateral: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues("withdraw").Inc()
	s.log.Info("withdrawal accepted",
		"tranche", trancheID, "holder", holder,
		"shares", shares, "amount", snap.AmountForShares(shares), "receipt", receipt.ID)
	return &WithdrawResult{
		Receipt: receipt,
		Shares:  shares,
		Amount:  snap.AmountForShares(shares),
	}, nil
}

// QuotePurchase prices a purchase without submitting it.
func (s *Service) QuotePurchase(ctx context.Context, trancheID string, amount decimal.Decimal) (*pricing.PremiumQuote, error) {
	tranche, err := retry.Fetch(ctx, s.policy, func() (*model.Tranche, error) {
		return s.ledger.GetTranche(ctx, trancheID)
	})
	if err != nil {
		return nil, fmt.Errorf("intake: tranche %s: %w", trancheID, err)
	}
	return pricing.Premium(amount, tranche.PremiumBps, s.cfg.RateCeilingBps)
}

// QuoteDeposit prices a collateral deposit without submitting it.
func (s *Service) QuoteDeposit(ctx context.Context, trancheID string, amount decimal.Decimal) (*pricing.YieldQuote, error) {
	tranche, err := retry.Fetch(ctx, s.policy, func() (*model.Tranche, error) {
		return s.ledger.GetTranche(ctx, trancheID)
	})
	if err != nil {
		return nil, fmt.Errorf("intake: tranche %s: %w", trancheID, err)
	}
	return pricing.Yield(amount, tranche.PremiumBps, tranche.Maturity, s.now(), s.cfg.RateCeilingBps)
}

// loadRound fetches the round and its tranche under the retry policy.
func (s *Service) loadRound(ctx context.Context, roundID string) (*model.Round, *model.Tranche, error) {
	rnd, err := retry.Fetch(ctx, s.policy, func() (*model.Round, error) {
		return s.ledger.GetRound(ctx, roundID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("intake: round %s: %w", roundID, err)
	}
	tranche, err := retry.Fetch(ctx, s.policy, func() (*model.Tranche, error) {
		return s.ledger.GetTranche(ctx, rnd.TrancheID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("intake: tranche %s: %w", rnd.TrancheID, err)
	}
	return rnd, tranche, nil
}

// checkWindow enforces the round state and the sales window. Off-window
// states are only admitted when configured; the OPEN state additionally
// requires the clock to be inside [SalesStart, SalesEnd).
func (s *Service) checkWindow(rnd *model.Round) error {
	if !round.IntakePermitted(rnd.State, s.cfg.AllowOffWindowIntake) {
		return fmt.Errorf("%w: round %s is %s", fault.ErrRoundNotOpen, rnd.ID, rnd.State)
	}
	if rnd.State == model.RoundOpen {
		now := s.now()
		if now.Before(rnd.SalesStart) || !now.Before(rnd.SalesEnd) {
			return fmt.Errorf("%w: round %s sales window is %s to %s",
				fault.ErrRoundNotOpen, rnd.ID,
				rnd.SalesStart.Format(time.RFC3339), rnd.SalesEnd.Format(time.RFC3339))
		}
	}
	return nil
}

// checkFunds verifies the holder's spendable balance covers the cost and
// tops up the engine's allowance if short. Approve is idempotent so a
// duplicate top-up from a retried request is harmless.
func (s *Service) checkFunds(ctx context.Context, holder string, cost decimal.Decimal) error {
	balance, err := retry.Fetch(ctx, s.policy, func() (decimal.Decimal, error) {
		return s.ledger.BalanceOf(ctx, holder)
	})
	if err != nil {
		return fmt.Errorf("intake: balance of %s: %w", holder, err)
	}
	if balance.LessThan(cost) {
		return fmt.Errorf("%w: need %s, have %s", fault.ErrInsufficientBalance, cost, balance)
	}

	allowance, err := retry.Fetch(ctx, s.policy, func() (decimal.Decimal, error) {
		return s.ledger.Allowance(ctx, holder)
	})
	if err != nil {
		return fmt.Errorf("intake: allowance of %s: %w", holder, err)
	}
	if allowance.LessThan(cost) {
		if _, err := s.ledger.Approve(ctx, holder, cost); err != nil {
			return fmt.Errorf("intake: approve %s for %s: %w", cost, holder, err)
		}
	}
	return nil
}

// poolSnapshot reads fresh pool totals and derives the snapshot.
func (s *Service) poolSnapshot(ctx context.Context, trancheID string) (*pool.Snapshot, error) {
	totals, err := retry.Fetch(ctx, s.policy, func() (*model.PoolTotals, error) {
		return s.ledger.GetPoolTotals(ctx, trancheID)
	})
	if err != nil {
		return nil, fmt.Errorf("intake: pool totals for %s: %w", trancheID, err)
	}
	return pool.NewSnapshot(totals, s.now())
}

func reject(err error) {
	metrics.OrderRejections.WithLabelValues(rejectionReason(err)).Inc()
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, fault.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, fault.ErrRoundNotOpen):
		return "round_not_open"
	case errors.Is(err, fault.ErrOutOfBounds):
		return "out_of_bounds"
	case errors.Is(err, fault.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, fault.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, fault.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	default:
		return "other"
	}
}
