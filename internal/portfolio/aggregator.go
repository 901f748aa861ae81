// Package portfolio aggregates a holder's buyer orders and seller
// positions across rounds into one portfolio view, using the ledger's
// holdings index rather than scanning round IDs. Partial failures skip
// the affected round; the rest of the portfolio still renders.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/ledger"
	"github.com/dinyk/coverage-engine/internal/model"
	"github.com/dinyk/coverage-engine/internal/pool"
	"github.com/dinyk/coverage-engine/internal/pricing"
	"github.com/dinyk/coverage-engine/internal/retry"
)

// Service assembles portfolio views and routes claims.
type Service struct {
	ledger ledger.Ledger
	policy retry.Policy
	log    *slog.Logger
	now    func() time.Time
}

// NewService constructs a portfolio service over the given ledger.
func NewService(l ledger.Ledger, policy retry.Policy, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		ledger: l,
		policy: policy,
		log:    log,
		now:    time.Now,
	}
}

// Portfolio returns every position the holder has, insurance and
// liquidity. A round whose data cannot be read is skipped with a log
// line; if the holdings index itself is unreachable after retries the
// portfolio renders empty rather than failing the whole page.
func (s *Service) Portfolio(ctx context.Context, holder string) []model.Position {
	holdings, err := retry.Fetch(ctx, s.policy, func() (*model.Holdings, error) {
		return s.ledger.ListHoldings(ctx, holder)
	})
	if err != nil {
		s.log.Warn("portfolio: holdings index unreachable", "holder", holder, "error", err)
		return []model.Position{}
	}

	snapshots := make(map[string]*pool.Snapshot)
	positions := make([]model.Position, 0, len(holdings.BuyerRounds)+len(holdings.SellerRounds))

	for _, roundID := range holdings.BuyerRounds {
		p, err := s.insurancePosition(ctx, roundID, holder)
		if err != nil {
			s.log.Warn("portfolio: skipping buyer round", "round", roundID, "holder", holder, "error", err)
			continue
		}
		positions = append(positions, model.Position{Kind: model.KindInsurance, Holder: holder, Insurance: p})
	}
	for _, roundID := range holdings.SellerRounds {
		p, err := s.liquidityPosition(ctx, roundID, holder, snapshots)
		if err != nil {
			s.log.Warn("portfolio: skipping seller round", "round", roundID, "holder", holder, "error", err)
			continue
		}
		positions = append(positions, model.Position{Kind: model.KindLiquidity, Holder: holder, Liquidity: p})
	}
	return positions
}

// Claim pays out a settled, triggered, filled buyer order. The ledger
// enforces exactly-once; the call is never auto-retried.
func (s *Service) Claim(ctx context.Context, roundID, holder string) (*model.Receipt, error) {
	receipt, err := s.ledger.ClaimPayout(ctx, roundID, holder)
	if err != nil {
		return nil, fmt.Errorf("portfolio: claim round %s: %w", roundID, err)
	}
	s.log.Info("payout claimed", "round", roundID, "holder", holder, "receipt", receipt.ID)
	return receipt, nil
}

func (s *Service) insurancePosition(ctx context.Context, roundID, holder string) (*model.InsurancePosition, error) {
	rnd, tranche, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	order, err := retry.Fetch(ctx, s.policy, func() (*model.BuyerOrder, error) {
		return s.ledger.GetBuyerOrder(ctx, roundID, holder)
	})
	if err != nil {
		return nil, err
	}

	status, err := s.insuranceStatus(ctx, rnd, order)
	if err != nil {
		return nil, err
	}
	claim := decimal.Zero
	if status == model.InsuranceClaimable || status == model.InsuranceClaimed {
		claim = order.FilledAmount
	}
	return &model.InsurancePosition{
		RoundID:        roundID,
		TrancheID:      tranche.ID,
		Symbol:         tranche.Symbol,
		Status:         status,
		PurchaseAmount: order.PurchaseAmount,
		PremiumPaid:    order.PremiumPaid,
		FilledAmount:   order.FilledAmount,
		RefundedAmount: order.RefundedAmount,
		ClaimAmount:    claim,
		DaysToMaturity: s.daysToMaturity(rnd.State, tranche.Maturity),
	}, nil
}

// insuranceStatus resolves the order's status. A failed settlement read
// on a SETTLED round is an error, not an expired position: claimable and
// expired must never be guessed, the round is skipped instead.
func (s *Service) insuranceStatus(ctx context.Context, rnd *model.Round, order *model.BuyerOrder) (model.InsuranceStatus, error) {
	if order.Claimed {
		return model.InsuranceClaimed, nil
	}
	switch rnd.State {
	case model.RoundSettled:
		rec, err := retry.Fetch(ctx, s.policy, func() (*model.SettlementRecord, error) {
			return s.ledger.GetSettlementInfo(ctx, rnd.ID)
		})
		if err != nil {
			return "", fmt.Errorf("settlement info for %s: %w", rnd.ID, err)
		}
		if rec.Triggered && order.FilledAmount.IsPositive() {
			return model.InsuranceClaimable, nil
		}
		return model.InsuranceExpired, nil
	case model.RoundCanceled:
		return model.InsuranceExpired, nil
	case model.RoundMatured:
		return model.InsuranceMatured, nil
	default:
		return model.InsuranceActive, nil
	}
}

func (s *Service) liquidityPosition(ctx context.Context, roundID, holder string, snapshots map[string]*pool.Snapshot) (*model.LiquidityPosition, error) {
	rnd, tranche, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	position, err := retry.Fetch(ctx, s.policy, func() (*model.SellerPosition, error) {
		return s.ledger.GetSellerPosition(ctx, roundID, holder)
	})
	if err != nil {
		return nil, err
	}

	snap, ok := snapshots[tranche.ID]
	if !ok {
		totals, err := retry.Fetch(ctx, s.policy, func() (*model.PoolTotals, error) {
			return s.ledger.GetPoolTotals(ctx, tranche.ID)
		})
		if err != nil {
			return nil, err
		}
		snap, err = pool.NewSnapshot(totals, s.now())
		if err != nil {
			return nil, err
		}
		snapshots[tranche.ID] = snap
	}

	status, err := s.liquidityStatus(ctx, rnd)
	if err != nil {
		return nil, err
	}

	// Current value at ledger NAV; Earned is negative when the pool
	// absorbed a triggered round.
	current := snap.AmountForShares(position.SharesMinted)
	return &model.LiquidityPosition{
		RoundID:         roundID,
		TrancheID:       tranche.ID,
		Symbol:          tranche.Symbol,
		Status:          status,
		OriginalDeposit: position.CollateralAmount,
		Shares:          position.SharesMinted,
		LockedShares:    position.LockedShares,
		CurrentValue:    current,
		Earned:          current.Sub(position.CollateralAmount),
		DaysToMaturity:  s.daysToMaturity(rnd.State, tranche.Maturity),
	}, nil
}

func (s *Service) liquidityStatus(ctx context.Context, rnd *model.Round) (model.LiquidityStatus, error) {
	switch rnd.State {
	case model.RoundSettled:
		rec, err := retry.Fetch(ctx, s.policy, func() (*model.SettlementRecord, error) {
			return s.ledger.GetSettlementInfo(ctx, rnd.ID)
		})
		if err != nil {
			return "", fmt.Errorf("settlement info for %s: %w", rnd.ID, err)
		}
		if rec.Triggered {
			return model.LiquidityAbsorbed, nil
		}
		return model.LiquidityWithdrawable, nil
	case model.RoundCanceled:
		return model.LiquidityWithdrawable, nil
	case model.RoundMatured:
		return model.LiquidityMatured, nil
	default:
		return model.LiquidityActive, nil
	}
}

func (s *Service) loadRound(ctx context.Context, roundID string) (*model.Round, *model.Tranche, error) {
	rnd, err := retry.Fetch(ctx, s.policy, func() (*model.Round, error) {
		return s.ledger.GetRound(ctx, roundID)
	})
	if err != nil {
		return nil, nil, err
	}
	tranche, err := retry.Fetch(ctx, s.policy, func() (*model.Tranche, error) {
		return s.ledger.GetTranche(ctx, rnd.TrancheID)
	})
	if err != nil {
		return nil, nil, err
	}
	return rnd, tranche, nil
}

// daysToMaturity is zero once the round is terminal; otherwise whole days
// remaining, floored at 1.
func (s *Service) daysToMaturity(state model.RoundState, maturity time.Time) int64 {
	if state == model.RoundSettled || state == model.RoundCanceled {
		return 0
	}
	return pricing.DaysToMaturity(maturity, s.now())
}
