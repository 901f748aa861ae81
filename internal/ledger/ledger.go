// Package ledger defines the boundary to the external settlement system
// that owns rounds, orders, positions, and funds. The engine computes
// requests and locally-observed state; the ledger is the final arbiter of
// money movement and rejects invalid calls.
//
// Implementations: in-memory simulated ledger (tests/dev), PostgreSQL
// adapter (settlement database), and a Redis read-through replica cache
// layered over either.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/model"
)

// Ledger is the full set of operations the engine consumes from the
// settlement system. Reads return the ledger's current view and are safe
// to cancel; mutating calls must not be abandoned once issued.
type Ledger interface {
	// --- Tranches and rounds ---

	// GetTranche retrieves a tranche by ID.
	GetTranche(ctx context.Context, trancheID string) (*model.Tranche, error)

	// ListActiveTranches returns all tranches whose active flag is set.
	ListActiveTranches(ctx context.Context) ([]model.Tranche, error)

	// GetRound retrieves a round by ID.
	GetRound(ctx context.Context, roundID string) (*model.Round, error)

	// ListTrancheRounds returns all rounds of a tranche.
	ListTrancheRounds(ctx context.Context, trancheID string) ([]model.Round, error)

	// AdvanceRound asks the ledger to move a round to the given state.
	// The OPEN→MATCHED transition freezes the matched amount and
	// schedules refunds for the unmatched remainder; CANCELED unwinds
	// the round entirely. SETTLED is reached only via FinalizeSettlement.
	AdvanceRound(ctx context.Context, roundID string, to model.RoundState) (*model.Receipt, error)

	// --- Buyer side ---

	// SubmitBuyerOrder places a purchase of `amount` coverage paying
	// `premium` on top.
	SubmitBuyerOrder(ctx context.Context, roundID, holder string, amount, premium decimal.Decimal) (*model.Receipt, error)

	// GetBuyerOrder retrieves a holder's order within a round.
	GetBuyerOrder(ctx context.Context, roundID, holder string) (*model.BuyerOrder, error)

	// ClaimPayout pays out a triggered, settled, filled order.
	ClaimPayout(ctx context.Context, roundID, holder string) (*model.Receipt, error)

	// --- Seller side ---

	// DepositCollateral posts collateral into the round's pool, minting
	// shares at the pool's current NAV.
	DepositCollateral(ctx context.Context, roundID, holder string, amount decimal.Decimal) (*model.Receipt, error)

	// WithdrawCollateral redeems unlocked shares from a tranche's pool.
	WithdrawCollateral(ctx context.Context, trancheID, holder string, shares decimal.Decimal) (*model.Receipt, error)

	// GetSellerPosition retrieves a holder's deposit within a round.
	GetSellerPosition(ctx context.Context, roundID, holder string) (*model.SellerPosition, error)

	// GetShareBalance returns a holder's total and locked shares in a
	// tranche's pool.
	GetShareBalance(ctx context.Context, trancheID, holder string) (*model.ShareBalance, error)

	// --- Pool ---

	// GetPoolTotals returns the raw pool figures for a tranche. Derived
	// accounting always starts from these, never from local arithmetic.
	GetPoolTotals(ctx context.Context, trancheID string) (*model.PoolTotals, error)

	// --- Settlement ---

	// RequestObservation freezes the oracle result and trigger status
	// for a matured round and starts the liveness window. Requesting
	// again after the first observation is a no-op.
	RequestObservation(ctx context.Context, roundID, routeID string) (*model.Receipt, error)

	// FinalizeSettlement marks a round settled once its liveness
	// deadline has passed. Exactly-once; a second call fails.
	FinalizeSettlement(ctx context.Context, roundID string) (*model.Receipt, error)

	// GetSettlementInfo retrieves a round's settlement record, or
	// fault.ErrNotFound before the first observation.
	GetSettlementInfo(ctx context.Context, roundID string) (*model.SettlementRecord, error)

	// --- Oracle ---

	// GetPrice returns the latest observation for a price route.
	GetPrice(ctx context.Context, routeID string) (*model.PricePoint, error)

	// --- Funds ---

	// BalanceOf returns a holder's spendable balance.
	BalanceOf(ctx context.Context, holder string) (decimal.Decimal, error)

	// Allowance returns how much the engine is pre-authorized to spend
	// on the holder's behalf.
	Allowance(ctx context.Context, holder string) (decimal.Decimal, error)

	// Approve sets the engine's spending authorization for a holder.
	// Idempotent: approving the same amount twice is harmless
	// (approval is not a spend).
	Approve(ctx context.Context, holder string, amount decimal.Decimal) (*model.Receipt, error)

	// --- Index ---

	// ListHoldings enumerates the rounds in which a holder has orders
	// or positions, via the ledger's index rather than ID scanning.
	ListHoldings(ctx context.Context, holder string) (*model.Holdings, error)
}
