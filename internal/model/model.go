// Package model defines the core domain types shared across the coverage engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Amounts are denominated in the smallest unit of the settlement currency
// (6 fractional digits) and are always integer-valued decimals.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TriggerDirection selects how an oracle observation is compared against
// a tranche's threshold price.
type TriggerDirection string

const (
	// PriceBelow triggers a payout when the observed price is at or
	// below the threshold.
	PriceBelow TriggerDirection = "PRICE_BELOW"

	// PriceAbove triggers a payout when the observed price is at or
	// above the threshold.
	PriceAbove TriggerDirection = "PRICE_ABOVE"
)

// RoundState is the lifecycle state of a sales/coverage round.
// Legal transitions are defined in the round package.
type RoundState string

const (
	RoundAnnounced RoundState = "ANNOUNCED"
	RoundOpen      RoundState = "OPEN"
	RoundMatched   RoundState = "MATCHED"
	RoundActive    RoundState = "ACTIVE"
	RoundMatured   RoundState = "MATURED"
	RoundSettled   RoundState = "SETTLED"
	RoundCanceled  RoundState = "CANCELED"
)

// Tranche is a risk bucket of a coverage product: one trigger condition,
// one premium rate, one maturity. Immutable once created; only Active and
// the associated round list change over its life.
type Tranche struct {
	ID            string           `json:"id" db:"id"`
	Symbol        string           `json:"symbol" db:"symbol"`
	Direction     TriggerDirection `json:"direction" db:"direction"`
	Threshold     decimal.Decimal  `json:"threshold" db:"threshold"`
	PremiumBps    int64            `json:"premium_bps" db:"premium_bps"`
	Maturity      time.Time        `json:"maturity" db:"maturity"`
	PerAccountMin decimal.Decimal  `json:"per_account_min" db:"per_account_min"`
	PerAccountMax decimal.Decimal  `json:"per_account_max" db:"per_account_max"`
	Capacity      decimal.Decimal  `json:"capacity" db:"capacity"`
	OracleRouteID string           `json:"oracle_route_id" db:"oracle_route_id"`
	Active        bool             `json:"active" db:"active"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
}

// Round is one sales/coverage cycle of a tranche.
//
// Invariant: MatchedAmount <= min(TotalBuyerPurchases, TotalSellerCollateral)
// at all times; once matched, MatchedAmount is frozen until settlement.
type Round struct {
	ID                    string          `json:"id" db:"id"`
	TrancheID             string          `json:"tranche_id" db:"tranche_id"`
	SalesStart            time.Time       `json:"sales_start" db:"sales_start"`
	SalesEnd              time.Time       `json:"sales_end" db:"sales_end"`
	State                 RoundState      `json:"state" db:"state"`
	TotalBuyerPurchases   decimal.Decimal `json:"total_buyer_purchases" db:"total_buyer_purchases"`
	TotalSellerCollateral decimal.Decimal `json:"total_seller_collateral" db:"total_seller_collateral"`
	MatchedAmount         decimal.Decimal `json:"matched_amount" db:"matched_amount"`
}

// BuyerOrder is one buyer's purchase request within a round. Created on
// purchase, mutated once at match time, read-only afterward.
type BuyerOrder struct {
	RoundID        string          `json:"round_id" db:"round_id"`
	Holder         string          `json:"holder" db:"holder"`
	PurchaseAmount decimal.Decimal `json:"purchase_amount" db:"purchase_amount"`
	PremiumPaid    decimal.Decimal `json:"premium_paid" db:"premium_paid"`
	FilledAmount   decimal.Decimal `json:"filled_amount" db:"filled_amount"`
	RefundedAmount decimal.Decimal `json:"refunded_amount" db:"refunded_amount"`
	Claimed        bool            `json:"claimed" db:"claimed"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// SellerPosition is one seller's collateral deposit within a round.
// Created on deposit, mutated at match time and at withdrawal.
type SellerPosition struct {
	RoundID          string          `json:"round_id" db:"round_id"`
	Holder           string          `json:"holder" db:"holder"`
	CollateralAmount decimal.Decimal `json:"collateral_amount" db:"collateral_amount"`
	SharesMinted     decimal.Decimal `json:"shares_minted" db:"shares_minted"`
	FilledCollateral decimal.Decimal `json:"filled_collateral" db:"filled_collateral"`
	LockedShares     decimal.Decimal `json:"locked_shares" db:"locked_shares"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// PoolTotals are the raw per-tranche pool figures as reported by the
// settlement ledger. Derived figures (NAV, utilization, available
// liquidity) live in the pool package — never computed independently of
// these totals, so local math cannot drift from the ledger.
type PoolTotals struct {
	TrancheID    string          `json:"tranche_id" db:"tranche_id"`
	TotalAssets  decimal.Decimal `json:"total_assets" db:"total_assets"`
	LockedAssets decimal.Decimal `json:"locked_assets" db:"locked_assets"`
	TotalShares  decimal.Decimal `json:"total_shares" db:"total_shares"`
}

// ShareBalance is a holder's pool-share balance in one tranche.
type ShareBalance struct {
	TrancheID    string          `json:"tranche_id"`
	Holder       string          `json:"holder"`
	Shares       decimal.Decimal `json:"shares"`
	LockedShares decimal.Decimal `json:"locked_shares"`
}

// SettlementRecord tracks the observation → liveness delay → finalize flow
// for one round. Triggered and OracleResult are frozen at observation time
// and never overwritten; Settled is set exactly once by finalize.
type SettlementRecord struct {
	RoundID          string          `json:"round_id" db:"round_id"`
	Triggered        bool            `json:"triggered" db:"triggered"`
	OracleResult     decimal.Decimal `json:"oracle_result" db:"oracle_result"`
	ObservedAt       time.Time       `json:"observed_at" db:"observed_at"`
	LivenessDeadline time.Time       `json:"liveness_deadline" db:"liveness_deadline"`
	Settled          bool            `json:"settled" db:"settled"`
	SettledAt        time.Time       `json:"settled_at" db:"settled_at"`
}

// PricePoint is one oracle price observation for a route.
type PricePoint struct {
	RouteID   string          `json:"route_id"`
	Price     decimal.Decimal `json:"price"`
	Valid     bool            `json:"valid"`
	Timestamp time.Time       `json:"timestamp"`
}

// Receipt acknowledges a mutating call accepted by the settlement ledger.
type Receipt struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	Ref       string    `json:"ref"` // round or tranche the operation applied to
	Timestamp time.Time `json:"timestamp"`
}

// Holdings is the index of rounds in which a holder has buyer orders or
// seller positions. Provided by the ledger's indexing collaborator so the
// core never enumerates holdings by brute-force ID scanning.
type Holdings struct {
	Holder       string   `json:"holder"`
	BuyerRounds  []string `json:"buyer_rounds"`
	SellerRounds []string `json:"seller_rounds"`
}

// PositionKind tags the two payload shapes a portfolio position can take.
type PositionKind string

const (
	KindInsurance PositionKind = "insurance"
	KindLiquidity PositionKind = "liquidity"
)

// InsuranceStatus is the derived status of a buyer-side position.
type InsuranceStatus string

const (
	InsuranceActive    InsuranceStatus = "active"
	InsuranceMatured   InsuranceStatus = "matured"
	InsuranceClaimable InsuranceStatus = "claimable"
	InsuranceExpired   InsuranceStatus = "expired"
	InsuranceClaimed   InsuranceStatus = "claimed"
)

// LiquidityStatus is the derived status of a seller-side position.
type LiquidityStatus string

const (
	LiquidityActive       LiquidityStatus = "active"
	LiquidityMatured      LiquidityStatus = "matured"
	LiquidityWithdrawable LiquidityStatus = "withdrawable"
	LiquidityAbsorbed     LiquidityStatus = "absorbed"
)

// InsurancePosition is the insurance payload of a portfolio position.
type InsurancePosition struct {
	RoundID        string          `json:"round_id"`
	TrancheID      string          `json:"tranche_id"`
	Symbol         string          `json:"symbol"`
	Status         InsuranceStatus `json:"status"`
	PurchaseAmount decimal.Decimal `json:"purchase_amount"`
	PremiumPaid    decimal.Decimal `json:"premium_paid"`
	FilledAmount   decimal.Decimal `json:"filled_amount"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	ClaimAmount    decimal.Decimal `json:"claim_amount"`
	DaysToMaturity int64           `json:"days_to_maturity"`
}

// LiquidityPosition is the liquidity payload of a portfolio position.
// Earned may be negative: shares absorb losses when a round triggers.
type LiquidityPosition struct {
	RoundID         string          `json:"round_id"`
	TrancheID       string          `json:"tranche_id"`
	Symbol          string          `json:"symbol"`
	Status          LiquidityStatus `json:"status"`
	OriginalDeposit decimal.Decimal `json:"original_deposit"`
	Shares          decimal.Decimal `json:"shares"`
	LockedShares    decimal.Decimal `json:"locked_shares"`
	CurrentValue    decimal.Decimal `json:"current_value"`
	Earned          decimal.Decimal `json:"earned"`
	DaysToMaturity  int64           `json:"days_to_maturity"`
}

// Position is a tagged union: exactly one of Insurance or Liquidity is
// set, according to Kind.
type Position struct {
	Kind      PositionKind       `json:"kind"`
	Holder    string             `json:"holder"`
	Insurance *InsurancePosition `json:"insurance,omitempty"`
	Liquidity *LiquidityPosition `json:"liquidity,omitempty"`
}
