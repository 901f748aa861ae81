package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/model"
)

// CachedLedger layers a Redis read-through replica cache over a primary
// Ledger. The cache is the engine's local read replica: bounded-staleness
// reads between refreshes, invalidated after every mutating call so the
// next decision re-fetches fresh state. Mutations always go to the primary.
type CachedLedger struct {
	primary Ledger
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedLedger wraps a primary ledger with a replica cache whose TTL
// bounds how stale a non-invalidated read can get.
func NewCachedLedger(primary Ledger, rdb *redis.Client, ttl time.Duration) *CachedLedger {
	return &CachedLedger{primary: primary, rdb: rdb, ttl: ttl}
}

func roundKey(id string) string      { return "replica:round:" + id }
func trancheKey(id string) string    { return "replica:tranche:" + id }
func poolKey(id string) string       { return "replica:pool:" + id }
func settlementKey(id string) string { return "replica:settlement:" + id }
func orderKey(roundID, holder string) string {
	return fmt.Sprintf("replica:order:%s:%s", roundID, holder)
}
func positionKey(roundID, holder string) string {
	return fmt.Sprintf("replica:position:%s:%s", roundID, holder)
}

// readThrough fetches key from Redis, falling back to load and caching the
// result. Cache failures degrade to the primary, never to an error.
func readThrough[T any](ctx context.Context, c *CachedLedger, key string, load func() (*T, error)) (*T, error) {
	if data, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(v); err == nil {
		c.rdb.Set(ctx, key, data, c.ttl)
	}
	return v, nil
}

// --- Cached reads ---

func (c *CachedLedger) GetTranche(ctx context.Context, trancheID string) (*model.Tranche, error) {
	return readThrough(ctx, c, trancheKey(trancheID), func() (*model.Tranche, error) {
		return c.primary.GetTranche(ctx, trancheID)
	})
}

func (c *CachedLedger) GetRound(ctx context.Context, roundID string) (*model.Round, error) {
	return readThrough(ctx, c, roundKey(roundID), func() (*model.Round, error) {
		return c.primary.GetRound(ctx, roundID)
	})
}

func (c *CachedLedger) GetPoolTotals(ctx context.Context, trancheID string) (*model.PoolTotals, error) {
	return readThrough(ctx, c, poolKey(trancheID), func() (*model.PoolTotals, error) {
		return c.primary.GetPoolTotals(ctx, trancheID)
	})
}

func (c *CachedLedger) GetSettlementInfo(ctx context.Context, roundID string) (*model.SettlementRecord, error) {
	return readThrough(ctx, c, settlementKey(roundID), func() (*model.SettlementRecord, error) {
		return c.primary.GetSettlementInfo(ctx, roundID)
	})
}

func (c *CachedLedger) GetBuyerOrder(ctx context.Context, roundID, holder string) (*model.BuyerOrder, error) {
	return readThrough(ctx, c, orderKey(roundID, holder), func() (*model.BuyerOrder, error) {
		return c.primary.GetBuyerOrder(ctx, roundID, holder)
	})
}

func (c *CachedLedger) GetSellerPosition(ctx context.Context, roundID, holder string) (*model.SellerPosition, error) {
	return readThrough(ctx, c, positionKey(roundID, holder), func() (*model.SellerPosition, error) {
		return c.primary.GetSellerPosition(ctx, roundID, holder)
	})
}

// --- Uncached reads ---
// Balance, allowance, oracle, and index reads feed spend decisions or must
// always be fresh; they pass through.

func (c *CachedLedger) ListActiveTranches(ctx context.Context) ([]model.Tranche, error) {
	return c.primary.ListActiveTranches(ctx)
}

func (c *CachedLedger) ListTrancheRounds(ctx context.Context, trancheID string) ([]model.Round, error) {
	return c.primary.ListTrancheRounds(ctx, trancheID)
}

func (c *CachedLedger) GetShareBalance(ctx context.Context, trancheID, holder string) (*model.ShareBalance, error) {
	return c.primary.GetShareBalance(ctx, trancheID, holder)
}

func (c *CachedLedger) GetPrice(ctx context.Context, routeID string) (*model.PricePoint, error) {
	return c.primary.GetPrice(ctx, routeID)
}

func (c *CachedLedger) BalanceOf(ctx context.Context, holder string) (decimal.Decimal, error) {
	return c.primary.BalanceOf(ctx, holder)
}

func (c *CachedLedger) Allowance(ctx context.Context, holder string) (decimal.Decimal, error) {
	return c.primary.Allowance(ctx, holder)
}

func (c *CachedLedger) ListHoldings(ctx context.Context, holder string) (*model.Holdings, error) {
	return c.primary.ListHoldings(ctx, holder)
}

// --- Mutations (pass through, invalidate replicas) ---

func (c *CachedLedger) AdvanceRound(ctx context.Context, roundID string, to model.RoundState) (*model.Receipt, error) {
	receipt, err := c.primary.AdvanceRound(ctx, roundID, to)
	if err != nil {
		return nil, err
	}
	c.invalidateRound(ctx, roundID)
	return receipt, nil
}

func (c *CachedLedger) SubmitBuyerOrder(ctx context.Context, roundID, holder string, amount, premium decimal.Decimal) (*model.Receipt, error) {
	receipt, err := c.primary.SubmitBuyerOrder(ctx, roundID, holder, amount, premium)
	if err != nil {
		return nil, err
	}
	c.rdb.Del(ctx, roundKey(roundID), orderKey(roundID, holder))
	return receipt, nil
}

func (c *CachedLedger) ClaimPayout(ctx context.Context, roundID, holder string) (*model.Receipt, error) {
	receipt, err := c.primary.ClaimPayout(ctx, roundID, holder)
	if err != nil {
		return nil, err
	}
	c.rdb.Del(ctx, orderKey(roundID, holder))
	return receipt, nil
}

func (c *CachedLedger) DepositCollateral(ctx context.Context, roundID, holder string, amount decimal.Decimal) (*model.Receipt, error) {
	receipt, err := c.primary.DepositCollateral(ctx, roundID, holder, amount)
	if err != nil {
		return nil, err
	}
	c.rdb.Del(ctx, roundKey(roundID), positionKey(roundID, holder))
	c.invalidatePoolForRound(ctx, roundID)
	return receipt, nil
}

func (c *CachedLedger) WithdrawCollateral(ctx context.Context, trancheID, holder string, shares decimal.Decimal) (*model.Receipt, error) {
	receipt, err := c.primary.WithdrawCollateral(ctx, trancheID, holder, shares)
	if err != nil {
		return nil, err
	}
	c.rdb.Del(ctx, poolKey(trancheID))
	return receipt, nil
}

func (c *CachedLedger) RequestObservation(ctx context.Context, roundID, routeID string) (*model.Receipt, error) {
	receipt, err := c.primary.RequestObservation(ctx, roundID, routeID)
	if err != nil {
		return nil, err
	}
	c.rdb.Del(ctx, roundKey(roundID), settlementKey(roundID))
	return receipt, nil
}

func (c *CachedLedger) FinalizeSettlement(ctx context.Context, roundID string) (*model.Receipt, error) {
	receipt, err := c.primary.FinalizeSettlement(ctx, roundID)
	if err != nil {
		return nil, err
	}
	c.invalidateRound(ctx, roundID)
	return receipt, nil
}

func (c *CachedLedger) Approve(ctx context.Context, holder string, amount decimal.Decimal) (*model.Receipt, error) {
	// Allowance reads are uncached; nothing to invalidate.
	return c.primary.Approve(ctx, holder, amount)
}

func (c *CachedLedger) invalidateRound(ctx context.Context, roundID string) {
	c.rdb.Del(ctx, roundKey(roundID), settlementKey(roundID))
	// Matching, cancel, and finalize rewrite every buyer order and seller
	// position in the round; their replicas must go too.
	c.invalidateMatching(ctx, "replica:order:"+roundID+":*")
	c.invalidateMatching(ctx, "replica:position:"+roundID+":*")
	c.invalidatePoolForRound(ctx, roundID)
}

func (c *CachedLedger) invalidateMatching(ctx context.Context, pattern string) {
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		c.rdb.Del(ctx, iter.Val())
	}
}

// invalidatePoolForRound drops the pool replica of the round's tranche.
// The round replica may itself be gone; a fresh primary read resolves it.
func (c *CachedLedger) invalidatePoolForRound(ctx context.Context, roundID string) {
	r, err := c.primary.GetRound(ctx, roundID)
	if err != nil {
		return
	}
	c.rdb.Del(ctx, poolKey(r.TrancheID))
}
