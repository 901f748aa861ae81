package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	lgr "github.com/dinyk/coverage-engine/internal/ledger"
	"github.com/dinyk/coverage-engine/internal/model"
)

func newCachedLedger(t *testing.T) (*lgr.MemoryLedger, *lgr.CachedLedger) {
	t.Helper()
	mem, _ := newTestLedger(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mem, lgr.NewCachedLedger(mem, rdb, time.Minute)
}

func TestCached_ReadThroughServesReplica(t *testing.T) {
	mem, cached := newCachedLedger(t)
	ctx := context.Background()

	r, err := cached.GetRound(ctx, "round-1")
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if r.State != model.RoundAnnounced {
		t.Fatalf("state: got %s, want ANNOUNCED", r.State)
	}

	// A write that bypasses the cache leaves the replica stale until the
	// TTL; that is the accepted staleness bound.
	if _, err := mem.AdvanceRound(ctx, "round-1", model.RoundOpen); err != nil {
		t.Fatalf("advance on primary: %v", err)
	}
	r, err = cached.GetRound(ctx, "round-1")
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if r.State != model.RoundAnnounced {
		t.Errorf("replica read: got %s, want the cached ANNOUNCED", r.State)
	}
}

func TestCached_AdvanceDropsOrderAndPositionReplicas(t *testing.T) {
	mem, cached := newCachedLedger(t)
	ctx := context.Background()

	fund(t, mem, "buyer", 10000)
	fund(t, mem, "seller", 10000)
	if _, err := cached.AdvanceRound(ctx, "round-1", model.RoundOpen); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := cached.SubmitBuyerOrder(ctx, "round-1", "buyer", d(2000), d(100)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := cached.DepositCollateral(ctx, "round-1", "seller", d(1500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Prime the replicas with the pre-match view.
	o, err := cached.GetBuyerOrder(ctx, "round-1", "buyer")
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if !o.FilledAmount.IsZero() {
		t.Fatalf("pre-match fill: got %s, want 0", o.FilledAmount)
	}
	if _, err := cached.GetSellerPosition(ctx, "round-1", "seller"); err != nil {
		t.Fatalf("position: %v", err)
	}

	// Matching rewrites fills and refunds; the next read must see them,
	// not a replica primed before the match.
	if _, err := cached.AdvanceRound(ctx, "round-1", model.RoundMatched); err != nil {
		t.Fatalf("match: %v", err)
	}
	o, err = cached.GetBuyerOrder(ctx, "round-1", "buyer")
	if err != nil {
		t.Fatalf("order after match: %v", err)
	}
	if !o.FilledAmount.Equal(d(1500)) {
		t.Errorf("fill after match: got %s, want fresh 1500", o.FilledAmount)
	}
	p, err := cached.GetSellerPosition(ctx, "round-1", "seller")
	if err != nil {
		t.Fatalf("position after match: %v", err)
	}
	if !p.LockedShares.Equal(d(1500)) {
		t.Errorf("locked shares after match: got %s, want fresh 1500", p.LockedShares)
	}
}
