package settlement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/ledger"
	"github.com/dinyk/coverage-engine/internal/metrics"
	"github.com/dinyk/coverage-engine/internal/model"
	"github.com/dinyk/coverage-engine/internal/retry"
)

// Worker sweeps every active tranche on an interval and advances its
// rounds through the lifecycle: open at the window start, match at the
// window end, observe at maturity, finalize after the liveness window.
// Tranches are swept concurrently; rounds within a tranche sequentially,
// so one tranche's calls never interleave.
type Worker struct {
	engine *Engine
	ledger ledger.Ledger
	policy retry.Policy
	log    *slog.Logger
	now    func() time.Time

	// OnTransition, when set, is invoked after each round state change
	// the worker drives.
	OnTransition func(roundID string, to model.RoundState)
}

// NewWorker constructs a lifecycle sweep worker over the engine's ledger.
func NewWorker(engine *Engine, l ledger.Ledger, policy retry.Policy, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		engine: engine,
		ledger: l,
		policy: policy,
		log:    log,
		now:    time.Now,
	}
}

// Run sweeps on the given interval until the context is canceled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all active tranches. Exported so operators
// can force a pass and tests can drive the worker without the ticker.
func (w *Worker) Sweep(ctx context.Context) {
	tranches, err := retry.Fetch(ctx, w.policy, func() ([]model.Tranche, error) {
		return w.ledger.ListActiveTranches(ctx)
	})
	if err != nil {
		w.log.Error("sweep: list tranches", "error", err)
		return
	}

	var pending int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range tranches {
		t := tranches[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := w.sweepTranche(ctx, &t)
			mu.Lock()
			pending += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	metrics.RoundsPendingSettlement.Set(float64(pending))
}

// sweepTranche advances one tranche's rounds and returns how many are
// past maturity but not yet settled.
func (w *Worker) sweepTranche(ctx context.Context, t *model.Tranche) int64 {
	rounds, err := retry.Fetch(ctx, w.policy, func() ([]model.Round, error) {
		return w.ledger.ListTrancheRounds(ctx, t.ID)
	})
	if err != nil {
		w.log.Error("sweep: list rounds", "tranche", t.ID, "error", err)
		return 0
	}

	now := w.now()
	var pending int64
	for i := range rounds {
		r := &rounds[i]
		switch r.State {
		case model.RoundAnnounced:
			if !now.Before(r.SalesStart) {
				w.advance(ctx, r.ID, model.RoundOpen)
			}
		case model.RoundOpen:
			if !now.Before(r.SalesEnd) {
				w.closeSales(ctx, r)
			}
		case model.RoundMatched:
			w.advance(ctx, r.ID, model.RoundActive)
		case model.RoundActive, model.RoundMatured:
			if now.Before(t.Maturity) {
				continue
			}
			pending++
			w.settle(ctx, r.ID)
		}
	}
	return pending
}

// closeSales ends a round's sales window: an empty book is canceled, a
// populated one is matched and activated.
func (w *Worker) closeSales(ctx context.Context, r *model.Round) {
	if r.TotalBuyerPurchases.IsZero() && r.TotalSellerCollateral.IsZero() {
		w.advance(ctx, r.ID, model.RoundCanceled)
		return
	}
	if !w.advance(ctx, r.ID, model.RoundMatched) {
		return
	}
	w.advance(ctx, r.ID, model.RoundActive)
}

// settle pushes one matured round forward: observe if not yet observed,
// finalize if the liveness deadline has passed. Not-ready conditions are
// normal between sweeps and only logged at debug.
func (w *Worker) settle(ctx context.Context, roundID string) {
	if _, err := w.engine.Observe(ctx, roundID); err != nil {
		w.logSkip("observe", roundID, err)
		return
	}
	if _, err := w.engine.Finalize(ctx, roundID); err != nil {
		w.logSkip("finalize", roundID, err)
		return
	}
	if w.OnTransition != nil {
		w.OnTransition(roundID, model.RoundSettled)
	}
}

func (w *Worker) advance(ctx context.Context, roundID string, to model.RoundState) bool {
	if _, err := w.ledger.AdvanceRound(ctx, roundID, to); err != nil {
		w.log.Warn("sweep: advance", "round", roundID, "to", to, "error", err)
		return false
	}
	w.log.Info("round advanced", "round", roundID, "to", to)
	if w.OnTransition != nil {
		w.OnTransition(roundID, to)
	}
	return true
}

func (w *Worker) logSkip(op, roundID string, err error) {
	if errors.Is(err, fault.ErrSettlementNotReady) ||
		errors.Is(err, fault.ErrOracleStale) ||
		errors.Is(err, fault.ErrOracleUnavailable) {
		w.log.Debug("sweep: not ready", "op", op, "round", roundID, "reason", err)
		return
	}
	w.log.Error("sweep: "+op, "round", roundID, "error", err)
}
