// Package settlement drives matured rounds through the trigger flow:
// observe the oracle once, wait out the liveness window, finalize exactly
// once. The ledger owns the frozen observation and the settled flag; this
// package decides when to call and with which oracle reading.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/ledger"
	"github.com/dinyk/coverage-engine/internal/metrics"
	"github.com/dinyk/coverage-engine/internal/model"
	"github.com/dinyk/coverage-engine/internal/pricefeed"
	"github.com/dinyk/coverage-engine/internal/retry"
	"github.com/dinyk/coverage-engine/internal/round"
)

// Engine evaluates trigger conditions and issues the observe and finalize
// calls for individual rounds.
type Engine struct {
	ledger         ledger.Ledger
	prices         *pricefeed.Source
	policy         retry.Policy
	staleTolerance time.Duration
	log            *slog.Logger
	now            func() time.Time

	// OnSettled, when set, is invoked after each successful finalize.
	OnSettled func(roundID string, triggered bool)
}

// NewEngine constructs a settlement engine. staleTolerance bounds how old
// an oracle observation may be before observation is refused.
func NewEngine(l ledger.Ledger, prices *pricefeed.Source, policy retry.Policy, staleTolerance time.Duration, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		ledger:         l,
		prices:         prices,
		policy:         policy,
		staleTolerance: staleTolerance,
		log:            log,
		now:            time.Now,
	}
}

// Observe requests the oracle observation for a matured round, freezing
// the trigger result and starting the liveness window. Idempotent: a
// round that is already observed returns its existing record.
func (e *Engine) Observe(ctx context.Context, roundID string) (*model.SettlementRecord, error) {
	if rec, err := e.record(ctx, roundID); err == nil && !rec.ObservedAt.IsZero() {
		return rec, nil
	} else if err != nil && !errors.Is(err, fault.ErrNotFound) {
		return nil, err
	}

	rnd, err := retry.Fetch(ctx, e.policy, func() (*model.Round, error) {
		return e.ledger.GetRound(ctx, roundID)
	})
	if err != nil {
		return nil, fmt.Errorf("settlement: round %s: %w", roundID, err)
	}
	tranche, err := retry.Fetch(ctx, e.policy, func() (*model.Tranche, error) {
		return e.ledger.GetTranche(ctx, rnd.TrancheID)
	})
	if err != nil {
		return nil, fmt.Errorf("settlement: tranche %s: %w", rnd.TrancheID, err)
	}

	if !round.SettlementEligible(rnd.State) {
		return nil, fmt.Errorf("%w: round %s is %s", fault.ErrSettlementNotReady, roundID, rnd.State)
	}
	if e.now().Before(tranche.Maturity) {
		return nil, fmt.Errorf("%w: round %s matures %s",
			fault.ErrSettlementNotReady, roundID, tranche.Maturity.Format(time.RFC3339))
	}

	// Refuse to observe off a stale or invalid reading; a wrong frozen
	// result cannot be corrected later.
	quote, err := e.prices.GetFresh(ctx, tranche.OracleRouteID, e.staleTolerance)
	if err != nil {
		return nil, fmt.Errorf("settlement: route %s: %w", tranche.OracleRouteID, err)
	}

	if _, err := e.ledger.RequestObservation(ctx, roundID, tranche.OracleRouteID); err != nil {
		return nil, fmt.Errorf("settlement: observe round %s: %w", roundID, err)
	}

	rec, err := e.record(ctx, roundID)
	if err != nil {
		return nil, err
	}
	e.log.Info("observation frozen",
		"round", roundID, "route", tranche.OracleRouteID,
		"observed", quote.Point.Price, "threshold", tranche.Threshold,
		"triggered", rec.Triggered, "deadline", rec.LivenessDeadline)
	return rec, nil
}

// Finalize settles an observed round once its liveness deadline has
// passed. Exactly-once: a settled round fails with ErrAlreadySettled.
func (e *Engine) Finalize(ctx context.Context, roundID string) (*model.SettlementRecord, error) {
	rec, err := e.record(ctx, roundID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, fmt.Errorf("%w: round %s has no observation", fault.ErrSettlementNotReady, roundID)
		}
		return nil, err
	}
	if rec.Settled {
		return nil, fmt.Errorf("%w: round %s", fault.ErrAlreadySettled, roundID)
	}
	if e.now().Before(rec.LivenessDeadline) {
		return nil, fmt.Errorf("%w: liveness deadline %s not reached",
			fault.ErrSettlementNotReady, rec.LivenessDeadline.Format(time.RFC3339))
	}

	if _, err := e.ledger.FinalizeSettlement(ctx, roundID); err != nil {
		return nil, fmt.Errorf("settlement: finalize round %s: %w", roundID, err)
	}

	rec, err = e.record(ctx, roundID)
	if err != nil {
		return nil, err
	}
	outcome := "expired"
	if rec.Triggered {
		outcome = "triggered"
	}
	metrics.SettlementsTotal.WithLabelValues(outcome).Inc()
	e.log.Info("round settled", "round", roundID, "outcome", outcome, "oracle_result", rec.OracleResult)
	if e.OnSettled != nil {
		e.OnSettled(roundID, rec.Triggered)
	}
	return rec, nil
}

func (e *Engine) record(ctx context.Context, roundID string) (*model.SettlementRecord, error) {
	return retry.Fetch(ctx, e.policy, func() (*model.SettlementRecord, error) {
		return e.ledger.GetSettlementInfo(ctx, roundID)
	})
}
