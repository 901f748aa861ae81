// Package monitor computes the system health snapshot: total value
// locked, aggregate utilization, and the settlement backlog across all
// active tranches. A tranche whose pool fails its consistency checks is
// quarantined out of the aggregates until a clean re-read.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/ledger"
	"github.com/dinyk/coverage-engine/internal/metrics"
	"github.com/dinyk/coverage-engine/internal/model"
	"github.com/dinyk/coverage-engine/internal/pool"
	"github.com/dinyk/coverage-engine/internal/retry"
	"github.com/dinyk/coverage-engine/internal/round"
)

// Health is one aggregate reading across all active tranches.
type Health struct {
	TVL                  decimal.Decimal `json:"tvl"`
	LockedAssets         decimal.Decimal `json:"locked_assets"`
	AggregateUtilization decimal.Decimal `json:"aggregate_utilization"`
	ActiveTranches       int             `json:"active_tranches"`
	PendingSettlements   int             `json:"pending_settlements"`
	QuarantinedTranches  []string        `json:"quarantined_tranches"`
	TakenAt              time.Time       `json:"taken_at"`
}

// Monitor reads pool totals and round states into Health snapshots.
type Monitor struct {
	ledger ledger.Ledger
	policy retry.Policy
	log    *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	quarantined map[string]struct{}
}

// NewMonitor constructs a health monitor over the given ledger.
func NewMonitor(l ledger.Ledger, policy retry.Policy, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		ledger:      l,
		policy:      policy,
		log:         log,
		now:         time.Now,
		quarantined: make(map[string]struct{}),
	}
}

// Snapshot reads every active tranche and aggregates the healthy ones.
// Inconsistent pools are quarantined and excluded; a tranche that passes
// its checks again leaves quarantine on the spot.
func (m *Monitor) Snapshot(ctx context.Context) (*Health, error) {
	tranches, err := retry.Fetch(ctx, m.policy, func() ([]model.Tranche, error) {
		return m.ledger.ListActiveTranches(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: list tranches: %w", err)
	}

	now := m.now()
	h := &Health{
		TVL:            decimal.Zero,
		LockedAssets:   decimal.Zero,
		ActiveTranches: len(tranches),
		TakenAt:        now,
	}

	for i := range tranches {
		t := &tranches[i]
		snap, err := m.poolSnapshot(ctx, t.ID)
		if err != nil {
			if errors.Is(err, fault.ErrConsistencyViolation) {
				m.quarantine(t.ID, err)
			} else {
				m.log.Warn("monitor: pool read failed", "tranche", t.ID, "error", err)
			}
			continue
		}
		m.release(t.ID)

		h.TVL = h.TVL.Add(snap.TotalAssets)
		h.LockedAssets = h.LockedAssets.Add(snap.LockedAssets)
		h.PendingSettlements += m.pendingRounds(ctx, t, now)
	}

	if h.TVL.IsPositive() {
		h.AggregateUtilization = h.LockedAssets.Div(h.TVL)
	} else {
		h.AggregateUtilization = decimal.Zero
	}
	h.QuarantinedTranches = m.quarantineList()

	tvl, _ := h.TVL.Float64()
	util, _ := h.AggregateUtilization.Float64()
	metrics.TVL.Set(tvl)
	metrics.Utilization.Set(util)
	metrics.QuarantinedPools.Set(float64(len(h.QuarantinedTranches)))
	return h, nil
}

// Run refreshes the snapshot on an interval until the context is
// canceled, keeping the gauges current between API reads.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Snapshot(ctx); err != nil {
				m.log.Warn("monitor: snapshot failed", "error", err)
			}
		}
	}
}

func (m *Monitor) poolSnapshot(ctx context.Context, trancheID string) (*pool.Snapshot, error) {
	totals, err := retry.Fetch(ctx, m.policy, func() (*model.PoolTotals, error) {
		return m.ledger.GetPoolTotals(ctx, trancheID)
	})
	if err != nil {
		return nil, err
	}
	return pool.NewSnapshot(totals, m.now())
}

func (m *Monitor) pendingRounds(ctx context.Context, t *model.Tranche, now time.Time) int {
	rounds, err := retry.Fetch(ctx, m.policy, func() ([]model.Round, error) {
		return m.ledger.ListTrancheRounds(ctx, t.ID)
	})
	if err != nil {
		m.log.Warn("monitor: list rounds failed", "tranche", t.ID, "error", err)
		return 0
	}
	n := 0
	for i := range rounds {
		if round.SettlementEligible(rounds[i].State) && !now.Before(t.Maturity) {
			n++
		}
	}
	return n
}

func (m *Monitor) quarantine(trancheID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.quarantined[trancheID]; !ok {
		m.log.Error("monitor: pool quarantined", "tranche", trancheID, "error", err)
	}
	m.quarantined[trancheID] = struct{}{}
}

func (m *Monitor) release(trancheID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.quarantined[trancheID]; ok {
		m.log.Info("monitor: pool released from quarantine", "tranche", trancheID)
		delete(m.quarantined, trancheID)
	}
}

func (m *Monitor) quarantineList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.quarantined))
	for id := range m.quarantined {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
