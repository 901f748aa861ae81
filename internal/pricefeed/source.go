// Package pricefeed provides an explicitly-owned price source over the
// ledger's oracle routes. A background loop refreshes tracked routes on a
// fixed interval; the accessor returns the value together with its
// staleness, and each consumer decides its own tolerance. There is no
// ambient global cache.
package pricefeed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/ledger"
	"github.com/dinyk/coverage-engine/internal/model"
	"github.com/dinyk/coverage-engine/internal/retry"
)

// Quote is a price observation paired with how stale it is right now.
type Quote struct {
	Point     model.PricePoint `json:"point"`
	Staleness time.Duration    `json:"staleness"`
}

// Source caches oracle reads per route and refreshes them on an interval.
type Source struct {
	ledger  ledger.Ledger
	policy  retry.Policy
	refresh time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	quotes map[string]model.PricePoint
}

// NewSource creates a price source. Pass a clock override for tests; nil
// uses wall time.
func NewSource(l ledger.Ledger, policy retry.Policy, refresh time.Duration, clock func() time.Time) *Source {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Source{
		ledger:  l,
		policy:  policy,
		refresh: refresh,
		now:     clock,
		quotes:  make(map[string]model.PricePoint),
	}
}

// Get returns the latest observation for a route, reading through to the
// ledger on a cache miss. Staleness is measured against the observation's
// own timestamp, not the cache fill time.
func (s *Source) Get(ctx context.Context, routeID string) (*Quote, error) {
	s.mu.RLock()
	point, ok := s.quotes[routeID]
	s.mu.RUnlock()

	if !ok {
		fetched, err := retry.Fetch(ctx, s.policy, func() (*model.PricePoint, error) {
			return s.ledger.GetPrice(ctx, routeID)
		})
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", routeID, err)
		}
		point = *fetched
		s.mu.Lock()
		s.quotes[routeID] = point
		s.mu.Unlock()
	}

	return &Quote{Point: point, Staleness: s.now().Sub(point.Timestamp)}, nil
}

// GetFresh is Get with a staleness tolerance: observations older than
// maxStale fail with ErrOracleStale, invalid ones with ErrOracleUnavailable.
func (s *Source) GetFresh(ctx context.Context, routeID string, maxStale time.Duration) (*Quote, error) {
	q, err := s.Get(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if !q.Point.Valid {
		return nil, fmt.Errorf("%w: route %s reported invalid", fault.ErrOracleUnavailable, routeID)
	}
	if maxStale > 0 && q.Staleness > maxStale {
		return nil, fmt.Errorf("%w: route %s observed %s ago (tolerance %s)",
			fault.ErrOracleStale, routeID, q.Staleness, maxStale)
	}
	return q, nil
}

// Run refreshes every tracked route on the configured interval until the
// context is canceled. Routes enter tracking via Get.
func (s *Source) Run(ctx context.Context) {
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshAll(ctx)
		}
	}
}

func (s *Source) refreshAll(ctx context.Context) {
	s.mu.RLock()
	routes := make([]string, 0, len(s.quotes))
	for id := range s.quotes {
		routes = append(routes, id)
	}
	s.mu.RUnlock()

	for _, id := range routes {
		point, err := retry.Fetch(ctx, s.policy, func() (*model.PricePoint, error) {
			return s.ledger.GetPrice(ctx, id)
		})
		if err != nil {
			// Keep the previous observation; staleness keeps growing and
			// consumers reject it past their tolerance.
			slog.Warn("price refresh failed", "route", id, "err", err)
			continue
		}
		s.mu.Lock()
		s.quotes[id] = *point
		s.mu.Unlock()
	}
}
