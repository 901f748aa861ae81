// Package retry centralizes the engine's retry policy for read paths.
// One policy object decides the attempt budget, the backoff curve, and
// which error categories qualify — call sites never hand-roll sleeps.
//
// Mutating ledger calls are never routed through this package: a duplicate
// submission could double-spend, so those errors surface for explicit
// caller-driven retry.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dinyk/coverage-engine/internal/fault"
)

// Policy is a bounded exponential-backoff retry policy. The zero value is
// not usable; construct with NewPolicy or populate every field.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts uint64

	// InitialInterval seeds the exponential backoff curve.
	InitialInterval time.Duration

	// MaxInterval caps the backoff between attempts.
	MaxInterval time.Duration
}

// NewPolicy returns a policy with the given attempt budget and a
// 200ms-seeded, 5s-capped exponential curve.
func NewPolicy(maxAttempts uint64, initial time.Duration) Policy {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	return Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: initial,
		MaxInterval:     5 * time.Second,
	}
}

// Do runs op, retrying transient failures (per fault.Transient) up to the
// attempt budget. Non-transient errors abort immediately. The context
// cancels waiting between attempts; reads are safe to abandon.
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !fault.Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxAttempts-1), ctx))
}

// Fetch runs a read returning a value under the policy. On exhaustion the
// error is returned; UI-facing callers substitute their own fallback.
func Fetch[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
