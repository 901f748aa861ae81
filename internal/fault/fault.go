// Package fault defines the error taxonomy shared by every component of
// the coverage engine. Components wrap these sentinels with %w and attach
// the violated bound or observed-vs-expected detail at the call site, so
// callers can both classify with errors.Is and render a precise message.
package fault

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrRoundNotOpen is returned when order intake is attempted outside
	// a state that permits it.
	ErrRoundNotOpen = errors.New("round not open for intake")

	// ErrOutOfBounds is returned when an amount violates the tranche's
	// per-account min/max bounds.
	ErrOutOfBounds = errors.New("amount out of bounds")

	// ErrInsufficientBalance is returned when the payer's balance (or
	// unlocked share balance) does not cover the request.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientLiquidity is returned when a withdrawal would drive
	// the pool's available liquidity negative.
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")

	// ErrCapacityExceeded is returned when an order would push a round
	// past the tranche's capacity cap.
	ErrCapacityExceeded = errors.New("tranche capacity exceeded")

	// ErrOracleStale is returned when the oracle's latest observation is
	// older than the configured tolerance. Retry later.
	ErrOracleStale = errors.New("oracle price stale")

	// ErrOracleUnavailable is returned when the oracle has no valid
	// observation for the requested route.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrSettlementNotReady is returned when observation or finalize is
	// requested before its precondition (maturity, liveness deadline).
	ErrSettlementNotReady = errors.New("settlement not ready")

	// ErrAlreadySettled is returned when finalize is called on a round
	// whose settlement record is already settled.
	ErrAlreadySettled = errors.New("round already settled")

	// ErrConsistencyViolation marks a broken invariant observed in ledger
	// data. Always fatal to the operation; the affected pool is
	// quarantined from aggregate health metrics until a clean re-read.
	ErrConsistencyViolation = errors.New("consistency violation")

	// ErrUnauthorized is returned when the caller lacks authority for
	// the requested operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNetworkTransient marks a retryable network/RPC failure.
	ErrNetworkTransient = errors.New("transient network failure")

	// ErrNotFound is returned when a round, tranche, order, or position
	// cannot be resolved.
	ErrNotFound = errors.New("not found")
)

// Transient reports whether an error qualifies for automatic retry under
// the engine's retry policy. Only reads are retried; mutating paths must
// surface even transient failures for explicit caller-driven retry.
func Transient(err error) bool {
	return errors.Is(err, ErrNetworkTransient)
}

// HTTPStatus maps a taxonomy error to an HTTP status code for the API
// layer. Unrecognized errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrOutOfBounds):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRoundNotOpen),
		errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrSettlementNotReady),
		errors.Is(err, ErrAlreadySettled):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientLiquidity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrOracleStale), errors.Is(err, ErrOracleUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrNetworkTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
