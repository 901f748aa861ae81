// Package round defines the authoritative round lifecycle state machine.
// Every other component validates actions against this transition table;
// transitions are one-directional and no state is revisited.
package round

import (
	"errors"
	"fmt"

	"github.com/dinyk/coverage-engine/internal/model"
)

// ErrIllegalTransition is returned for any transition not in the table.
var ErrIllegalTransition = errors.New("round: illegal state transition")

// transitions is the fixed table of legal state changes:
//
//	ANNOUNCED → OPEN → MATCHED → ACTIVE → MATURED → SETTLED
//
// with CANCELED reachable from ANNOUNCED, OPEN, or MATCHED.
var transitions = map[model.RoundState][]model.RoundState{
	model.RoundAnnounced: {model.RoundOpen, model.RoundCanceled},
	model.RoundOpen:      {model.RoundMatched, model.RoundCanceled},
	model.RoundMatched:   {model.RoundActive, model.RoundCanceled},
	model.RoundActive:    {model.RoundMatured},
	model.RoundMatured:   {model.RoundSettled},
	model.RoundSettled:   nil,
	model.RoundCanceled:  nil,
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to model.RoundState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from → to, returning ErrIllegalTransition with both
// states named when the move is not in the table.
func Transition(from, to model.RoundState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Terminal reports whether a state admits no further transitions. A round
// becomes immutable once terminal.
func Terminal(state model.RoundState) bool {
	return len(transitions[state]) == 0
}

// IntakePermitted reports whether buyer/seller order intake is legal in the
// given state. Strict policy admits only OPEN; deployments that explicitly
// enable off-window intake also tolerate ANNOUNCED and ACTIVE.
func IntakePermitted(state model.RoundState, allowOffWindow bool) bool {
	if state == model.RoundOpen {
		return true
	}
	if allowOffWindow {
		return state == model.RoundAnnounced || state == model.RoundActive
	}
	return false
}

// SettlementEligible reports whether a round's state admits an oracle
// observation request (coverage running or already matured).
func SettlementEligible(state model.RoundState) bool {
	return state == model.RoundActive || state == model.RoundMatured
}
