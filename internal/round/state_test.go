package round_test

import (
	"errors"
	"testing"

	"github.com/dinyk/coverage-engine/internal/model"
	"github.com/dinyk/coverage-engine/internal/round"
)

func TestTransition_LegalPath(t *testing.T) {
	path := []model.RoundState{
		model.RoundAnnounced,
		model.RoundOpen,
		model.RoundMatched,
		model.RoundActive,
		model.RoundMatured,
		model.RoundSettled,
	}
	for i := 0; i < len(path)-1; i++ {
		if err := round.Transition(path[i], path[i+1]); err != nil {
			t.Errorf("%s → %s should be legal: %v", path[i], path[i+1], err)
		}
	}
}

func TestTransition_CancelSources(t *testing.T) {
	cancelable := map[model.RoundState]bool{
		model.RoundAnnounced: true,
		model.RoundOpen:      true,
		model.RoundMatched:   true,
		model.RoundActive:    false,
		model.RoundMatured:   false,
		model.RoundSettled:   false,
	}
	for from, want := range cancelable {
		got := round.CanTransition(from, model.RoundCanceled)
		if got != want {
			t.Errorf("%s → CANCELED: got %v, want %v", from, got, want)
		}
	}
}

func TestTransition_Illegal(t *testing.T) {
	cases := []struct{ from, to model.RoundState }{
		{model.RoundOpen, model.RoundSettled},   // no skipping ahead
		{model.RoundAnnounced, model.RoundActive},
		{model.RoundMatched, model.RoundOpen},   // no going back
		{model.RoundSettled, model.RoundOpen},   // terminal
		{model.RoundCanceled, model.RoundOpen},  // terminal
		{model.RoundMatured, model.RoundCanceled},
		{model.RoundOpen, model.RoundOpen}, // no self-loops
	}
	for _, c := range cases {
		err := round.Transition(c.from, c.to)
		if !errors.Is(err, round.ErrIllegalTransition) {
			t.Errorf("%s → %s: expected ErrIllegalTransition, got %v", c.from, c.to, err)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !round.Terminal(model.RoundSettled) || !round.Terminal(model.RoundCanceled) {
		t.Error("SETTLED and CANCELED must be terminal")
	}
	if round.Terminal(model.RoundOpen) {
		t.Error("OPEN must not be terminal")
	}
}

func TestIntakePermitted(t *testing.T) {
	if !round.IntakePermitted(model.RoundOpen, false) {
		t.Error("intake must be permitted in OPEN")
	}
	if round.IntakePermitted(model.RoundAnnounced, false) {
		t.Error("strict policy must reject intake in ANNOUNCED")
	}
	if !round.IntakePermitted(model.RoundAnnounced, true) {
		t.Error("off-window policy must tolerate ANNOUNCED")
	}
	if !round.IntakePermitted(model.RoundActive, true) {
		t.Error("off-window policy must tolerate ACTIVE")
	}
	if round.IntakePermitted(model.RoundMatured, true) {
		t.Error("intake must never be permitted in MATURED")
	}
}

func TestSettlementEligible(t *testing.T) {
	for _, s := range []model.RoundState{model.RoundActive, model.RoundMatured} {
		if !round.SettlementEligible(s) {
			t.Errorf("%s should be settlement-eligible", s)
		}
	}
	for _, s := range []model.RoundState{model.RoundAnnounced, model.RoundOpen, model.RoundMatched, model.RoundSettled, model.RoundCanceled} {
		if round.SettlementEligible(s) {
			t.Errorf("%s should not be settlement-eligible", s)
		}
	}
}
