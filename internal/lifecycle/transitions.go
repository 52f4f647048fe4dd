package lifecycle

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a transition is not authorized by the
// table below, or when a resolver could not produce a target for an event
// that must move the run. The webhook ingress downgrades it to "ignored";
// every other caller surfaces it verbatim.
var ErrIllegalTransition = errors.New("illegal transition")

func set(states ...RunState) map[RunState]bool {
	m := make(map[RunState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// legalTargets is the flat transition table. Omitted pairs are illegal.
// Self-transitions are not listed; they are no-ops and always succeed.
var legalTargets = map[RunState]map[RunState]bool{
	StateQueued: set(StateDiscovery, StatePaused, StateSkipped, StateFailedRetryable, StateFailedTerminal),
	StateDiscovery: set(StatePlanReady, StatePaused, StateSkipped, StateFailedRetryable,
		StateFailedTerminal, StateNeedsHumanReview),
	StatePlanReady: set(StateImplementing, StatePaused, StateSkipped, StateFailedRetryable,
		StateNeedsHumanReview),
	StateImplementing: set(StateLocalValidating, StatePaused, StateFailedRetryable,
		StateFailedTerminal, StateNeedsHumanReview),
	StateLocalValidating: set(StatePushed, StatePaused, StateFailedRetryable,
		StateFailedTerminal, StateNeedsHumanReview),
	StatePushed: set(StateCIWait, StatePaused, StateNeedsHumanReview, StateDone),
	StateCIWait: set(StateReviewWait, StateIterating, StatePaused, StateFailedRetryable,
		StateFailedTerminal, StateNeedsHumanReview),
	StateReviewWait: set(StateIterating, StatePaused, StateDone, StateFailedRetryable,
		StateNeedsHumanReview),
	StateIterating: set(StateImplementing, StateLocalValidating, StatePaused,
		StateFailedRetryable, StateFailedTerminal, StateNeedsHumanReview),
	// PAUSED is the resume/retry gate: any non-terminal state may be
	// re-entered, and an operator may abandon the run outright.
	StatePaused: set(StateQueued, StateDiscovery, StatePlanReady, StateImplementing,
		StateLocalValidating, StatePushed, StateCIWait, StateReviewWait, StateIterating,
		StateNeedsHumanReview, StateFailedRetryable, StateSkipped, StateFailedTerminal),
	StateNeedsHumanReview: set(StateImplementing, StateIterating, StatePaused,
		StateSkipped, StateDone, StateFailedTerminal),
	StateFailedRetryable: set(StateDiscovery, StateImplementing, StateLocalValidating,
		StateIterating, StateNeedsHumanReview, StateSkipped, StateFailedTerminal),
	// Terminal states have no outgoing transitions.
	StateDone:           {},
	StateSkipped:        {},
	StateFailedTerminal: {},
}

// AssertTransition fails with ErrIllegalTransition unless tgt is legal from
// src. A self-transition succeeds silently.
func AssertTransition(src, tgt RunState) error {
	if src == tgt {
		return nil
	}
	if !src.Valid() {
		return fmt.Errorf("%w: unknown source state %q", ErrIllegalTransition, string(src))
	}
	if !tgt.Valid() {
		return fmt.Errorf("%w: unknown target state %q", ErrIllegalTransition, string(tgt))
	}
	if !legalTargets[src][tgt] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, src, tgt)
	}
	return nil
}

// LegalTargets returns the targets reachable from src, excluding self.
func LegalTargets(src RunState) []RunState {
	var out []RunState
	for _, s := range AllStates {
		if legalTargets[src][s] {
			out = append(out, s)
		}
	}
	return out
}
