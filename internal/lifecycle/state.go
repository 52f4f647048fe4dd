package lifecycle

import (
	"fmt"
	"strings"
)

// RunState is the single authoritative progress label for a run.
type RunState string

const (
	StateQueued           RunState = "QUEUED"
	StateDiscovery        RunState = "DISCOVERY"
	StatePlanReady        RunState = "PLAN_READY"
	StateImplementing     RunState = "IMPLEMENTING"
	StateLocalValidating  RunState = "LOCAL_VALIDATING"
	StatePushed           RunState = "PUSHED"
	StateCIWait           RunState = "CI_WAIT"
	StateReviewWait       RunState = "REVIEW_WAIT"
	StateIterating        RunState = "ITERATING"
	StatePaused           RunState = "PAUSED"
	StateDone             RunState = "DONE"
	StateSkipped          RunState = "SKIPPED"
	StateNeedsHumanReview RunState = "NEEDS_HUMAN_REVIEW"
	StateFailedRetryable  RunState = "FAILED_RETRYABLE"
	StateFailedTerminal   RunState = "FAILED_TERMINAL"
)

// AllStates lists every run state in lifecycle order.
var AllStates = []RunState{
	StateQueued,
	StateDiscovery,
	StatePlanReady,
	StateImplementing,
	StateLocalValidating,
	StatePushed,
	StateCIWait,
	StateReviewWait,
	StateIterating,
	StatePaused,
	StateDone,
	StateSkipped,
	StateNeedsHumanReview,
	StateFailedRetryable,
	StateFailedTerminal,
}

var validStates = func() map[RunState]bool {
	m := make(map[RunState]bool, len(AllStates))
	for _, s := range AllStates {
		m[s] = true
	}
	return m
}()

func ParseRunState(s string) (RunState, error) {
	st := RunState(strings.ToUpper(strings.TrimSpace(s)))
	if st == "" {
		return "", fmt.Errorf("invalid run state: empty string")
	}
	if !validStates[st] {
		return "", fmt.Errorf("invalid run state: %q", s)
	}
	return st, nil
}

func (s RunState) Valid() bool {
	return validStates[s]
}

// Terminal reports whether the state has no outgoing transitions.
func (s RunState) Terminal() bool {
	switch s {
	case StateDone, StateSkipped, StateFailedTerminal:
		return true
	default:
		return false
	}
}
