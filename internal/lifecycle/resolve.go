package lifecycle

import (
	"fmt"
	"strings"
)

// Resolution is the outcome of mapping (current state, event) to a target.
// Resolved=false means the event records a fact without moving the run.
type Resolution struct {
	Target    RunState
	Resolved  bool
	LastError string
}

func resolved(target RunState) Resolution {
	return Resolution{Target: target, Resolved: true}
}

func noop() Resolution {
	return Resolution{}
}

// successfulCheckConclusions are check conclusions that let a run advance to
// review. Everything else observed on a completed check routes to ITERATING.
var successfulCheckConclusions = map[string]bool{
	"success": true,
	"neutral": true,
	"skipped": true,
}

// Resolve maps (current, event type, payload) to a target state. The caller
// asserts table legality afterwards; Resolve itself only errors when the
// event carries an unusable manual target.
func Resolve(current RunState, et EventType, payload map[string]any) (Resolution, error) {
	switch et {
	case EventStartDiscovery:
		switch current {
		case StateQueued, StatePaused, StateFailedRetryable:
			return resolved(StateDiscovery), nil
		}
		// Already past discovery: record the command, keep the state.
		return resolved(current), nil

	case EventDiscoveryCompleted:
		// From QUEUED the table rejects QUEUED -> PLAN_READY: discovery
		// must have been started first.
		return resolved(StatePlanReady), nil

	case EventStartImplementation:
		switch current {
		case StatePlanReady, StateIterating, StatePaused:
			return resolved(StateImplementing), nil
		}
		return resolved(current), nil

	case EventLocalValidationPassed:
		switch current {
		case StateImplementing, StateIterating, StatePaused:
			return resolved(StateLocalValidating), nil
		}
		return noop(), nil

	case EventPushCompleted:
		return resolved(StatePushed), nil

	case EventPRLinked:
		return resolved(StateCIWait), nil

	case EventStepFailed:
		res := resolved(StateFailedRetryable)
		res.LastError = composeStepFailure(payload)
		return res, nil

	case EventCheckCompleted:
		if successfulCheckConclusions[payloadString(payload, "conclusion")] {
			return resolved(StateReviewWait), nil
		}
		return resolved(StateIterating), nil

	case EventReviewSubmitted:
		if payloadString(payload, "state") == "changes_requested" {
			return resolved(StateIterating), nil
		}
		return noop(), nil

	case EventMarkDone:
		switch current {
		case StatePushed, StateReviewWait, StateNeedsHumanReview:
			return resolved(StateDone), nil
		}
		return noop(), nil

	case EventPause:
		return resolved(StatePaused), nil

	case EventResume, EventRetry:
		raw := payloadString(payload, "target_state")
		if raw == "" {
			return noop(), nil
		}
		target, err := ParseRunState(raw)
		if err != nil {
			return noop(), fmt.Errorf("%w: %s target_state: %v", ErrIllegalTransition, et, err)
		}
		return resolved(target), nil

	case EventTimeout:
		step := payloadString(payload, "step")
		if step == "" {
			step = "unknown"
		}
		res := resolved(StateFailedRetryable)
		res.LastError = "timeout:" + step
		return res, nil
	}

	return noop(), nil
}

// composeStepFailure builds the stored last_error for worker.step.failed as
// "<step>:<reason_code>:<message>".
func composeStepFailure(payload map[string]any) string {
	step := payloadString(payload, "step")
	if step == "" {
		step = "unknown"
	}
	reason := payloadString(payload, "reason_code")
	if reason == "" {
		reason = "unknown"
	}
	return step + ":" + reason + ":" + payloadString(payload, "message")
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
