package lifecycle

import (
	"fmt"
	"strings"
)

// EventType is the closed taxonomy of facts that can happen to a run.
type EventType string

const (
	EventRunCreate             EventType = "command.run.create"
	EventStartDiscovery        EventType = "command.start.discovery"
	EventStartImplementation   EventType = "command.start.implementation"
	EventLocalValidationPassed EventType = "command.local.validation.passed"
	EventPRLinked              EventType = "command.pr.linked"
	EventMarkDone              EventType = "command.mark.done"
	EventRetry                 EventType = "command.retry"
	EventPause                 EventType = "command.pause"
	EventResume                EventType = "command.resume"
	EventDiscoveryCompleted    EventType = "worker.discovery.completed"
	EventStepFailed            EventType = "worker.step.failed"
	EventPushCompleted         EventType = "worker.push.completed"
	EventCheckCompleted        EventType = "github.check.completed"
	EventReviewSubmitted       EventType = "github.review.submitted"
	EventTimeout               EventType = "timer.timeout"
)

var allEventTypes = []EventType{
	EventRunCreate,
	EventStartDiscovery,
	EventStartImplementation,
	EventLocalValidationPassed,
	EventPRLinked,
	EventMarkDone,
	EventRetry,
	EventPause,
	EventResume,
	EventDiscoveryCompleted,
	EventStepFailed,
	EventPushCompleted,
	EventCheckCompleted,
	EventReviewSubmitted,
	EventTimeout,
}

var validEventTypes = func() map[EventType]bool {
	m := make(map[EventType]bool, len(allEventTypes))
	for _, t := range allEventTypes {
		m[t] = true
	}
	return m
}()

func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !validEventTypes[t] {
		return "", fmt.Errorf("invalid event type: %q", s)
	}
	return t, nil
}

func (t EventType) Valid() bool {
	return validEventTypes[t]
}

// mandatoryTransition lists event types that must move the run: when the
// resolver yields no target for one of these, Apply fails with
// ErrIllegalTransition instead of recording a silent no-op.
var mandatoryTransition = map[EventType]bool{
	EventStartDiscovery:        true,
	EventStartImplementation:   true,
	EventLocalValidationPassed: true,
	EventMarkDone:              true,
	EventPRLinked:              true,
	EventPause:                 true,
	EventResume:                true,
	EventRetry:                 true,
	EventDiscoveryCompleted:    true,
	EventStepFailed:            true,
	EventPushCompleted:         true,
	EventTimeout:               true,
}

// MandatoryTransition reports whether a resolved target is required for t.
func (t EventType) MandatoryTransition() bool {
	return mandatoryTransition[t]
}
