// Package ghsync reconciles linked pull requests with run state. Planning
// is a pure function over the fetched PR view; the worker applies planned
// events through the coordinator under deterministic idempotency keys.
package ghsync

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/strongdm/drover/internal/ghview"
	"github.com/strongdm/drover/internal/lifecycle"
	"github.com/strongdm/drover/internal/store"
)

// PlannedEvent is one coordinator event derived from a PR view.
type PlannedEvent struct {
	Type    lifecycle.EventType
	Payload map[string]any

	// kind/value discriminate the idempotency key.
	Kind  string
	Value string
}

// Rollup buckets per the check-aggregation rules. Every rollup entry lands
// in exactly one bucket.
type Rollup struct {
	Failure int
	Success int
	Pending int
	Unknown int
}

func (r Rollup) Total() int { return r.Failure + r.Success + r.Pending + r.Unknown }

var (
	rollupFailureConclusions = map[string]bool{
		"failure": true, "timed_out": true, "cancelled": true,
		"action_required": true, "startup_failure": true, "stale": true,
	}
	rollupFailureStates = map[string]bool{
		"failure": true, "error": true,
	}
	rollupSuccessConclusions = map[string]bool{
		"success": true, "neutral": true, "skipped": true,
	}
	rollupPendingStates = map[string]bool{
		"queued": true, "in_progress": true, "pending": true,
		"waiting": true, "requested": true,
	}
	reviewStatesOfInterest = map[string]bool{
		"changes_requested": true, "approved": true,
		"commented": true, "dismissed": true,
	}
)

func bucketRollup(entries []ghview.CheckRollupEntry) Rollup {
	var r Rollup
	for _, e := range entries {
		conclusion := normalize(e.Conclusion)
		state := normalize(e.State)
		switch {
		case rollupFailureConclusions[conclusion] || rollupFailureStates[state]:
			r.Failure++
		case rollupSuccessConclusions[conclusion]:
			r.Success++
		case rollupPendingStates[state]:
			r.Pending++
		default:
			r.Unknown++
		}
	}
	return r
}

// decideConclusion reduces the rollup to a check conclusion; ok=false
// defers (pending checks, or nothing to aggregate).
func decideConclusion(r Rollup) (string, bool) {
	switch {
	case r.Failure > 0:
		return "failure", true
	case r.Pending > 0:
		return "", false
	case r.Total() > 0:
		return "success", true
	default:
		return "", false
	}
}

// decideReviewState picks the review state to record. reviewDecision wins;
// otherwise the newest review with a recognized state.
func decideReviewState(view ghview.PRView) (string, bool) {
	if normalize(view.ReviewDecision) == "changes_requested" {
		return "changes_requested", true
	}
	for i := len(view.Reviews) - 1; i >= 0; i-- {
		if state := normalize(view.Reviews[i].State); reviewStatesOfInterest[state] {
			return state, true
		}
	}
	return "", false
}

// Plan derives the events a PR view implies. An empty view plans nothing.
func Plan(view ghview.PRView) []PlannedEvent {
	var out []PlannedEvent
	if conclusion, ok := decideConclusion(bucketRollup(view.StatusCheckRollup)); ok {
		out = append(out, PlannedEvent{
			Type:    lifecycle.EventCheckCompleted,
			Payload: map[string]any{"conclusion": conclusion},
			Kind:    "check",
			Value:   conclusion,
		})
	}
	if state, ok := decideReviewState(view); ok {
		out = append(out, PlannedEvent{
			Type:    lifecycle.EventReviewSubmitted,
			Payload: map[string]any{"state": state},
			Kind:    "review",
			Value:   state,
		})
	}
	return out
}

// Key scopes a planned event to the run and the exact view that produced
// it: an unchanged view collapses on replay, a changed view gets a fresh
// key even when the decided value repeats.
func Key(runID string, ev PlannedEvent, view ghview.PRView) (string, error) {
	canon, err := store.CanonicalJSON(map[string]any{
		"number":            view.Number,
		"statusCheckRollup": view.StatusCheckRollup,
		"reviewDecision":    view.ReviewDecision,
		"reviews":           view.Reviews,
	})
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(canon))
	return fmt.Sprintf("gh-sync:%s:%s:%s:%s", runID, ev.Kind, ev.Value, hex.EncodeToString(sum[:])[:12]), nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
