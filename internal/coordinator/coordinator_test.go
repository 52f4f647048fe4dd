package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/strongdm/drover/internal/lifecycle"
	"github.com/strongdm/drover/internal/store"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "drover.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(Options{Store: s, WorkspaceRoot: t.TempDir()})
}

func createRun(t *testing.T, c *Coordinator) store.Run {
	t.Helper()
	run, err := c.CreateRun(context.Background(), CreateParams{
		Owner: "a", Repo: "b", PromptVersion: "v1",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func apply(t *testing.T, c *Coordinator, runID string, et lifecycle.EventType, payload map[string]any) Result {
	t.Helper()
	res, err := c.Apply(context.Background(), Event{RunID: runID, Type: et, Payload: payload})
	if err != nil {
		t.Fatalf("Apply(%s): %v", et, err)
	}
	return res
}

func TestHappyPath(t *testing.T) {
	c := newTestCoordinator(t)
	run := createRun(t, c)
	ctx := context.Background()

	steps := []struct {
		et      lifecycle.EventType
		payload map[string]any
		want    lifecycle.RunState
	}{
		{lifecycle.EventStartDiscovery, nil, lifecycle.StateDiscovery},
		{lifecycle.EventDiscoveryCompleted, map[string]any{"contract_path": "u://c"}, lifecycle.StatePlanReady},
		{lifecycle.EventStartImplementation, nil, lifecycle.StateImplementing},
		{lifecycle.EventLocalValidationPassed, nil, lifecycle.StateLocalValidating},
		{lifecycle.EventPushCompleted, map[string]any{"branch": "feat/x"}, lifecycle.StatePushed},
		{lifecycle.EventPRLinked, map[string]any{"pr_number": 42}, lifecycle.StateCIWait},
		{lifecycle.EventCheckCompleted, map[string]any{"conclusion": "success"}, lifecycle.StateReviewWait},
		{lifecycle.EventMarkDone, nil, lifecycle.StateDone},
	}
	for _, s := range steps {
		res := apply(t, c, run.RunID, s.et, s.payload)
		if res.State != s.want {
			t.Fatalf("%s: state=%s want %s", s.et, res.State, s.want)
		}
	}

	snap, err := c.Snapshot(ctx, run.RunID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State != lifecycle.StateDone {
		t.Fatalf("final state=%s want DONE", snap.State)
	}
	if snap.Run.PRNumber == nil || *snap.Run.PRNumber != 42 {
		t.Fatalf("pr_number=%v want 42", snap.Run.PRNumber)
	}

	var contract, branch bool
	for _, a := range snap.Artifacts {
		switch a.Type {
		case store.ArtifactContract:
			contract = a.URI == "u://c"
		case store.ArtifactBranch:
			branch = a.URI == "feat/x"
		}
	}
	if !contract || !branch {
		t.Fatalf("artifacts contract=%v branch=%v want both", contract, branch)
	}
}

func TestCIFailureThenFix(t *testing.T) {
	c := newTestCoordinator(t)
	run := createRun(t, c)

	apply(t, c, run.RunID, lifecycle.EventStartDiscovery, nil)
	apply(t, c, run.RunID, lifecycle.EventDiscoveryCompleted, nil)
	apply(t, c, run.RunID, lifecycle.EventStartImplementation, nil)
	apply(t, c, run.RunID, lifecycle.EventLocalValidationPassed, nil)
	apply(t, c, run.RunID, lifecycle.EventPushCompleted, nil)
	apply(t, c, run.RunID, lifecycle.EventPRLinked, map[string]any{"pr_number": 7})

	res := apply(t, c, run.RunID, lifecycle.EventCheckCompleted, map[string]any{"conclusion": "failure"})
	if res.State != lifecycle.StateIterating {
		t.Fatalf("after failed check state=%s want ITERATING", res.State)
	}
	res = apply(t, c, run.RunID, lifecycle.EventStartImplementation, nil)
	if res.State != lifecycle.StateImplementing {
		t.Fatalf("state=%s want IMPLEMENTING", res.State)
	}
	res = apply(t, c, run.RunID, lifecycle.EventLocalValidationPassed, nil)
	if res.State != lifecycle.StateLocalValidating {
		t.Fatalf("state=%s want LOCAL_VALIDATING", res.State)
	}
	res = apply(t, c, run.RunID, lifecycle.EventPushCompleted, nil)
	if res.State != lifecycle.StatePushed {
		t.Fatalf("state=%s want PUSHED", res.State)
	}
}

func TestReviewRequestingChanges(t *testing.T) {
	c := newTestCoordinator(t)
	run := createRun(t, c)

	apply(t, c, run.RunID, lifecycle.EventStartDiscovery, nil)
	apply(t, c, run.RunID, lifecycle.EventDiscoveryCompleted, nil)
	apply(t, c, run.RunID, lifecycle.EventStartImplementation, nil)
	apply(t, c, run.RunID, lifecycle.EventLocalValidationPassed, nil)
	apply(t, c, run.RunID, lifecycle.EventPushCompleted, nil)
	apply(t, c, run.RunID, lifecycle.EventPRLinked, map[string]any{"pr_number": 7})
	apply(t, c, run.RunID, lifecycle.EventCheckCompleted, map[string]any{"conclusion": "success"})

	res := apply(t, c, run.RunID, lifecycle.EventReviewSubmitted, map[string]any{"state": "approved"})
	if res.State != lifecycle.StateReviewWait || res.Changed {
		t.Fatalf("approved review: state=%s changed=%v want REVIEW_WAIT unchanged", res.State, res.Changed)
	}
	res = apply(t, c, run.RunID, lifecycle.EventReviewSubmitted, map[string]any{"state": "changes_requested"})
	if res.State != lifecycle.StateIterating {
		t.Fatalf("changes_requested: state=%s want ITERATING", res.State)
	}
}

func TestApply_DuplicateKeyReturnsPriorOutcome(t *testing.T) {
	c := newTestCoordinator(t)
	run := createRun(t, c)
	ctx := context.Background()

	ev := Event{RunID: run.RunID, Type: lifecycle.EventStartDiscovery, IdempotencyKey: "k1"}
	first, err := c.Apply(ctx, ev)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := c.Apply(ctx, ev)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first apply must not be a duplicate")
	}
	if !second.Duplicate {
		t.Fatal("second apply must report duplicate")
	}
	if second.State != first.State {
		t.Fatalf("duplicate state=%s want %s", second.State, first.State)
	}
}

func TestApply_RunNotFound(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.Apply(context.Background(), Event{RunID: "ghost", Type: lifecycle.EventPause})
	if !errors.Is(err, store.ErrRunNotFound) {
		t.Fatalf("err=%v want ErrRunNotFound", err)
	}
}

func TestApply_DiscoveryCompletedFromQueuedIsIllegal(t *testing.T) {
	c := newTestCoordinator(t)
	run := createRun(t, c)
	_, err := c.Apply(context.Background(), Event{RunID: run.RunID, Type: lifecycle.EventDiscoveryCompleted})
	if !errors.Is(err, lifecycle.ErrIllegalTransition) {
		t.Fatalf("err=%v want ErrIllegalTransition", err)
	}
	// The rejected event rolled back with the transition: the same key can
	// be replayed after discovery starts.
	apply(t, c, run.RunID, lifecycle.EventStartDiscovery, nil)
	res := apply(t, c, run.RunID, lifecycle.EventDiscoveryCompleted, nil)
	if res.State != lifecycle.StatePlanReady {
		t.Fatalf("state=%s want PLAN_READY", res.State)
	}
}

func TestApply_MandatoryEventWithoutTargetIsIllegal(t *testing.T) {
	c := newTestCoordinator(t)
	run := createRun(t, c)
	// mark.done is only legal from PUSHED/REVIEW_WAIT/NEEDS_HUMAN_REVIEW.
	_, err := c.Apply(context.Background(), Event{RunID: run.RunID, Type: lifecycle.EventMarkDone})
	if !errors.Is(err, lifecycle.ErrIllegalTransition) {
		t.Fatalf("err=%v want ErrIllegalTransition", err)
	}
}

func TestApply_PauseFromTerminalIsIllegal(t *testing.T) {
	c := newTestCoordinator(t)
	run := createRun(t, c)
	apply(t, c, run.RunID, lifecycle.EventStepFailed, map[string]any{"step": "agent", "reason_code": "x", "message": "y"})
	apply(t, c, run.RunID, lifecycle.EventRetry, map[string]any{"target_state": "FAILED_TERMINAL"})

	_, err := c.Apply(context.Background(), Event{RunID: run.RunID, Type: lifecycle.EventPause})
	if !errors.Is(err, lifecycle.ErrIllegalTransition) {
		t.Fatalf("pause from terminal: err=%v want ErrIllegalTransition", err)
	}
}

func TestApply_StepFailedRecordsLastError(t *testing.T) {
	c := newTestCoordinator(t)
	run := createRun(t, c)
	res := apply(t, c, run.RunID, lifecycle.EventStepFailed, map[string]any{
		"step": "prepare", "reason_code": "runtime_transient_failure", "message": "connection reset",
	})
	if res.State != lifecycle.StateFailedRetryable {
		t.Fatalf("state=%s want FAILED_RETRYABLE", res.State)
	}
	if res.LastError != "prepare:runtime_transient_failure:connection reset" {
		t.Fatalf("last_error=%q", res.LastError)
	}
}

func TestApply_PRRelinkRejected(t *testing.T) {
	c := newTestCoordinator(t)
	run := createRun(t, c)
	ctx := context.Background()

	apply(t, c, run.RunID, lifecycle.EventStartDiscovery, nil)
	apply(t, c, run.RunID, lifecycle.EventDiscoveryCompleted, nil)
	apply(t, c, run.RunID, lifecycle.EventStartImplementation, nil)
	apply(t, c, run.RunID, lifecycle.EventLocalValidationPassed, nil)
	apply(t, c, run.RunID, lifecycle.EventPushCompleted, nil)
	apply(t, c, run.RunID, lifecycle.EventPRLinked, map[string]any{"pr_number": 42})

	_, err := c.Apply(ctx, Event{
		RunID: run.RunID, Type: lifecycle.EventPRLinked,
		Payload: map[string]any{"pr_number": 99},
	})
	if !errors.Is(err, ErrPRAlreadyLinked) {
		t.Fatalf("err=%v want ErrPRAlreadyLinked", err)
	}
	if !errors.Is(err, lifecycle.ErrIllegalTransition) {
		t.Fatal("ErrPRAlreadyLinked must wrap ErrIllegalTransition for the ingress")
	}

	r, err := c.FindRunByPR(ctx, "a", "b", 42)
	if err != nil || r.RunID != run.RunID {
		t.Fatalf("FindRunByPR: run=%v err=%v", r.RunID, err)
	}
}

func TestApply_ResumeToArbitraryLegalTarget(t *testing.T) {
	c := newTestCoordinator(t)
	run := createRun(t, c)

	apply(t, c, run.RunID, lifecycle.EventPause, nil)
	res := apply(t, c, run.RunID, lifecycle.EventResume, map[string]any{"target_state": "QUEUED"})
	if res.State != lifecycle.StateQueued {
		t.Fatalf("state=%s want QUEUED", res.State)
	}

	// Resume without a target is a mandatory event with no resolution.
	apply(t, c, run.RunID, lifecycle.EventPause, nil)
	_, err := c.Apply(context.Background(), Event{RunID: run.RunID, Type: lifecycle.EventResume})
	if !errors.Is(err, lifecycle.ErrIllegalTransition) {
		t.Fatalf("err=%v want ErrIllegalTransition", err)
	}
}

func TestAddStepAttemptAndArtifact(t *testing.T) {
	c := newTestCoordinator(t)
	run := createRun(t, c)
	ctx := context.Background()

	n, err := c.AddStepAttempt(ctx, run.RunID, store.StepAgent, 0, "ok", "", 1200)
	if err != nil || n != 1 {
		t.Fatalf("AddStepAttempt=%d,%v want 1,nil", n, err)
	}
	n, err = c.AddStepAttempt(ctx, run.RunID, store.StepAgent, 1, "", "boom", 300)
	if err != nil || n != 2 {
		t.Fatalf("AddStepAttempt=%d,%v want 2,nil", n, err)
	}

	if err := c.AddArtifact(ctx, run.RunID, store.ArtifactRunDigest, "digest://1", map[string]any{"grade": "PASS"}); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}
	if _, err := c.AddStepAttempt(ctx, "ghost", store.StepAgent, 0, "", "", 0); !errors.Is(err, store.ErrRunNotFound) {
		t.Fatalf("err=%v want ErrRunNotFound", err)
	}
}

func TestSynthesizeKey_Deterministic(t *testing.T) {
	k1, err := SynthesizeKey("r1", lifecycle.EventPushCompleted, map[string]any{"branch": "x", "sha": "abc"})
	if err != nil {
		t.Fatalf("SynthesizeKey: %v", err)
	}
	k2, err := SynthesizeKey("r1", lifecycle.EventPushCompleted, map[string]any{"sha": "abc", "branch": "x"})
	if err != nil {
		t.Fatalf("SynthesizeKey: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("key order-sensitive: %s vs %s", k1, k2)
	}
	k3, _ := SynthesizeKey("r1", lifecycle.EventPushCompleted, map[string]any{"branch": "y"})
	if k1 == k3 {
		t.Fatal("different payloads must produce different keys")
	}
}
