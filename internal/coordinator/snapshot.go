package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/strongdm/drover/internal/lifecycle"
	"github.com/strongdm/drover/internal/store"
)

// Snapshot is the read-only projection of one run: the run row, its current
// state, and the appended evidence.
type Snapshot struct {
	Run          store.Run           `json:"run"`
	State        lifecycle.RunState  `json:"state"`
	LastError    string              `json:"last_error,omitempty"`
	Artifacts    []store.Artifact    `json:"artifacts"`
	StepAttempts []store.StepAttempt `json:"step_attempts"`
}

func (c *Coordinator) Snapshot(ctx context.Context, runID string) (Snapshot, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return Snapshot{}, err
	}
	stateRow, err := c.store.GetState(ctx, runID)
	if err != nil {
		return Snapshot{}, err
	}
	artifacts, err := c.store.ListArtifacts(ctx, runID)
	if err != nil {
		return Snapshot{}, err
	}
	attempts, err := c.store.ListStepAttempts(ctx, runID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Run:          run,
		State:        lifecycle.RunState(stateRow.State),
		LastError:    stateRow.LastError,
		Artifacts:    artifacts,
		StepAttempts: attempts,
	}, nil
}

// RunListing pairs a run with its current state for list views.
type RunListing struct {
	Run       store.Run          `json:"run"`
	State     lifecycle.RunState `json:"state"`
	LastError string             `json:"last_error,omitempty"`
}

func (c *Coordinator) ListRuns(ctx context.Context, limit int) ([]RunListing, error) {
	runs, err := c.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]RunListing, 0, len(runs))
	for _, r := range runs {
		stateRow, err := c.store.GetState(ctx, r.RunID)
		if err != nil {
			return nil, err
		}
		out = append(out, RunListing{
			Run:       r,
			State:     lifecycle.RunState(stateRow.State),
			LastError: stateRow.LastError,
		})
	}
	return out, nil
}

func (c *Coordinator) ListArtifacts(ctx context.Context, runID string) ([]store.Artifact, error) {
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return c.store.ListArtifacts(ctx, runID)
}

func (c *Coordinator) ListStepAttempts(ctx context.Context, runID string) ([]store.StepAttempt, error) {
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return c.store.ListStepAttempts(ctx, runID)
}

// AddArtifact appends a typed artifact pointer to a run.
func (c *Coordinator) AddArtifact(ctx context.Context, runID, artifactType, uri string, meta map[string]any) error {
	if strings.TrimSpace(uri) == "" {
		return fmt.Errorf("add artifact: uri is required")
	}
	metaJSON, err := store.CanonicalJSON(meta)
	if err != nil {
		return err
	}
	now := store.FormatTime(c.clock.Now())
	return c.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetRun(ctx, runID); err != nil {
			return err
		}
		return tx.InsertArtifact(ctx, store.Artifact{
			RunID: runID, Type: artifactType, URI: uri,
			MetaJSON: metaJSON, CreatedAt: now,
		})
	})
}

// AddStepAttempt appends one external process invocation and returns its
// attempt number (monotonic per run and step).
func (c *Coordinator) AddStepAttempt(ctx context.Context, runID, step string, exitCode int, stdout, stderr string, durationMS int64) (int64, error) {
	now := store.FormatTime(c.clock.Now())
	var attemptNo int64
	err := c.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetRun(ctx, runID); err != nil {
			return err
		}
		var err error
		attemptNo, err = tx.InsertStepAttempt(ctx, store.StepAttempt{
			RunID: runID, Step: step, ExitCode: int64(exitCode),
			Stdout: stdout, Stderr: stderr, DurationMS: durationMS, CreatedAt: now,
		})
		return err
	})
	return attemptNo, err
}

// FindRunByPR locates the latest run for (owner, repo, pr_number).
func (c *Coordinator) FindRunByPR(ctx context.Context, owner, repo string, prNumber int64) (store.Run, error) {
	return c.store.FindRunByPR(ctx, owner, repo, prNumber)
}

// ActiveSyncTargets returns runs the sync engine should poll: CI_WAIT,
// REVIEW_WAIT, or ITERATING with a linked PR.
func (c *Coordinator) ActiveSyncTargets(ctx context.Context) ([]RunListing, error) {
	runs, err := c.store.ListRunsInStates(ctx, []string{
		string(lifecycle.StateCIWait),
		string(lifecycle.StateReviewWait),
		string(lifecycle.StateIterating),
	})
	if err != nil {
		return nil, err
	}
	out := make([]RunListing, 0, len(runs))
	for _, r := range runs {
		if r.PRNumber == nil {
			continue
		}
		stateRow, err := c.store.GetState(ctx, r.RunID)
		if err != nil {
			return nil, err
		}
		out = append(out, RunListing{Run: r, State: lifecycle.RunState(stateRow.State), LastError: stateRow.LastError})
	}
	return out, nil
}
