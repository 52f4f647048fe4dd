package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Run is the unit of work. budget_json is preserved verbatim as canonical
// JSON; workspace_dir is derived once at creation and never rewritten.
type Run struct {
	RunID         string `db:"run_id" json:"run_id"`
	Owner         string `db:"owner" json:"owner"`
	Repo          string `db:"repo" json:"repo"`
	PromptVersion string `db:"prompt_version" json:"prompt_version"`
	Mode          string `db:"mode" json:"mode"`
	BudgetJSON    string `db:"budget_json" json:"budget_json"`
	WorkspaceDir  string `db:"workspace_dir" json:"workspace_dir"`
	PRNumber      *int64 `db:"pr_number" json:"pr_number,omitempty"`
	CreatedAt     string `db:"created_at" json:"created_at"`
	UpdatedAt     string `db:"updated_at" json:"updated_at"`
}

// RunStateRow is the 1:1 state row for a run.
type RunStateRow struct {
	RunID     string `db:"run_id" json:"run_id"`
	State     string `db:"state" json:"state"`
	LastError string `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt string `db:"updated_at" json:"updated_at"`
}

// EventRow is the immutable record of something that happened to a run.
type EventRow struct {
	EventID        int64  `db:"event_id" json:"event_id"`
	RunID          string `db:"run_id" json:"run_id"`
	EventType      string `db:"event_type" json:"event_type"`
	IdempotencyKey string `db:"idempotency_key" json:"idempotency_key"`
	PayloadJSON    string `db:"payload_json" json:"payload_json"`
	CreatedAt      string `db:"created_at" json:"created_at"`
}

// StepAttempt is append-only bookkeeping for one external process invocation.
type StepAttempt struct {
	AttemptID  int64  `db:"attempt_id" json:"attempt_id"`
	RunID      string `db:"run_id" json:"run_id"`
	Step       string `db:"step" json:"step"`
	AttemptNo  int64  `db:"attempt_no" json:"attempt_no"`
	ExitCode   int64  `db:"exit_code" json:"exit_code"`
	Stdout     string `db:"stdout" json:"stdout,omitempty"`
	Stderr     string `db:"stderr" json:"stderr,omitempty"`
	DurationMS int64  `db:"duration_ms" json:"duration_ms"`
	CreatedAt  string `db:"created_at" json:"created_at"`
}

// Artifact is a typed pointer to an out-of-band payload.
type Artifact struct {
	ArtifactID int64  `db:"artifact_id" json:"artifact_id"`
	RunID      string `db:"run_id" json:"run_id"`
	Type       string `db:"artifact_type" json:"type"`
	URI        string `db:"uri" json:"uri"`
	MetaJSON   string `db:"meta_json" json:"meta_json"`
	CreatedAt  string `db:"created_at" json:"created_at"`
}

// Artifact types written by the core.
const (
	ArtifactContract        = "contract"
	ArtifactBranch          = "branch"
	ArtifactRuntimeReport   = "agent_runtime_report"
	ArtifactRunDigest       = "run_digest"
	ArtifactPreflightReport = "preflight_report"
)

// Steps tracked in step_attempts.
const (
	StepPrepare    = "prepare"
	StepFinish     = "finish"
	StepAgent      = "agent"
	StepPreflight  = "preflight"
	StepGithubSync = "github_sync"
)

// WebhookDelivery is the replay-defense row for one inbound POST.
type WebhookDelivery struct {
	Source        string `db:"source" json:"source"`
	DeliveryID    string `db:"delivery_id" json:"delivery_id"`
	EventType     string `db:"event_type" json:"event_type"`
	PayloadSHA256 string `db:"payload_sha256" json:"payload_sha256"`
	ReceivedAt    string `db:"received_at" json:"received_at"`
}

// FormatTime renders a row timestamp: UTC ISO-8601.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// CanonicalJSON marshals v with object keys sorted. encoding/json already
// sorts map keys; this helper normalizes nil to the empty object and rejects
// values that cannot round-trip.
func CanonicalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	return string(b), nil
}
