// Package classify turns raw agent process output into a grade. It is a
// pure function over its inputs: the only blocking call is the optional
// language-model oracle consulted in hybrid_llm mode.
package classify

import (
	"context"
	"strings"

	"github.com/strongdm/drover/internal/lifecycle"
)

// Grade is the classification verdict.
type Grade string

const (
	GradePass        Grade = "PASS"
	GradeRetryable   Grade = "RETRYABLE"
	GradeHumanReview Grade = "HUMAN_REVIEW"
)

// NextAction maps a grade to what the run loop should do next.
type NextAction string

const (
	ActionAdvance  NextAction = "advance"
	ActionRetry    NextAction = "retry"
	ActionEscalate NextAction = "escalate"
)

// Reason codes. Stable values; the PR gate keys off them.
const (
	ReasonRuntimeSuccess             = "runtime_success"
	ReasonAllowlistedTestFailures    = "runtime_success_allowlisted_test_failures"
	ReasonRecoveredTestFailures      = "runtime_success_recovered_test_failures"
	ReasonNoTestInfraWithValidation  = "runtime_success_no_test_infra_with_validation"
	ReasonRuntimeHardFailure         = "runtime_hard_failure"
	ReasonRuntimeTransientFailure    = "runtime_transient_failure"
	ReasonRuntimeUnknownFailure      = "runtime_unknown_failure"
	ReasonPreflightTransientFailure  = "preflight_transient_failure"
	ReasonPreflightHardFailure       = "preflight_hard_failure"
	ReasonSafetyViolation            = "safety_violation"
	ReasonAgentPushDisallowed        = "agent_push_disallowed"
	ReasonMissingTestEvidence        = "missing_test_evidence"
	ReasonInsufficientTestEvidence   = "insufficient_test_evidence"
	ReasonDiffBudgetExceeded         = "diff_budget_exceeded"
	ReasonRetryableLimitExceeded     = "retryable_limit_exceeded"
)

// AcceptedPassReasons is the exact PASS reason-code set the PR gate
// accepts.
var AcceptedPassReasons = map[string]bool{
	ReasonRuntimeSuccess:            true,
	ReasonAllowlistedTestFailures:   true,
	ReasonRecoveredTestFailures:     true,
	ReasonNoTestInfraWithValidation: true,
}

// GradingMode selects how much semantic help the rules get.
type GradingMode string

const (
	ModeRules     GradingMode = "rules"
	ModeHybrid    GradingMode = "hybrid"
	ModeHybridLLM GradingMode = "hybrid_llm"
)

// Policy is the grading policy block.
type Policy struct {
	MinTestCommands      int         `json:"min_test_commands" yaml:"min_test_commands"`
	MaxChangedFiles      int         `json:"max_changed_files" yaml:"max_changed_files"`
	MaxAddedLines        int         `json:"max_added_lines" yaml:"max_added_lines"`
	MaxRetryableAttempts int         `json:"max_retryable_attempts" yaml:"max_retryable_attempts"`
	GradingMode          GradingMode `json:"grading_mode" yaml:"grading_mode"`
	AllowedTestFailures  []string    `json:"allowed_test_failures,omitempty" yaml:"allowed_test_failures,omitempty"`
	AgentPushAllowed     bool        `json:"agent_push_allowed" yaml:"agent_push_allowed"`
}

// DiffStats is what the core knows about the working-tree diff: counts only.
type DiffStats struct {
	ChangedFiles int `json:"changed_files"`
	AddedLines   int `json:"added_lines"`
}

// PreflightReport is the outcome of the environment preflight step.
type PreflightReport struct {
	OK       bool     `json:"ok"`
	Failures []string `json:"failures,omitempty"`
}

// Inputs is the captured agent process result plus grading context.
type Inputs struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMS int64

	// State is the run state the agent step executed under. Test evidence
	// is required in IMPLEMENTING and ITERATING.
	State lifecycle.RunState

	// Commands are the shell commands extracted from the agent transcript.
	Commands []string

	Diff      DiffStats
	Preflight *PreflightReport
	AttemptNo int
	Policy    Policy

	// RepoScan feeds the no-test-infra semantic override; nil disables it.
	RepoScan *RepoScan

	// Oracle is consulted in hybrid_llm mode; its decision supersedes the
	// heuristic only when it returns PASS.
	Oracle Oracle
}

// Classification is the graded verdict plus the evidence that produced it.
type Classification struct {
	Grade      Grade          `json:"grade"`
	ReasonCode string         `json:"reason_code"`
	NextAction NextAction     `json:"next_action"`
	Evidence   map[string]any `json:"evidence"`
}

// semantic-override diff ceiling: a "small" diff for a repo with no test
// infrastructure.
const (
	noTestInfraMaxChangedFiles = 8
	noTestInfraMaxAddedLines   = 240
)

// Classify applies the grading rules in order; the first matching rule
// wins. See the package tests for the full decision table.
func Classify(ctx context.Context, in Inputs) Classification {
	combined := strings.ToLower(in.Stdout + "\n" + in.Stderr)
	testCmds := matchingCommands(testCommandPatterns, in.Commands)
	lintCmds := matchingCommands(lintCommandPatterns, in.Commands)
	safetyCmds := matchingCommands(safetyViolationPatterns, in.Commands)
	pushCmds := matchingCommands(pushCommandPatterns, in.Commands)
	failedMarkers := countFailedTestMarkers(in.Stdout + "\n" + in.Stderr)

	ev := map[string]any{
		"exit_code":            in.ExitCode,
		"duration_ms":          in.DurationMS,
		"attempt_no":           in.AttemptNo,
		"state":                string(in.State),
		"test_commands":        len(testCmds),
		"lint_commands":        len(lintCmds),
		"failed_test_markers":  failedMarkers,
		"safety_violations":    len(safetyCmds),
		"changed_files":        in.Diff.ChangedFiles,
		"added_lines":          in.Diff.AddedLines,
		"push_commands":        len(pushCmds),
		"grading_mode":         string(in.Policy.GradingMode),
	}

	out := func(grade Grade, reason string) Classification {
		c := Classification{Grade: grade, ReasonCode: reason, Evidence: ev}
		switch grade {
		case GradePass:
			c.NextAction = ActionAdvance
		case GradeRetryable:
			c.NextAction = ActionRetry
		default:
			c.NextAction = ActionEscalate
		}
		return capRetryable(c, in)
	}

	// Rule 1: preflight verdict dominates everything else.
	if in.Preflight != nil && !in.Preflight.OK {
		failures := strings.ToLower(strings.Join(in.Preflight.Failures, "\n"))
		ev["preflight_failures"] = in.Preflight.Failures
		if matchesAny(retryableFailurePatterns, failures) {
			return out(GradeRetryable, ReasonPreflightTransientFailure)
		}
		return out(GradeHumanReview, ReasonPreflightHardFailure)
	}

	// Rule 2: safety list.
	if len(safetyCmds) > 0 {
		ev["safety_commands"] = safetyCmds
		return out(GradeHumanReview, ReasonSafetyViolation)
	}

	// Rule 3: the agent pushed when only the orchestrator may.
	if !in.Policy.AgentPushAllowed && len(pushCmds) > 0 {
		ev["push_commands_observed"] = pushCmds
		return out(GradeHumanReview, ReasonAgentPushDisallowed)
	}

	// Rule 4: clean exit.
	if in.ExitCode == 0 {
		allowExpr, allowlisted := matchesAllowlist(in.Policy.AllowedTestFailures, combined)
		if allowlisted {
			ev["allowlisted_by"] = allowExpr
		}

		if verdict, blocked := checkTestEvidence(in, len(testCmds)); blocked {
			if c, ok := semanticOverride(ctx, in, lintCmds, verdict, ev); ok {
				return c
			}
			return out(GradeHumanReview, verdict)
		}
		if exceeded(in.Diff, in.Policy) {
			return out(GradeHumanReview, ReasonDiffBudgetExceeded)
		}

		switch {
		case allowlisted && failedMarkers > 0:
			return out(GradePass, ReasonAllowlistedTestFailures)
		case failedMarkers > 0:
			// Failing markers earlier in the transcript, clean exit at the
			// end: trust the final exit code.
			return out(GradePass, ReasonRecoveredTestFailures)
		default:
			return out(GradePass, ReasonRuntimeSuccess)
		}
	}

	// Rule 5: non-zero exit.
	if matchesAny(hardFailurePatterns, combined) {
		return out(GradeHumanReview, ReasonRuntimeHardFailure)
	}
	if matchesAny(retryableFailurePatterns, combined) {
		return out(GradeRetryable, ReasonRuntimeTransientFailure)
	}
	return out(GradeRetryable, ReasonRuntimeUnknownFailure)
}

// checkTestEvidence enforces the test-evidence minimum for states that
// require it.
func checkTestEvidence(in Inputs, observed int) (string, bool) {
	if in.Policy.MinTestCommands <= 0 {
		return "", false
	}
	switch in.State {
	case lifecycle.StateImplementing, lifecycle.StateIterating:
	default:
		return "", false
	}
	if observed >= in.Policy.MinTestCommands {
		return "", false
	}
	if in.Policy.MinTestCommands == 1 && observed == 0 {
		return ReasonMissingTestEvidence, true
	}
	return ReasonInsufficientTestEvidence, true
}

func exceeded(d DiffStats, p Policy) bool {
	if p.MaxChangedFiles > 0 && d.ChangedFiles > p.MaxChangedFiles {
		return true
	}
	if p.MaxAddedLines > 0 && d.AddedLines > p.MaxAddedLines {
		return true
	}
	return false
}

// semanticOverride upgrades a test-evidence block to PASS when the repo has
// no detectable test infrastructure, validation commands ran, and the diff
// is small. In hybrid_llm mode the oracle may confirm; any non-PASS oracle
// answer keeps the rules verdict.
func semanticOverride(ctx context.Context, in Inputs, lintCmds []string, verdict string, ev map[string]any) (Classification, bool) {
	mode := in.Policy.GradingMode
	if mode != ModeHybrid && mode != ModeHybridLLM {
		return Classification{}, false
	}
	if verdict != ReasonMissingTestEvidence && verdict != ReasonInsufficientTestEvidence {
		return Classification{}, false
	}
	heuristicOK := in.RepoScan != nil && !in.RepoScan.HasTestInfrastructure() &&
		len(lintCmds) > 0 &&
		in.Diff.ChangedFiles <= noTestInfraMaxChangedFiles &&
		in.Diff.AddedLines <= noTestInfraMaxAddedLines

	if mode == ModeHybridLLM && in.Oracle != nil {
		grade, err := in.Oracle.Review(ctx, OracleRequest{
			Verdict:  verdict,
			Stdout:   in.Stdout,
			Stderr:   in.Stderr,
			Commands: in.Commands,
			Diff:     in.Diff,
		})
		if err == nil && grade == GradePass {
			ev["override"] = "oracle"
			ev["rules_verdict"] = verdict
			return Classification{
				Grade:      GradePass,
				ReasonCode: ReasonNoTestInfraWithValidation,
				NextAction: ActionAdvance,
				Evidence:   ev,
			}, true
		}
		// Oracle declined or failed: fall through to the heuristic.
	}

	if !heuristicOK {
		return Classification{}, false
	}
	ev["override"] = "no_test_infra_heuristic"
	ev["rules_verdict"] = verdict
	return Classification{
		Grade:      GradePass,
		ReasonCode: ReasonNoTestInfraWithValidation,
		NextAction: ActionAdvance,
		Evidence:   ev,
	}, true
}

// capRetryable rewrites RETRYABLE to HUMAN_REVIEW once the attempt budget
// is spent, preserving the original reason in evidence.
func capRetryable(c Classification, in Inputs) Classification {
	if c.Grade != GradeRetryable {
		return c
	}
	max := in.Policy.MaxRetryableAttempts
	if max <= 0 || in.AttemptNo <= max {
		return c
	}
	c.Evidence["original_reason"] = c.ReasonCode
	c.Grade = GradeHumanReview
	c.ReasonCode = ReasonRetryableLimitExceeded
	c.NextAction = ActionEscalate
	return c
}
