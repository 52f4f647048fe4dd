// Package gate decides whether a run is ready for an external pull
// request. It is a pure evaluation over the run's latest digest and the
// configured policy.
package gate

import (
	"fmt"

	"github.com/strongdm/drover/internal/classify"
	"github.com/strongdm/drover/internal/digest"
)

// Check codes. Stable values reported to operators.
const (
	CheckMissingContract          = "missing_contract"
	CheckMissingDigest            = "missing_digest"
	CheckRuntimeNotPass           = "runtime_not_pass"
	CheckRuntimeNotSuccess        = "runtime_not_runtime_success"
	CheckPreflightNotOK           = "preflight_not_ok"
	CheckSafetyViolationPresent   = "safety_violation_present"
	CheckInsufficientTestEvidence = "insufficient_test_evidence"
	CheckFailedTestCommands       = "failed_test_commands_present"
	CheckChangedFilesBudget       = "changed_files_budget_exceeded"
	CheckAddedLinesBudget         = "added_lines_budget_exceeded"
	CheckSkillsModeMismatch       = "skills_mode_mismatch"
	CheckMissingRequiredSkills    = "missing_required_skills"
)

// convergedPassReasons are PASS reasons where failed test markers were
// observed but the run converged anyway.
var convergedPassReasons = map[string]bool{
	classify.ReasonAllowlistedTestFailures: true,
	classify.ReasonRecoveredTestFailures:   true,
}

// Check is one failed or warned readiness condition.
type Check struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Readiness is the gate verdict. OK is true iff FailedChecks is empty;
// warnings never block.
type Readiness struct {
	OK           bool    `json:"ok"`
	FailedChecks []Check `json:"failed_checks"`
	Warnings     []Check `json:"warnings"`
}

// Policy is the expected-state block the gate enforces.
type Policy struct {
	MinTestCommands int `json:"min_test_commands" yaml:"min_test_commands"`
	MaxChangedFiles int `json:"max_changed_files" yaml:"max_changed_files"`
	MaxAddedLines   int `json:"max_added_lines" yaml:"max_added_lines"`

	SkillsMode     string   `json:"skills_mode,omitempty" yaml:"skills_mode,omitempty"`
	RequiredSkills []string `json:"required_skills,omitempty" yaml:"required_skills,omitempty"`
}

// Evaluate runs every readiness check and returns the full list of
// failures and warnings, never stopping at the first.
func Evaluate(d *digest.Digest, pol Policy, contractAvailable bool) Readiness {
	var failed, warnings []Check
	fail := func(code, msg string) { failed = append(failed, Check{Code: code, Message: msg}) }
	warn := func(code, msg string) { warnings = append(warnings, Check{Code: code, Message: msg}) }

	if !contractAvailable {
		fail(CheckMissingContract, "no contract artifact bound to the run")
	}
	if d == nil {
		fail(CheckMissingDigest, "no runtime classification available")
		return Readiness{OK: false, FailedChecks: failed, Warnings: warnings}
	}

	if d.Grade != classify.GradePass {
		fail(CheckRuntimeNotPass, fmt.Sprintf("runtime grade is %s", d.Grade))
	}
	if !classify.AcceptedPassReasons[d.ReasonCode] {
		fail(CheckRuntimeNotSuccess, fmt.Sprintf("reason %q is not an accepted PASS reason", d.ReasonCode))
	}
	if d.Preflight != nil && !d.Preflight.OK {
		fail(CheckPreflightNotOK, fmt.Sprintf("preflight reported %d failure(s)", len(d.Preflight.Failures)))
	}
	if d.Counters.SafetyViolations > 0 {
		fail(CheckSafetyViolationPresent, fmt.Sprintf("%d safety violation(s) observed", d.Counters.SafetyViolations))
	}

	if pol.MinTestCommands > 0 && d.Counters.TestCommands < pol.MinTestCommands {
		msg := fmt.Sprintf("observed %d test command(s), require %d", d.Counters.TestCommands, pol.MinTestCommands)
		if d.ReasonCode == classify.ReasonNoTestInfraWithValidation {
			warn(CheckInsufficientTestEvidence, msg)
		} else {
			fail(CheckInsufficientTestEvidence, msg)
		}
	}

	if d.Counters.FailedTestCommands > 0 {
		msg := fmt.Sprintf("%d failed test marker(s) in runtime output", d.Counters.FailedTestCommands)
		if d.Grade == classify.GradePass && convergedPassReasons[d.ReasonCode] {
			warn(CheckFailedTestCommands, msg)
		} else {
			fail(CheckFailedTestCommands, msg)
		}
	}

	if pol.MaxChangedFiles > 0 && d.Diff.ChangedFiles > pol.MaxChangedFiles {
		fail(CheckChangedFilesBudget, fmt.Sprintf("%d changed files exceeds limit %d", d.Diff.ChangedFiles, pol.MaxChangedFiles))
	}
	if pol.MaxAddedLines > 0 && d.Diff.AddedLines > pol.MaxAddedLines {
		fail(CheckAddedLinesBudget, fmt.Sprintf("%d added lines exceeds limit %d", d.Diff.AddedLines, pol.MaxAddedLines))
	}

	if pol.SkillsMode != "" && d.Skills.Mode != pol.SkillsMode {
		fail(CheckSkillsModeMismatch, fmt.Sprintf("skills mode %q, expected %q", d.Skills.Mode, pol.SkillsMode))
	}
	if missing := missingSkills(pol.RequiredSkills, d.Skills.Skills); len(missing) > 0 {
		fail(CheckMissingRequiredSkills, fmt.Sprintf("missing required skills: %v", missing))
	}

	return Readiness{OK: len(failed) == 0, FailedChecks: failed, Warnings: warnings}
}

func missingSkills(required, declared []string) []string {
	have := make(map[string]bool, len(declared))
	for _, s := range declared {
		have[s] = true
	}
	var missing []string
	for _, s := range required {
		if !have[s] {
			missing = append(missing, s)
		}
	}
	return missing
}
