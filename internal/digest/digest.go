// Package digest projects the latest runtime classification of a run into
// a compact, content-addressed summary the PR gate evaluates.
package digest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/strongdm/drover/internal/classify"
	"github.com/strongdm/drover/internal/store"
)

// SkillsPlan declares the capability set a run executed with. The gate
// compares it against the policy's expected plan.
type SkillsPlan struct {
	Mode   string   `json:"mode,omitempty"`
	Skills []string `json:"skills,omitempty"`
}

// Counters are the evidence counts carried over from classification.
type Counters struct {
	TestCommands       int `json:"test_commands"`
	LintCommands       int `json:"lint_commands"`
	FailedTestCommands int `json:"failed_test_commands"`
	SafetyViolations   int `json:"safety_violations"`
}

// Digest is the read-only projection of a run's latest classification.
type Digest struct {
	RunID      string                    `json:"run_id"`
	Grade      classify.Grade            `json:"grade"`
	ReasonCode string                    `json:"reason_code"`
	Counters   Counters                  `json:"counters"`
	Diff       classify.DiffStats        `json:"diff"`
	Preflight  *classify.PreflightReport `json:"preflight,omitempty"`
	Skills     SkillsPlan                `json:"skills"`
}

// Build projects a classification into a digest. Counter values come from
// the classification's evidence map; absent keys read as zero.
func Build(runID string, c classify.Classification, skills SkillsPlan, preflight *classify.PreflightReport) Digest {
	return Digest{
		RunID:      runID,
		Grade:      c.Grade,
		ReasonCode: c.ReasonCode,
		Counters: Counters{
			TestCommands:       evidenceInt(c.Evidence, "test_commands"),
			LintCommands:       evidenceInt(c.Evidence, "lint_commands"),
			FailedTestCommands: evidenceInt(c.Evidence, "failed_test_markers"),
			SafetyViolations:   evidenceInt(c.Evidence, "safety_violations"),
		},
		Diff: classify.DiffStats{
			ChangedFiles: evidenceInt(c.Evidence, "changed_files"),
			AddedLines:   evidenceInt(c.Evidence, "added_lines"),
		},
		Preflight: preflight,
		Skills:    skills,
	}
}

// CanonicalJSON renders the digest with sorted keys, suitable for hashing
// and storage.
func (d Digest) CanonicalJSON() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal digest: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return "", fmt.Errorf("canonicalize digest: %w", err)
	}
	return store.CanonicalJSON(m)
}

// ContentHash is the blake3 hash of the canonical digest JSON, hex encoded.
func (d Digest) ContentHash() (string, error) {
	canonical, err := d.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

func evidenceInt(ev map[string]any, key string) int {
	switch v := ev[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
