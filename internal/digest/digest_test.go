package digest

import (
	"strings"
	"testing"

	"github.com/strongdm/drover/internal/classify"
)

func sampleClassification() classify.Classification {
	return classify.Classification{
		Grade:      classify.GradePass,
		ReasonCode: classify.ReasonRuntimeSuccess,
		NextAction: classify.ActionAdvance,
		Evidence: map[string]any{
			"test_commands":       2,
			"lint_commands":       1,
			"failed_test_markers": 0,
			"safety_violations":   0,
			"changed_files":       3,
			"added_lines":         40,
		},
	}
}

func TestBuild_ProjectsEvidence(t *testing.T) {
	d := Build("run-1", sampleClassification(), SkillsPlan{Mode: "strict"}, nil)
	if d.Counters.TestCommands != 2 || d.Counters.LintCommands != 1 {
		t.Fatalf("counters: %+v", d.Counters)
	}
	if d.Diff.ChangedFiles != 3 || d.Diff.AddedLines != 40 {
		t.Fatalf("diff: %+v", d.Diff)
	}
	if d.Grade != classify.GradePass || d.ReasonCode != classify.ReasonRuntimeSuccess {
		t.Fatalf("grade/reason: %s/%s", d.Grade, d.ReasonCode)
	}
}

func TestBuild_EvidenceFloatValues(t *testing.T) {
	// Evidence that round-tripped through JSON carries float64 numbers.
	c := sampleClassification()
	c.Evidence["test_commands"] = float64(4)
	d := Build("run-1", c, SkillsPlan{}, nil)
	if d.Counters.TestCommands != 4 {
		t.Fatalf("test_commands=%d want 4", d.Counters.TestCommands)
	}
}

func TestContentHash_Deterministic(t *testing.T) {
	d := Build("run-1", sampleClassification(), SkillsPlan{Mode: "strict", Skills: []string{"python"}}, nil)
	h1, err := d.ContentHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := d.ContentHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("hash length %d want 64 hex chars", len(h1))
	}

	d2 := d
	d2.ReasonCode = classify.ReasonRecoveredTestFailures
	h3, err := d2.ContentHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h3 == h1 {
		t.Fatal("distinct digests hashed identically")
	}
}

func TestCanonicalJSON_SortedKeys(t *testing.T) {
	d := Build("run-1", sampleClassification(), SkillsPlan{}, nil)
	s, err := d.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if !strings.HasPrefix(s, "{\"counters\"") {
		t.Fatalf("keys not sorted: %s", s[:40])
	}
}
