package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/strongdm/drover/internal/classify"
	"github.com/strongdm/drover/internal/gate"
	"github.com/strongdm/drover/internal/store"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "drover.yaml")
	body := fmt.Sprintf("db_path: %q\nworkspace_root: %q\nlogging:\n  level: error\n",
		filepath.Join(dir, "drover.db"), filepath.Join(dir, "workspaces"))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("drover %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestCLI_RunLifecycleAndGate(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	var run store.Run
	out := execute(t, "--config", cfg, "run", "create", "--owner", "octo", "--repo", "widgets")
	if err := json.Unmarshal([]byte(out), &run); err != nil {
		t.Fatalf("decode run: %v\n%s", err, out)
	}
	if run.RunID == "" {
		t.Fatal("empty run id")
	}

	execute(t, "--config", cfg, "event", "apply", run.RunID, "command.start.discovery")
	execute(t, "--config", cfg, "event", "apply", run.RunID, "worker.discovery.completed",
		"--payload", `{"contract_path":"contracts/change.md"}`)

	// Gate before grading: blocked on the missing digest.
	var readiness gate.Readiness
	out = execute(t, "--config", cfg, "gate", run.RunID)
	if err := json.Unmarshal([]byte(out), &readiness); err != nil {
		t.Fatalf("decode readiness: %v\n%s", err, out)
	}
	if readiness.OK {
		t.Fatal("gate passed without a digest")
	}
	found := false
	for _, c := range readiness.FailedChecks {
		if c.Code == gate.CheckMissingDigest {
			found = true
		}
	}
	if !found {
		t.Fatalf("failed checks: %+v", readiness.FailedChecks)
	}

	report := filepath.Join(dir, "report.json")
	body, _ := json.Marshal(map[string]any{
		"exit_code": 0,
		"stdout":    "5 passed",
		"commands":  []string{"pytest -q"},
		"diff":      classify.DiffStats{ChangedFiles: 2, AddedLines: 30},
	})
	if err := os.WriteFile(report, body, 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}
	var graded struct {
		Classification classify.Classification `json:"classification"`
		AttemptNo      int64                   `json:"attempt_no"`
	}
	out = execute(t, "--config", cfg, "grade", run.RunID, "--report", report, "--no-scan")
	if err := json.Unmarshal([]byte(out), &graded); err != nil {
		t.Fatalf("decode grading: %v\n%s", err, out)
	}
	if graded.Classification.Grade != classify.GradePass {
		t.Fatalf("grade %s: %+v", graded.Classification.Grade, graded.Classification)
	}
	if graded.AttemptNo != 1 {
		t.Fatalf("attempt_no %d", graded.AttemptNo)
	}

	out = execute(t, "--config", cfg, "gate", run.RunID)
	if err := json.Unmarshal([]byte(out), &readiness); err != nil {
		t.Fatalf("decode readiness: %v\n%s", err, out)
	}
	if !readiness.OK {
		t.Fatalf("gate blocked: %+v", readiness.FailedChecks)
	}
}

func TestCLI_EventApplyRejectsUnknownType(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	var run store.Run
	out := execute(t, "--config", cfg, "run", "create", "--owner", "octo", "--repo", "widgets")
	if err := json.Unmarshal([]byte(out), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", cfg, "event", "apply", run.RunID, "not.an.event"})
	if err := root.Execute(); err == nil {
		t.Fatal("accepted unknown event type")
	}
}
