package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/strongdm/drover/internal/classify"
	"github.com/strongdm/drover/internal/digest"
	"github.com/strongdm/drover/internal/lifecycle"
	"github.com/strongdm/drover/internal/store"
)

// runtimeReport is the captured agent step a worker hands to grading.
type runtimeReport struct {
	ExitCode   int                       `json:"exit_code"`
	Stdout     string                    `json:"stdout"`
	Stderr     string                    `json:"stderr"`
	DurationMS int64                     `json:"duration_ms"`
	Commands   []string                  `json:"commands"`
	Diff       classify.DiffStats        `json:"diff"`
	Preflight  *classify.PreflightReport `json:"preflight,omitempty"`
	Skills     digest.SkillsPlan         `json:"skills"`
}

func newGradeCmd(a *app) *cobra.Command {
	var (
		reportPath string
		noScan     bool
	)
	cmd := &cobra.Command{
		Use:   "grade <run-id>",
		Short: "Classify a captured agent step and store its digest",
		Long: "Reads a runtime report (exit code, output, commands, diff stats), " +
			"grades it under the configured policy, and records the step attempt, " +
			"the report artifact, and the content-addressed run digest.",
		Args: cobra.ExactArgs(1),
		PreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
		PostRun: func(*cobra.Command, []string) {
			a.teardown()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			ctx := cmd.Context()

			raw, err := os.ReadFile(reportPath)
			if err != nil {
				return err
			}
			var report runtimeReport
			if err := json.Unmarshal(raw, &report); err != nil {
				return fmt.Errorf("parse report %s: %w", reportPath, err)
			}

			run, err := a.coord.Snapshot(ctx, runID)
			if err != nil {
				return err
			}
			attemptNo, err := a.coord.AddStepAttempt(ctx, runID, store.StepAgent,
				report.ExitCode, report.Stdout, report.Stderr, report.DurationMS)
			if err != nil {
				return err
			}

			var scan *classify.RepoScan
			if !noScan {
				s := classify.ScanRepo(run.Run.WorkspaceDir)
				scan = &s
			}
			c := classify.Classify(ctx, classify.Inputs{
				ExitCode:   report.ExitCode,
				Stdout:     report.Stdout,
				Stderr:     report.Stderr,
				DurationMS: report.DurationMS,
				State:      run.State,
				Commands:   report.Commands,
				Diff:       report.Diff,
				Preflight:  report.Preflight,
				AttemptNo:  int(attemptNo),
				Policy:     a.cfg.Grading,
				RepoScan:   scan,
			})
			a.metrics.Classifications.WithLabelValues(string(c.Grade)).Inc()

			d := digest.Build(runID, c, report.Skills, report.Preflight)
			hash, err := d.ContentHash()
			if err != nil {
				return err
			}
			if err := a.coord.AddArtifact(ctx, runID, store.ArtifactRuntimeReport, reportPath, map[string]any{
				"attempt_no": attemptNo,
			}); err != nil {
				return err
			}
			if err := a.coord.AddArtifact(ctx, runID, store.ArtifactRunDigest, "blake3:"+hash, map[string]any{
				"blake3": hash,
				"digest": d,
			}); err != nil {
				return err
			}

			return printJSON(cmd, map[string]any{
				"attempt_no":     attemptNo,
				"classification": c,
				"digest_hash":    hash,
				"next_event":     nextEventFor(c),
			})
		},
	}
	cmd.Flags().StringVar(&reportPath, "report", "", "path to the runtime report JSON")
	cmd.Flags().BoolVar(&noScan, "no-scan", false, "skip the workspace test-infrastructure scan")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

// nextEventFor suggests the lifecycle event a worker would apply for a
// grade. The suggestion is advisory; the coordinator still enforces the
// transition table.
func nextEventFor(c classify.Classification) string {
	switch c.Grade {
	case classify.GradePass:
		return string(lifecycle.EventLocalValidationPassed)
	case classify.GradeRetryable:
		return string(lifecycle.EventStepFailed)
	default:
		return string(lifecycle.EventStepFailed)
	}
}
