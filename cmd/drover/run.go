package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strongdm/drover/internal/coordinator"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create and inspect runs",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.teardown()
		},
	}
	cmd.AddCommand(newRunCreateCmd(a), newRunListCmd(a), newRunStatusCmd(a))
	return cmd
}

func newRunCreateCmd(a *app) *cobra.Command {
	var (
		owner, repo   string
		promptVersion string
		mode          string
		runID         string
		budgetJSON    string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run in QUEUED",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var budget map[string]any
			if budgetJSON != "" {
				if err := json.Unmarshal([]byte(budgetJSON), &budget); err != nil {
					return fmt.Errorf("--budget: %w", err)
				}
			}
			run, err := a.coord.CreateRun(cmd.Context(), coordinator.CreateParams{
				RunID:         runID,
				Owner:         owner,
				Repo:          repo,
				PromptVersion: promptVersion,
				Mode:          mode,
				Budget:        budget,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, run)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&repo, "repo", "", "repository name")
	cmd.Flags().StringVar(&promptVersion, "prompt-version", "", "prompt version label")
	cmd.Flags().StringVar(&mode, "mode", "", "run mode (default push-only)")
	cmd.Flags().StringVar(&runID, "id", "", "explicit run id (generated when empty)")
	cmd.Flags().StringVar(&budgetJSON, "budget", "", "budget block as JSON")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func newRunListCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			listings, err := a.coord.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, listings)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum runs to list")
	return cmd
}

func newRunStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run snapshot: state, artifacts, step attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.coord.Snapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, snap)
		},
	}
}
