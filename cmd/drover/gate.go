package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strongdm/drover/internal/digest"
	"github.com/strongdm/drover/internal/gate"
	"github.com/strongdm/drover/internal/store"
)

func newGateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gate <run-id>",
		Short: "Evaluate whether a run is ready for a pull request",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
		PostRun: func(*cobra.Command, []string) {
			a.teardown()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			ctx := cmd.Context()

			d, err := latestDigest(ctx, a, runID)
			if err != nil {
				return err
			}
			_, hasContract, err := a.store.LatestArtifact(ctx, runID, store.ArtifactContract)
			if err != nil {
				return err
			}

			readiness := gate.Evaluate(d, a.cfg.Gate, hasContract)
			result := "blocked"
			if readiness.OK {
				result = "ok"
			}
			a.metrics.GateEvaluations.WithLabelValues(result).Inc()
			return printJSON(cmd, readiness)
		},
	}
}

// latestDigest loads the newest run_digest artifact; nil when the run has
// never been graded.
func latestDigest(ctx context.Context, a *app, runID string) (*digest.Digest, error) {
	art, ok, err := a.store.LatestArtifact(ctx, runID, store.ArtifactRunDigest)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var meta struct {
		Digest digest.Digest `json:"digest"`
	}
	if err := json.Unmarshal([]byte(art.MetaJSON), &meta); err != nil {
		return nil, fmt.Errorf("parse digest artifact for %s: %w", runID, err)
	}
	return &meta.Digest, nil
}
