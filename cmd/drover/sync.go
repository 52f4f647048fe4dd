package main

import (
	"github.com/spf13/cobra"

	"github.com/strongdm/drover/internal/ghsync"
	"github.com/strongdm/drover/internal/ghview"
)

func newSyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile linked pull requests once and exit",
		PreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
		PostRun: func(*cobra.Command, []string) {
			a.teardown()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			worker := &ghsync.Worker{
				Coord:           a.coord,
				Client:          ghview.GHCLI{},
				Concurrency:     a.cfg.Sync.Concurrency,
				MaxFetchRetries: a.cfg.Sync.MaxFetchRetries,
				Backoff:         a.cfg.Sync.Backoff,
				Log:             a.log,
				Metrics:         a.metrics,
			}
			summary, err := worker.SyncOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	return cmd
}
