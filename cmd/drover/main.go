// Command drover runs the orchestrator: an HTTP server fronting the run
// coordinator, plus operational subcommands for creating runs, applying
// events, and synchronizing linked pull requests.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strongdm/drover/internal/config"
	"github.com/strongdm/drover/internal/coordinator"
	"github.com/strongdm/drover/internal/metrics"
	"github.com/strongdm/drover/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type app struct {
	configPath string

	cfg     config.Config
	log     *zap.Logger
	store   *store.Store
	coord   *coordinator.Coordinator
	metrics *metrics.Metrics
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "drover",
		Short:         "Orchestrates autonomous code-change runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newEventCmd(a),
		newSyncCmd(a),
		newGradeCmd(a),
		newGateCmd(a),
	)
	return root
}

// setup loads config and opens shared resources. Commands call it in
// PreRunE so flag parsing errors surface first.
func (a *app) setup() error {
	if a.configPath != "" {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	} else {
		a.cfg = config.Default()
	}
	log, err := a.cfg.BuildLogger()
	if err != nil {
		return err
	}
	a.log = log

	st, err := store.Open(a.cfg.DBPath)
	if err != nil {
		return err
	}
	a.store = st
	a.metrics = metrics.New()
	a.coord = coordinator.New(coordinator.Options{
		Store:         st,
		Logger:        log,
		Metrics:       a.metrics,
		WorkspaceRoot: a.cfg.WorkspaceRoot,
	})
	return nil
}

func (a *app) teardown() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
