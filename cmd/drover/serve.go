package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strongdm/drover/internal/audit"
	"github.com/strongdm/drover/internal/ghsync"
	"github.com/strongdm/drover/internal/ghview"
	"github.com/strongdm/drover/internal/server"
	"github.com/strongdm/drover/internal/webhook"
)

func newServeCmd(a *app) *cobra.Command {
	var noSync bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the PR sync worker",
		PreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.teardown()

			var sink audit.Sink = audit.Nop{}
			if a.cfg.AuditLog != "" {
				fs, err := audit.NewFileSink(a.cfg.AuditLog, nil)
				if err != nil {
					return err
				}
				defer fs.Close()
				sink = fs
			}

			wh := webhook.New(webhook.Options{
				Config:  a.cfg.Webhook,
				Store:   a.store,
				Coord:   a.coord,
				Audit:   sink,
				Logger:  a.log,
				Metrics: a.metrics,
			})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if !noSync {
				worker := &ghsync.Worker{
					Coord:           a.coord,
					Client:          ghview.GHCLI{},
					Interval:        a.cfg.Sync.Interval(),
					Concurrency:     a.cfg.Sync.Concurrency,
					MaxFetchRetries: a.cfg.Sync.MaxFetchRetries,
					Backoff:         a.cfg.Sync.Backoff,
					Log:             a.log,
					Metrics:         a.metrics,
				}
				go func() {
					if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						a.log.Error("sync worker stopped", zap.Error(err))
					}
				}()
			}

			srv := server.New(server.Options{
				Config:      server.Config{Addr: a.cfg.Server.Addr},
				Coord:       a.coord,
				Webhook:     wh,
				Metrics:     a.metrics,
				Logger:      a.log,
				WebhookPath: a.cfg.Webhook.Path,
			})
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "disable the periodic PR sync worker")
	return cmd
}
