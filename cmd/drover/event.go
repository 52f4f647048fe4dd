package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strongdm/drover/internal/coordinator"
	"github.com/strongdm/drover/internal/lifecycle"
)

func newEventCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Apply lifecycle events to runs",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.teardown()
		},
	}
	cmd.AddCommand(newEventApplyCmd(a))
	return cmd
}

func newEventApplyCmd(a *app) *cobra.Command {
	var (
		payloadJSON string
		key         string
	)
	cmd := &cobra.Command{
		Use:   "apply <run-id> <event-type>",
		Short: "Apply one event through the coordinator",
		Long: "Applies one lifecycle event. Duplicate submissions under the same " +
			"idempotency key return the prior outcome without re-executing side effects.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			et, err := lifecycle.ParseEventType(args[1])
			if err != nil {
				return err
			}
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("--payload: %w", err)
				}
			}
			res, err := a.coord.Apply(cmd.Context(), coordinator.Event{
				RunID:          args[0],
				Type:           et,
				IdempotencyKey: key,
				Payload:        payload,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "event payload as JSON")
	cmd.Flags().StringVar(&key, "key", "", "explicit idempotency key (synthesized when empty)")
	return cmd
}
