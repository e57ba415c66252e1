package main

import (
	"fmt"

	"crm-dialer/pkg/logger"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.reconciler.Sweep(logger.With(cmd.Context(), a.log))
			a.log.Info("sweep finished",
				"cancelled", rep.Cancelled,
				"orphaned", rep.Orphaned,
				"active_sessions", rep.ActiveSessions,
				"dispatched", rep.Dispatched,
			)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			return nil
		},
	}
}
