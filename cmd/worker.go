package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/se7ensam/orion-AI/internal/app"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the ingestion consumer until SIGINT/SIGTERM",
		Long: `Starts one single-message consumer against the configured queue along with
the operational HTTP server. On a termination signal the worker stops
receiving, waits shutdown.grace_period for the in-flight filing, and closes
the queue and database connections in order.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("initialize worker: %w", err)
			}
			if code := a.Run(cmd.Context()); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
}
