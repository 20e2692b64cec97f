package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/se7ensam/orion-AI/internal/app"
)

// configureQueue is a variable so tests can observe the queue step.
var configureQueue = app.ConfigureQueue

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the filings schema and queue settings",
		Long: `Applies the embedded filings schema to the configured database. With
queue.driver=pubsub it also sets the subscription retry policy from
queue.redelivery_min_backoff and queue.redelivery_max_backoff, so a job
requeued during a rate-limit block is not redelivered immediately.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg := rt.cfg
			cfg.DB.EnsureSchema = true
			store, err := app.OpenStore(cmd.Context(), cfg, rt.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := store.Close(); cerr != nil {
					rt.logger.Warn("close filing store", zap.Error(cerr))
				}
			}()
			rt.logger.Info("schema applied", zap.String("driver", cfg.DB.Driver))
			return configureQueue(cmd.Context(), cfg, rt.logger)
		},
	}
}
