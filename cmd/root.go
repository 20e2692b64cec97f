// Package cmd defines the CLI commands for the orion ingestion worker.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/se7ensam/orion-AI/internal/config"
	"github.com/se7ensam/orion-AI/internal/logging"
)

var cfgFile string

type runtimeKey struct{}

// runtime carries the loaded configuration and logger to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// exitError carries a process exit code out of a command.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// loadRuntime is a variable so tests can inject configuration.
var loadRuntime = func(path string) (runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return runtime{}, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Log.Development,
		Level:       cfg.Log.Level,
		Service:     "orion",
	})
	if err != nil {
		return runtime{}, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return runtime{cfg: cfg, logger: logger}, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orion",
		Short: "Rate-limited SEC EDGAR 6-K ingestion.",
		Long: `orion consumes 6-K filing jobs from a durable queue, downloads each filing
from EDGAR under the fair-access rate limit, cleans and chunks the text, and
stores the filing and its chunks in one transaction.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadRuntime(cfgFile)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey{}).(runtime); ok && rt.logger != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); ORION_* env vars override it")

	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newSeedCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newAuditCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(runtime)
	if !ok {
		return runtime{}, errors.New("configuration not loaded")
	}
	return rt, nil
}

// Execute runs the root command and exits with its status.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
