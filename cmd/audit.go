package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/se7ensam/orion-AI/internal/app"
	"github.com/se7ensam/orion-AI/internal/ingest"
)

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "List COMPLETED filings that have no chunks",
		Long: `Runs the orphaned-completion query. A healthy store returns no rows; any
row means a filing was marked COMPLETED outside a chunk-writing transaction.
Exits non-zero when orphans are found.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := store.Close(); cerr != nil {
					rt.logger.Warn("close filing store", zap.Error(cerr))
				}
			}()

			orphans, err := store.OrphanedCompletions(cmd.Context())
			if err != nil {
				return err
			}
			if err := writeOrphans(cmd.OutOrStdout(), orphans); err != nil {
				return err
			}
			if len(orphans) > 0 {
				return exitError{code: 2}
			}
			return nil
		},
	}
}

func writeOrphans(w io.Writer, orphans []ingest.OrphanedFiling) error {
	if len(orphans) == 0 {
		_, err := fmt.Fprintln(w, "no orphaned completions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCIK\tACCESSION\tUPDATED")
	for _, o := range orphans {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.ID, o.CIK, o.AccessionNumber, o.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
