package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/catalogsync"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent sync runs",
	Long:  "Displays the most recent catalog sync runs and any migrations not yet applied.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := openPool(ctx, "status")
		if err != nil {
			return err
		}
		defer pool.Close()

		pending, err := catalogsync.PendingMigrations(ctx, pool)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(pending) > 0 {
			zap.L().Warn("schema is behind, run 'catalog-sync migrate'", zap.Strings("pending", pending))
			return nil
		}

		entries, err := catalogsync.NewSyncLog(pool).ListRecent(ctx, statusLimit)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if len(entries) == 0 {
			zap.L().Info("no sync runs found, run 'catalog-sync sync' to start")
			return nil
		}

		formatStatusEntries(os.Stdout, entries)
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of runs to show")
	rootCmd.AddCommand(statusCmd)
}

// formatStatusEntries writes a tabular representation of sync entries to w.
func formatStatusEntries(out io.Writer, entries []catalogsync.SyncEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tSTARTED\tDURATION\tROWS\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-------\t--------\t----\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			d := e.CompletedAt.Sub(e.StartedAt).Round(time.Second)
			dur = d.String()
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID,
			e.Source,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			e.RowsSynced,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
