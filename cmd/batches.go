package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/catalog-sync/internal/catalogsync/catalog"
	"github.com/sells-group/catalog-sync/internal/journal"
)

var batchesOutput string

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Inspect and replay failed batches",
	Long:  "Batches that could not be written during a sync are kept in a local journal until they are replayed.",
}

var batchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		j, err := journal.Open(ctx, cfg.Sync.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close() //nolint:errcheck

		entries, err := j.List(ctx)
		if err != nil {
			return err
		}

		if len(entries) == 0 && batchesOutput == "table" {
			zap.L().Info("no failed batches in journal", zap.String("path", cfg.Sync.JournalPath))
			return nil
		}

		return writeEntries(os.Stdout, batchesOutput, entries)
	},
}

var batchesReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-apply journaled batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := openPool(ctx, "batches")
		if err != nil {
			return err
		}
		defer pool.Close()

		j, err := journal.Open(ctx, cfg.Sync.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close() //nolint:errcheck

		res, err := j.Replay(ctx, catalog.NewPostgresStore(pool))
		if err != nil {
			return err
		}

		zap.L().Info("replay finished",
			zap.Int("replayed", res.Replayed),
			zap.Int("failed", res.Failed),
			zap.Int("rows", res.Rows),
		)
		if res.Failed > 0 {
			return eris.Errorf("batches: %d batch(es) still failing", res.Failed)
		}
		return nil
	},
}

func init() {
	batchesListCmd.Flags().StringVarP(&batchesOutput, "output", "o", "table", "output format: table, json or yaml")
	batchesCmd.AddCommand(batchesListCmd)
	batchesCmd.AddCommand(batchesReplayCmd)
	rootCmd.AddCommand(batchesCmd)
}

// writeEntries renders journal entries in the requested format.
func writeEntries(out io.Writer, format string, entries []journal.Entry) error {
	switch format {
	case "table", "":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tBATCH\tRECORDS\tEXTERNAL IDS\tROWS\tATTEMPTS\tRECORDED\tERROR")
		for _, e := range entries {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d-%d\t%s..%s\t%d\t%d\t%s\t%s\n",
				e.ID,
				e.BatchIndex,
				e.FirstOrdinal, e.LastOrdinal,
				e.FirstExternalID, e.LastExternalID,
				e.RowCount,
				e.ReplayAttempts,
				e.RecordedAt.Format("2006-01-02 15:04"),
				truncate(e.Error, 60),
			)
		}
		return w.Flush()
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []journal.Entry{}
		}
		if err := enc.Encode(entries); err != nil {
			return eris.Wrap(err, "batches: encode json")
		}
		return nil
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return eris.Wrap(err, "batches: encode yaml")
		}
		if err := enc.Close(); err != nil {
			return eris.Wrap(err, "batches: close yaml encoder")
		}
		return nil
	default:
		return eris.Errorf("batches: unknown output format %q", format)
	}
}
