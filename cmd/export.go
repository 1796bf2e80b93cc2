package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/brensch/twicmerge/internal/analyser"
	"github.com/brensch/twicmerge/internal/saver"
)

var (
	exportDir     string
	exportAnalyse bool
)

// exportCmd writes the event log to Parquet
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the build event log to a Parquet file",
	Long: `Writes every record of the build event log to build_event_log.parquet in --dir.
With --analyse the exported file is read back through DuckDB and a per-build summary printed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		st := getStore()
		ctx := cmd.Context()

		path, n, err := saver.ExportHistory(ctx, st, exportDir, logger)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d records to %s\n", n, path)

		if !exportAnalyse {
			return nil
		}
		stats, err := analyser.BuildStats(ctx, st.DB(), path, logger)
		if err != nil {
			return fmt.Errorf("analysis failed: %w", err)
		}
		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Build", "Started", "Took", "Merged", "Skipped", "Size", "Games", "Outcome"})
		for _, s := range stats {
			t.AppendRow(table.Row{
				shortID(s.BuildID),
				s.Started.Format(time.RFC3339),
				s.Finished.Sub(s.Started).Round(time.Second).String(),
				s.Merged,
				s.Skipped,
				humanize.Bytes(uint64(s.Bytes)),
				humanize.Comma(s.Games),
				s.Outcome,
			})
		}
		t.SetStyle(table.StyleLight)
		t.Render()
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportDir, "dir", "./export", "Directory to write the Parquet file to")
	exportCmd.Flags().BoolVar(&exportAnalyse, "analyse", false, "Summarize the exported log per build")
}
