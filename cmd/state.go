package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/brensch/twicmerge/internal/db"
)

var (
	stateLimit   int
	stateEvent   string
	stateIssue   int
	stateBuild   string
	stateSummary bool
)

// stateCmd represents the command to view DB state
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "View the cached latest issue and the build event log",
	Long: `Queries the DuckDB state database and displays the cached latest issue followed by
the most recent build events. Use flags to filter by event type, issue or build, or
--summary for per-issue merge and skip counts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		st := getStore()
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		hint, found, err := st.LatestIssue(ctx)
		if err != nil {
			return err
		}
		if found {
			fmt.Fprintf(out, "Cached latest issue: %d\n", hint)
		} else {
			fmt.Fprintln(out, "Cached latest issue: none")
		}

		if stateSummary {
			stats, err := st.IssueSummary(ctx)
			if err != nil {
				return err
			}
			renderIssueSummary(out, stats)
			return nil
		}

		logger.Debug("Querying database event log", "event_filter", stateEvent, "issue_filter", stateIssue, "build_filter", stateBuild, "limit", stateLimit)
		rows, err := st.History(ctx, db.HistoryFilter{Event: stateEvent, Issue: stateIssue, BuildID: stateBuild, Limit: stateLimit})
		if err != nil {
			return err
		}
		renderHistory(out, rows)
		return nil
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 50, "Limit the number of log records displayed (0 for all)")
	stateCmd.Flags().StringVarP(&stateEvent, "event", "e", "", "Filter records by event type (e.g., merge_end, skip, build_end)")
	stateCmd.Flags().IntVar(&stateIssue, "issue", 0, "Filter records by issue number")
	stateCmd.Flags().StringVar(&stateBuild, "build", "", "Filter records by build ID")
	stateCmd.Flags().BoolVar(&stateSummary, "summary", false, "Show per-issue merge and skip counts instead of events")
}

func renderHistory(w io.Writer, rows []db.EventRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No matching records found.")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Timestamp", "Build", "Issue", "Event", "Size", "Games", "Duration", "Message"})
	for _, r := range rows {
		issue := ""
		if r.Issue > 0 {
			issue = fmt.Sprint(r.Issue)
		}
		size := ""
		if r.Bytes > 0 {
			size = humanize.Bytes(uint64(r.Bytes))
		}
		games := ""
		if r.Games > 0 {
			games = fmt.Sprint(r.Games)
		}
		dur := ""
		if r.DurationMs > 0 {
			dur = (time.Duration(r.DurationMs) * time.Millisecond).String()
		}
		t.AppendRow(table.Row{r.Timestamp.Format(time.RFC3339), shortID(r.BuildID), issue, r.Event, size, games, dur, r.Message})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func renderIssueSummary(w io.Writer, stats []db.IssueStat) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "No issues recorded yet.")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Issue", "Merged", "Skipped", "Size", "Games", "Last seen"})
	for _, s := range stats {
		t.AppendRow(table.Row{s.Issue, s.Merged, s.Skipped, humanize.Bytes(uint64(s.Bytes)), s.Games, humanize.Time(s.LastSeen)})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
