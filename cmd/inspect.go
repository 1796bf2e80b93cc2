package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brensch/twicmerge/internal/inspector"
)

var inspectTop int

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Summarize the games in a consolidated PGN file",
	Long:  `Streams a PGN file and shows its game count, date span, result totals and the events with the most games.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()

		summary, err := inspector.Inspect(cmd.Context(), args[0], logger)
		if err != nil {
			logger.Error("Inspection completed with errors", "error", err)
			return fmt.Errorf("inspection failed: %w", err)
		}

		inspector.Render(cmd.OutOrStdout(), summary, inspectTop)
		return nil
	},
}

func init() {
	inspectCmd.Flags().IntVarP(&inspectTop, "top", "t", 20, "Number of events to list (0 for all)")
}
