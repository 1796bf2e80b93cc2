package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

var latestNoSave bool

// latestCmd reports the newest published issue
var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Find the newest published issue",
	Long: `Probes the archive endpoints for issues after the cached latest issue (or the issue
expected for today, whichever is higher), tolerating a single missing number, and prints the
newest one found. The result is stored as the new cached latest issue unless --no-save is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		st := getStore()
		ctx := cmd.Context()

		seed := cfg.Scheme().ForDate(time.Now())
		hint, found, err := st.LatestIssue(ctx)
		if err != nil {
			return err
		}
		if found && hint > seed {
			seed = hint
		}

		fetcher := newFetcher(cfg, logger)
		if cfg.Series.IndexURL != "" {
			if n, err := fetcher.LatestFromIndex(ctx, cfg.Series.IndexURL); err != nil {
				logger.Warn("Failed to read index page, ignoring.", "url", cfg.Series.IndexURL, "error", err)
			} else if n > seed {
				seed = n
			}
		}

		latest, err := newProber(cfg, fetcher, logger).FindLatest(ctx, seed)
		if err != nil {
			return fmt.Errorf("latest issue probe: %w", err)
		}

		if !latestNoSave && (!found || latest != hint) {
			if err := st.SetLatestIssue(ctx, latest); err != nil {
				return err
			}
			logger.Info("Stored cached latest issue.", slog.Int("latest", latest), slog.Int("previous", hint))
		}
		fmt.Fprintln(cmd.OutOrStdout(), latest)
		return nil
	},
}

func init() {
	latestCmd.Flags().BoolVar(&latestNoSave, "no-save", false, "Do not update the cached latest issue")
}
