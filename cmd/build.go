package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/brensch/twicmerge/internal/app"
	"github.com/brensch/twicmerge/internal/config"
	"github.com/brensch/twicmerge/internal/orchestrator"
	"github.com/brensch/twicmerge/internal/util"
)

// Exit codes of the build command.
const (
	exitFailed   = 1
	exitCanceled = 130
)

var (
	buildStart      string
	buildEnd        string
	buildOutput     string
	buildAppend     bool
	buildStopOnSkip bool
	buildTUI        bool
)

// buildCmd represents the consolidated PGN build
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build one PGN file from every issue in a date range",
	Long: `Resolves --start and --end into a range of issue numbers and, in ascending order,
downloads each issue's archive, extracts its PGN file and appends it to --output.

When --end is today the range is extended to the newest published issue.
An issue that cannot be downloaded or extracted is skipped; with --stop-on-skip the build
stops at the first such issue instead. Ctrl+C cancels the build; issues merged so far stay
in the output.

Exit status: 0 when the build completes, 1 when it fails, 130 when it is cancelled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()

		now := time.Now()
		start, err := util.ParseDate(buildStart, now)
		if err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		end, err := util.ParseDate(buildEnd, now)
		if err != nil {
			return fmt.Errorf("--end: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		req := orchestrator.Request{
			Start:      start,
			End:        end,
			OutputPath: buildOutput,
			Policy: orchestrator.Policy{
				AppendMode:      buildAppend,
				StopOnFirstSkip: buildStopOnSkip,
			},
		}

		var outcome orchestrator.Outcome
		if buildTUI {
			session := app.NewSession(ctx, "twicmerge build")
			logger := session.Logger(logLevel)
			builder := newBuilder(cfg, logger, session.Progress)
			var viewErr error
			outcome, viewErr = session.Run(builder.Cancel, func() orchestrator.Outcome {
				return builder.Run(ctx, req)
			})
			if viewErr != nil && !errors.Is(viewErr, tea.ErrProgramKilled) {
				getLogger().Warn("Progress view ended with an error.", "error", viewErr)
			}
		} else {
			logger := getLogger()
			builder := newBuilder(cfg, logger, func(c orchestrator.Counters) {
				logger.Debug("Progress.", slog.Int("added", c.Added), slog.Int("skipped", c.Skipped), slog.Int("total", c.Total))
			})
			outcome = builder.Run(ctx, req)
		}

		printOutcome(cmd.OutOrStdout(), req.OutputPath, outcome)
		return outcomeError(outcome)
	},
}

func init() {
	buildCmd.Flags().StringVarP(&buildStart, "start", "s", "", "First date of the range (YYYY-MM-DD or 'today')")
	buildCmd.Flags().StringVarP(&buildEnd, "end", "e", "today", "Last date of the range (YYYY-MM-DD or 'today')")
	buildCmd.Flags().StringVarP(&buildOutput, "output", "o", "", "Consolidated PGN file to write")
	buildCmd.Flags().BoolVar(&buildAppend, "append", false, "Append to --output instead of truncating it")
	buildCmd.Flags().BoolVar(&buildStopOnSkip, "stop-on-skip", false, "Stop at the first issue that cannot be merged")
	buildCmd.Flags().BoolVar(&buildTUI, "tui", false, "Show a live progress view")
	_ = buildCmd.MarkFlagRequired("start")
	_ = buildCmd.MarkFlagRequired("output")
}

func newBuilder(cfg config.Config, logger *slog.Logger, progress orchestrator.ProgressFunc) *orchestrator.Builder {
	fetcher := newFetcher(cfg, logger)
	return orchestrator.New(
		orchestrator.Options{
			Scheme:   cfg.Scheme(),
			WorkDir:  cfg.WorkDir,
			IndexURL: cfg.Series.IndexURL,
		},
		orchestrator.Deps{
			Fetcher:  fetcher,
			Finder:   newProber(cfg, fetcher, logger),
			Index:    fetcher,
			Hints:    getStore(),
			Events:   getStore(),
			Progress: progress,
			Logger:   logger,
		},
	)
}

func printOutcome(w io.Writer, outputPath string, o orchestrator.Outcome) {
	var size string
	if fi, err := os.Stat(outputPath); err == nil {
		size = humanize.Bytes(uint64(fi.Size()))
	}
	fmt.Fprintf(w, "Build %s: issues %d-%d, %d added, %d skipped of %d",
		o.Kind, o.Range.First, o.Range.Last, o.Counters.Added, o.Counters.Skipped, o.Counters.Total)
	if size != "" {
		fmt.Fprintf(w, ", %s is %s", outputPath, size)
	}
	fmt.Fprintln(w)
	if o.Err != nil {
		fmt.Fprintf(w, "Reason: %v\n", o.Err)
	}
}

// outcomeError maps the build outcome onto the process exit status.
func outcomeError(o orchestrator.Outcome) error {
	switch o.Kind {
	case orchestrator.Completed:
		return nil
	case orchestrator.Canceled:
		return &exitError{code: exitCanceled, err: errors.New("build cancelled")}
	default:
		err := o.Err
		if err == nil {
			err = errors.New("build failed")
		}
		return &exitError{code: exitFailed, err: err}
	}
}
