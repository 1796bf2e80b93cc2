package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/brensch/twicmerge/internal/config"
	"github.com/brensch/twicmerge/internal/db"
	"github.com/brensch/twicmerge/internal/downloader"
	"github.com/brensch/twicmerge/internal/prober"
)

var (
	// Config file flag; the remaining persistent flags are read through config.Load.
	cfgFile string

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	store      *db.Store
	appConfig  config.Config
	logLevel   slog.Level
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "twicmerge",
	Short: "Merge weekly chess archive issues into one PGN file.",
	Long: `twicmerge downloads the weekly "The Week in Chess" archives for a date range,
extracts each issue's PGN file and appends them, in issue order, to one consolidated file.

The primary command is 'build'. A DuckDB database keeps the cached latest issue and an
event log of every build, which 'state' displays and 'export' writes to Parquet.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Load Config (defaults, file, .env, environment, flags) ---
		cfg, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		appConfig = *cfg

		// --- 2. Initialize Logger ---
		logger, level, err := newLogger(appConfig.Log)
		if err != nil {
			return err
		}
		rootLogger, logLevel = logger, level
		slog.SetDefault(rootLogger)
		rootLogger.Debug("Logger initialized", "level", level.String(), "format", appConfig.Log.Format, "output", appConfig.Log.Output)
		rootLogger.Debug("Configuration loaded", slog.Any("config", appConfig))

		// --- 3. Open the DuckDB state database ---
		if appConfig.DbPath != ":memory:" {
			dbDir := filepath.Dir(appConfig.DbPath)
			if err := os.MkdirAll(dbDir, 0o755); err != nil {
				return fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}
		}
		pingCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		store, err = db.Open(pingCtx, appConfig.DbPath)
		if err != nil {
			return err
		}
		rootLogger.Debug("State database ready.", "path", appConfig.DbPath)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		closeStore()
		return nil
	},
}

// Execute adds all child commands to the root command and runs it. It exits the process
// with the code carried by the command's error.
func Execute() {
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(latestCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(inspectCmd)

	err := rootCmd.Execute()
	// PersistentPostRunE does not run when RunE fails.
	closeStore()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	if rootLogger != nil {
		rootLogger.Error("Command execution failed", "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
	}
	os.Exit(1)
}

func init() {
	d := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is .twicmerge.yaml in the current directory or $HOME)")
	pf.String("work-dir", d.WorkDir, "Directory for scratch archive and PGN files")
	pf.StringP("db-path", "d", d.DbPath, "Path to DuckDB state database file (:memory: for in-memory)")
	pf.String("primary-url", d.Series.PrimaryURL, "Base URL tried first for each archive")
	pf.String("alternate-url", d.Series.AlternateURL, "Base URL tried when the primary fails (empty to disable)")
	pf.String("index-url", d.Series.IndexURL, "Optional index page listing archives, used to seed latest-issue discovery")
	pf.Duration("timeout", d.Network.Timeout, "Timeout for each network attempt")
	pf.Float64("rps", d.Network.RequestsPerSecond, "Maximum requests per second (0 for unlimited)")
	pf.String("log-format", d.Log.Format, "Log output format (text or json)")
	pf.String("log-level", d.Log.Level, "Log level (debug, info, warn, error)")
	pf.String("log-output", d.Log.Output, "Log output destination (stderr, stdout, or file path)")

	rootCmd.Version = "0.3.0"
}

func newLogger(lc config.LogConfig) (*slog.Logger, slog.Level, error) {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var logWriter io.Writer = os.Stderr // Default to stderr
	if lc.Output != "" && strings.ToLower(lc.Output) != "stderr" {
		if strings.ToLower(lc.Output) == "stdout" {
			logWriter = os.Stdout
		} else {
			// The handle stays open for the life of the process.
			f, err := os.OpenFile(lc.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, level, fmt.Errorf("failed to open log file %s: %w", lc.Output, err)
			}
			logWriter = f
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(lc.Format) == "json" {
		handler = slog.NewJSONHandler(logWriter, opts)
	} else {
		handler = slog.NewTextHandler(logWriter, opts)
	}
	return slog.New(handler), level, nil
}

func closeStore() {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		getLogger().Error("Failed to close DuckDB connection cleanly", "error", err)
	}
	store = nil
}

// Helper to get logger
func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

func getStore() *db.Store { return store }

func getConfig() config.Config { return appConfig }

// newFetcher builds the archive fetcher from config.
func newFetcher(cfg config.Config, logger *slog.Logger) *downloader.Fetcher {
	return downloader.New(nil, downloader.Options{
		PrimaryURL:        cfg.Series.PrimaryURL,
		AlternateURL:      cfg.Series.AlternateURL,
		Timeout:           cfg.Network.Timeout,
		RequestsPerSecond: cfg.Network.RequestsPerSecond,
		UserAgent:         cfg.Network.UserAgent,
	}, cfg.Scheme(), logger)
}

func newProber(cfg config.Config, checker prober.ExistenceChecker, logger *slog.Logger) *prober.Prober {
	return prober.New(checker, cfg.Series.FirstIssue, cfg.Probe.MissThreshold, logger)
}
