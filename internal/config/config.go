// Package config holds the application settings and loads them from defaults, an optional
// YAML file, TWICMERGE_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brensch/twicmerge/internal/issue"
	"github.com/brensch/twicmerge/internal/util"
)

// Sentinel validation errors.
var (
	ErrMissingWorkDir    = errors.New("work_dir must be set")
	ErrMissingDbPath     = errors.New("db_path must be set")
	ErrMissingPrimaryURL = errors.New("series.primary_url must be set")
	ErrInvalidFirstIssue = errors.New("series.first_issue must be positive")
	ErrInvalidFirstDate  = errors.New("series.first_date must be YYYY-MM-DD")
	ErrInvalidNaming     = errors.New("series.prefix and both suffixes must be set")
	ErrInvalidTimeout    = errors.New("network.timeout must be positive")
	ErrInvalidRate       = errors.New("network.requests_per_second must not be negative")
	ErrInvalidThreshold  = errors.New("probe.miss_threshold must be at least 1")
)

// Defaults.
const (
	DefaultWorkDir           = "./twic_work"
	DefaultDbPath            = "./twicmerge_state.duckdb"
	DefaultPrimaryURL        = "https://theweekinchess.com/zips/"
	DefaultAlternateURL      = "http://theweekinchess.com/zips/"
	DefaultIndexURL          = ""
	DefaultTimeout           = 2 * time.Minute
	DefaultRequestsPerSecond = 0.0
	DefaultMissThreshold     = 2
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultLogOutput         = "stderr"
)

// Config holds application settings.
type Config struct {
	WorkDir string        `mapstructure:"work_dir"`
	DbPath  string        `mapstructure:"db_path"`
	Series  SeriesConfig  `mapstructure:"series"`
	Network NetworkConfig `mapstructure:"network"`
	Probe   ProbeConfig   `mapstructure:"probe"`
	Log     LogConfig     `mapstructure:"log"`
}

// SeriesConfig describes the archive series: numbering epoch, file naming and endpoints.
type SeriesConfig struct {
	FirstIssue    int    `mapstructure:"first_issue"`
	FirstDate     string `mapstructure:"first_date"`
	Prefix        string `mapstructure:"prefix"`
	ArchiveSuffix string `mapstructure:"archive_suffix"`
	PayloadSuffix string `mapstructure:"payload_suffix"`
	PrimaryURL    string `mapstructure:"primary_url"`
	AlternateURL  string `mapstructure:"alternate_url"`
	IndexURL      string `mapstructure:"index_url"`
}

// NetworkConfig holds per-request settings.
type NetworkConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// ProbeConfig tunes latest-issue discovery.
type ProbeConfig struct {
	MissThreshold int `mapstructure:"miss_threshold"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Default returns a Config populated with every default value.
func Default() Config {
	return Config{
		WorkDir: DefaultWorkDir,
		DbPath:  DefaultDbPath,
		Series: SeriesConfig{
			FirstIssue:    issue.DefaultFirstIssue,
			FirstDate:     issue.DefaultFirstDate.Format(util.DateLayout),
			Prefix:        issue.DefaultPrefix,
			ArchiveSuffix: issue.DefaultArchiveSuffix,
			PayloadSuffix: issue.DefaultPayloadSuffix,
			PrimaryURL:    DefaultPrimaryURL,
			AlternateURL:  DefaultAlternateURL,
			IndexURL:      DefaultIndexURL,
		},
		Network: NetworkConfig{
			Timeout:           DefaultTimeout,
			RequestsPerSecond: DefaultRequestsPerSecond,
		},
		Probe: ProbeConfig{MissThreshold: DefaultMissThreshold},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
			Output: DefaultLogOutput,
		},
	}
}

// Validate checks the settings for values the build cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WorkDir) == "" {
		errs = append(errs, ErrMissingWorkDir)
	}
	if strings.TrimSpace(c.DbPath) == "" {
		errs = append(errs, ErrMissingDbPath)
	}
	if strings.TrimSpace(c.Series.PrimaryURL) == "" {
		errs = append(errs, ErrMissingPrimaryURL)
	}
	if c.Series.FirstIssue <= 0 {
		errs = append(errs, ErrInvalidFirstIssue)
	}
	if _, err := util.ParseDate(c.Series.FirstDate, time.Time{}); err != nil || strings.EqualFold(c.Series.FirstDate, "today") {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidFirstDate, c.Series.FirstDate))
	}
	if c.Series.Prefix == "" || c.Series.ArchiveSuffix == "" || c.Series.PayloadSuffix == "" {
		errs = append(errs, ErrInvalidNaming)
	}
	if c.Network.Timeout <= 0 {
		errs = append(errs, ErrInvalidTimeout)
	}
	if c.Network.RequestsPerSecond < 0 {
		errs = append(errs, ErrInvalidRate)
	}
	if c.Probe.MissThreshold < 1 {
		errs = append(errs, ErrInvalidThreshold)
	}
	return errors.Join(errs...)
}

// Scheme builds the issue numbering scheme. Call Validate first.
func (c *Config) Scheme() issue.Scheme {
	first, _ := util.ParseDate(c.Series.FirstDate, time.Time{})
	return issue.Scheme{
		FirstIssue:    c.Series.FirstIssue,
		FirstDate:     first,
		Prefix:        c.Series.Prefix,
		ArchiveSuffix: c.Series.ArchiveSuffix,
		PayloadSuffix: c.Series.PayloadSuffix,
	}
}
