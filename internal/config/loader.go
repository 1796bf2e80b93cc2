package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	configName      = ".twicmerge"
	configType      = "yaml"
	envPrefix       = "TWICMERGE"
	envKeySeparator = "_"
)

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"work-dir":      "work_dir",
	"db-path":       "db_path",
	"primary-url":   "series.primary_url",
	"alternate-url": "series.alternate_url",
	"index-url":     "series.index_url",
	"timeout":       "network.timeout",
	"rps":           "network.requests_per_second",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"log-output":    "log.output",
}

// Load reads configuration from defaults, an optional YAML file, a .env file,
// TWICMERGE_* environment variables and any flags in fs that were set explicitly.
// If configPath is empty, .twicmerge.yaml is searched in CWD and $HOME; a missing file
// is not an error.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("work_dir", d.WorkDir)
	v.SetDefault("db_path", d.DbPath)

	v.SetDefault("series.first_issue", d.Series.FirstIssue)
	v.SetDefault("series.first_date", d.Series.FirstDate)
	v.SetDefault("series.prefix", d.Series.Prefix)
	v.SetDefault("series.archive_suffix", d.Series.ArchiveSuffix)
	v.SetDefault("series.payload_suffix", d.Series.PayloadSuffix)
	v.SetDefault("series.primary_url", d.Series.PrimaryURL)
	v.SetDefault("series.alternate_url", d.Series.AlternateURL)
	v.SetDefault("series.index_url", d.Series.IndexURL)

	v.SetDefault("network.timeout", d.Network.Timeout)
	v.SetDefault("network.requests_per_second", d.Network.RequestsPerSecond)
	v.SetDefault("network.user_agent", d.Network.UserAgent)

	v.SetDefault("probe.miss_threshold", d.Probe.MissThreshold)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
}
