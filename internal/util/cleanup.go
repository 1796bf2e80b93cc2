package util

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// RemoveQuietly deletes path and never reports failure; a missing file is not logged.
// Cleanup of scratch files must never fail the caller.
func RemoveQuietly(logger *slog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		if logger != nil {
			logger.Debug("Best-effort removal failed.", slog.String("path", path), "error", err)
		}
	}
}

// PurgeMatching removes every regular file in dir whose name matches one of patterns,
// except the files named in keep. It returns the number of files removed; errors are
// logged at debug level and swallowed.
func PurgeMatching(logger *slog.Logger, dir string, keep []string, patterns ...string) int {
	kept := make([]os.FileInfo, 0, len(keep))
	for _, k := range keep {
		if k == "" {
			continue
		}
		if info, err := os.Stat(k); err == nil {
			kept = append(kept, info)
		}
	}

	removed := 0
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			if logger != nil {
				logger.Debug("Bad purge pattern.", slog.String("pattern", pattern), "error", err)
			}
			continue
		}
	matches:
		for _, m := range matches {
			info, statErr := os.Lstat(m)
			if statErr != nil || !info.Mode().IsRegular() {
				continue
			}
			for _, k := range kept {
				if os.SameFile(info, k) {
					if logger != nil {
						logger.Debug("Keeping protected file.", slog.String("path", m))
					}
					continue matches
				}
			}
			if rmErr := os.Remove(m); rmErr != nil {
				if logger != nil {
					logger.Debug("Failed to purge scratch file.", slog.String("path", m), "error", rmErr)
				}
				continue
			}
			removed++
		}
	}
	return removed
}
