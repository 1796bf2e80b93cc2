package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Output is the consolidated file being built. *os.File satisfies it.
type Output interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
	Sync() error
}

// AppendTo streams sourcePath onto the end of out and syncs it. If anything goes wrong,
// including cancellation, out is truncated back to its previous length so a payload is
// either merged whole or not at all.
func AppendTo(ctx context.Context, logger *slog.Logger, sourcePath string, out Output) (int64, error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		return 0, fmt.Errorf("open payload: %w", err)
	}
	defer src.Close()

	start, err := out.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek output: %w", err)
	}

	written, copyErr := io.Copy(out, ctxReader{ctx: ctx, r: src})
	var syncErr error
	if copyErr == nil {
		syncErr = out.Sync()
	}
	if err := errors.Join(copyErr, syncErr); err != nil {
		if rbErr := rollback(out, start); rbErr != nil {
			logger.Error("Failed to roll back partial append.", slog.Int64("offset", start), "error", rbErr)
			return 0, fmt.Errorf("append %s: %w", sourcePath, errors.Join(err, rbErr))
		}
		logger.Debug("Partial append rolled back.", slog.Int64("offset", start), slog.Int64("discarded_bytes", written))
		return 0, fmt.Errorf("append %s: %w", sourcePath, err)
	}
	return written, nil
}

func rollback(out Output, offset int64) error {
	if err := out.Truncate(offset); err != nil {
		return fmt.Errorf("truncate output: %w", err)
	}
	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek output: %w", err)
	}
	return out.Sync()
}
