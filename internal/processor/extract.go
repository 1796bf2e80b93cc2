package processor

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/brensch/twicmerge/internal/util"
)

// ErrMissingEntry means the archive opened fine but holds no entry with the expected name.
var ErrMissingEntry = errors.New("archive is missing the expected entry")

// ExtractEntry finds the entry of archivePath whose base name equals entryName
// (case-insensitive, first match wins) and writes its decompressed bytes to dest.
// On any failure dest is removed. Returns the number of bytes written.
func ExtractEntry(ctx context.Context, logger *slog.Logger, archivePath, entryName, dest string) (int64, error) {
	l := logger.With(slog.String("archive", filepath.Base(archivePath)), slog.String("entry", entryName))

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open archive %s: %w", filepath.Base(archivePath), err)
	}
	defer zr.Close()

	entry := findEntry(zr.File, entryName)
	if entry == nil {
		return 0, fmt.Errorf("%w: %s in %s", ErrMissingEntry, entryName, filepath.Base(archivePath))
	}

	rc, err := entry.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %s: %w", entry.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}

	written, copyErr := io.Copy(out, ctxReader{ctx: ctx, r: rc})
	var syncErr error
	if copyErr == nil {
		syncErr = out.Sync()
	}
	closeErr := out.Close()

	if err := errors.Join(copyErr, syncErr, closeErr); err != nil {
		util.RemoveQuietly(l, dest)
		return 0, fmt.Errorf("extract %s: %w", entry.Name, err)
	}
	l.Debug("Entry extracted.", slog.Int64("bytes", written))
	return written, nil
}

func findEntry(files []*zip.File, entryName string) *zip.File {
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		base := path.Base(strings.ReplaceAll(f.Name, `\`, "/"))
		if strings.EqualFold(base, entryName) {
			return f
		}
	}
	return nil
}
