// Package saver exports the build event log to Parquet.
package saver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/brensch/twicmerge/internal/db"
)

// HistoryFileName is the name of the exported event log file.
const HistoryFileName = "build_event_log.parquet"

// HistorySource supplies the rows to export.
type HistorySource interface {
	History(ctx context.Context, f db.HistoryFilter) ([]db.EventRow, error)
}

// historySchema mirrors the build_event_log table.
var historySchema = []string{
	"name=log_id, type=INT64",
	"name=build_id, type=BYTE_ARRAY, convertedtype=UTF8",
	"name=issue, type=INT32, repetitiontype=OPTIONAL",
	"name=event, type=BYTE_ARRAY, convertedtype=UTF8",
	"name=event_timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS",
	"name=message, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
	"name=bytes, type=INT64, repetitiontype=OPTIONAL",
	"name=games, type=INT32, repetitiontype=OPTIONAL",
	"name=duration_ms, type=INT64, repetitiontype=OPTIONAL",
}

// ExportHistory writes the whole event log to outputDir/HistoryFileName and returns the
// path and number of rows written. Rows are written oldest first.
func ExportHistory(ctx context.Context, src HistorySource, outputDir string, logger *slog.Logger) (path string, n int, err error) {
	logger.Info("--- Starting event log export ---")

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create output directory '%s': %w", outputDir, err)
	}

	rows, err := src.History(ctx, db.HistoryFilter{})
	if err != nil {
		return "", 0, fmt.Errorf("failed to read event log: %w", err)
	}

	path = filepath.Join(outputDir, HistoryFileName)
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return "", 0, fmt.Errorf("create file %s: %w", path, err)
	}
	pw, err := writer.NewCSVWriter(historySchema, fw, 4)
	if err != nil {
		fw.Close()
		return "", 0, fmt.Errorf("create writer %s: %w", path, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := len(rows) - 1; i >= 0; i-- {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			break
		}
		if writeErr := pw.WriteString(historyRecord(rows[i])); writeErr != nil {
			err = fmt.Errorf("write row %d: %w", rows[i].LogID, writeErr)
			break
		}
		n++
	}

	if stopErr := pw.WriteStop(); stopErr != nil {
		err = errors.Join(err, fmt.Errorf("stop writer %s: %w", path, stopErr))
	}
	if closeErr := fw.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close file %s: %w", path, closeErr))
	}
	if err != nil {
		logger.Error("Event log export failed.", "path", path, "error", err)
		os.Remove(path)
		return "", 0, err
	}

	logger.Info("Event log exported.", slog.String("path", path), slog.Int("rows", n))
	return path, n, nil
}

// historyRecord renders a row in schema order; nil marks NULL.
func historyRecord(r db.EventRow) []*string {
	str := func(s string) *string { return &s }
	optInt := func(v int64) *string {
		if v == 0 {
			return nil
		}
		return str(strconv.FormatInt(v, 10))
	}
	var message *string
	if r.Message != "" {
		message = str(r.Message)
	}
	return []*string{
		str(strconv.FormatInt(r.LogID, 10)),
		str(r.BuildID),
		optInt(int64(r.Issue)),
		str(r.Event),
		str(strconv.FormatInt(r.Timestamp.UnixMilli(), 10)),
		message,
		optInt(r.Bytes),
		optInt(int64(r.Games)),
		optInt(r.DurationMs),
	}
}
