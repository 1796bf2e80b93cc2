// Package analyser runs DuckDB aggregations over an exported event log.
package analyser

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brensch/twicmerge/internal/db"

	_ "github.com/marcboeker/go-duckdb"
)

// BuildStat aggregates the exported events of one build.
type BuildStat struct {
	BuildID  string
	Started  time.Time
	Finished time.Time
	Merged   int
	Skipped  int
	Bytes    int64
	Games    int64
	Outcome  string
}

// BuildStats reads the Parquet event log at parquetPath through conn and returns one row
// per build, oldest first.
func BuildStats(ctx context.Context, conn *sql.DB, parquetPath string, logger *slog.Logger) ([]BuildStat, error) {
	logger.Info("--- Starting event log analysis ---", slog.String("path", parquetPath))

	// DuckDB path formatting
	duckdbPath := strings.ReplaceAll(strings.ReplaceAll(parquetPath, `\`, `/`), "'", "''")

	query := fmt.Sprintf(`
    SELECT build_id,
        MIN(event_timestamp) AS started,
        MAX(event_timestamp) AS finished,
        COUNT(*) FILTER (WHERE event = '%[2]s') AS merged,
        COUNT(*) FILTER (WHERE event = '%[3]s') AS skipped,
        CAST(COALESCE(SUM(bytes) FILTER (WHERE event = '%[2]s'), 0) AS BIGINT) AS bytes,
        CAST(COALESCE(SUM(games) FILTER (WHERE event = '%[2]s'), 0) AS BIGINT) AS games,
        COALESCE(MAX(message) FILTER (WHERE event = '%[4]s'), '') AS outcome
    FROM read_parquet('%[1]s')
    GROUP BY build_id
    ORDER BY started, build_id;`, duckdbPath, db.EventMergeEnd, db.EventSkip, db.EventBuildEnd)

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute build aggregation: %w", err)
	}
	defer rows.Close()

	var out []BuildStat
	for rows.Next() {
		var st BuildStat
		if err := rows.Scan(&st.BuildID, &st.Started, &st.Finished, &st.Merged, &st.Skipped, &st.Bytes, &st.Games, &st.Outcome); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}

	if len(out) == 0 {
		logger.Info("No builds found in the exported event log.")
	}
	logger.Info("--- Event log analysis finished ---", slog.Int("builds", len(out)))
	return out, nil
}
