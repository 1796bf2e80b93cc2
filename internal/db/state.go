package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // Driver
)

// Constants for event types
const (
	EventBuildStart    = "build_start"
	EventDownloadStart = "download_start"
	EventDownloadEnd   = "download_end"
	EventExtractEnd    = "extract_end"
	EventMergeEnd      = "merge_end"
	EventSkip          = "skip"
	EventError         = "error"
	EventBuildEnd      = "build_end"
)

// settingLatestIssue is the settings key holding the cached latest-issue hint.
const settingLatestIssue = "latest_issue"

// Schema SQL
const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS build_event_log_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS build_event_log (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('build_event_log_id_seq'),
    build_id        VARCHAR NOT NULL,
    issue           INTEGER,               -- NULL for build-level events
    event           VARCHAR NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    message         VARCHAR,
    bytes           BIGINT,
    games           INTEGER,
    duration_ms     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_build_event_log_issue ON build_event_log (issue, event);
CREATE INDEX IF NOT EXISTS idx_build_event_log_build ON build_event_log (build_id);
CREATE TABLE IF NOT EXISTS settings (
    key        VARCHAR PRIMARY KEY,
    value      VARCHAR NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// InitializeSchema creates the sequence and tables in the correct order.
func InitializeSchema(db *sql.DB) error {
	_, err := db.Exec(schemaSequenceSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute sequence setup: %w", err)
	}
	_, err = db.Exec(schemaTableSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute table/index setup: %w", err)
	}
	return nil
}

// Store is the DuckDB-backed state: the cached latest-issue hint and the build event log.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open connection whose schema has been initialized.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to the DuckDB file at path (empty or ":memory:" for an in-memory
// database), pings it and initializes the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if dsn == ":memory:" {
		dsn = ""
	}
	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb database (%s): %w", path, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping duckdb database (%s): %w", path, err)
	}
	if err := InitializeSchema(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return NewStore(conn), nil
}

// DB exposes the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// LatestIssue returns the cached latest-issue hint, if one has been stored.
func (s *Store) LatestIssue(ctx context.Context) (int, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?;`, settingLatestIssue).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed query setting '%s': %w", settingLatestIssue, err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("setting '%s' holds non-integer %q: %w", settingLatestIssue, raw, err)
	}
	return n, true, nil
}

// SetLatestIssue stores n as the cached latest-issue hint.
func (s *Store) SetLatestIssue(ctx context.Context, n int) error {
	query := `
        INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
        ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
    `
	if _, err := s.db.ExecContext(ctx, query, settingLatestIssue, strconv.Itoa(n), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store setting '%s': %w", settingLatestIssue, err)
	}
	return nil
}

// Event is one row of the build event log. Issue 0 marks a build-level event.
type Event struct {
	BuildID  string
	Issue    int
	Event    string
	Message  string
	Bytes    int64
	Games    int
	Duration time.Duration
}

// RecordEvent inserts a new event record into the log.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	query := `
        INSERT INTO build_event_log (build_id, issue, event, event_timestamp, message, bytes, games, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);
    `
	_, err := s.db.ExecContext(ctx, query,
		ev.BuildID,
		sql.NullInt64{Int64: int64(ev.Issue), Valid: ev.Issue > 0},
		ev.Event,
		time.Now().UTC(),
		sql.NullString{String: ev.Message, Valid: ev.Message != ""},
		sql.NullInt64{Int64: ev.Bytes, Valid: ev.Bytes > 0},
		sql.NullInt64{Int64: int64(ev.Games), Valid: ev.Games > 0},
		sql.NullInt64{Int64: ev.Duration.Milliseconds(), Valid: ev.Duration > 0},
	)
	if err != nil {
		return fmt.Errorf("failed to log event '%s' for issue %d: %w", ev.Event, ev.Issue, err)
	}
	return nil
}

// EventRow is a stored event as read back from the log.
type EventRow struct {
	LogID      int64
	BuildID    string
	Issue      int
	Event      string
	Timestamp  time.Time
	Message    string
	Bytes      int64
	Games      int
	DurationMs int64
}

// HistoryFilter narrows History. Zero values mean "no filter"; Limit 0 means all rows.
type HistoryFilter struct {
	Event   string
	Issue   int
	BuildID string
	Limit   int
}

// History returns event rows, newest first.
func (s *Store) History(ctx context.Context, f HistoryFilter) ([]EventRow, error) {
	query := `
        SELECT log_id, build_id, issue, event, event_timestamp, message, bytes, games, duration_ms
        FROM build_event_log
    `
	conditions := []string{}
	args := []any{}
	if f.Event != "" {
		conditions = append(conditions, "event = ?")
		args = append(args, f.Event)
	}
	if f.Issue > 0 {
		conditions = append(conditions, "issue = ?")
		args = append(args, f.Issue)
	}
	if f.BuildID != "" {
		conditions = append(conditions, "build_id = ?")
		args = append(args, f.BuildID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY event_timestamp DESC, log_id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event log: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var issue, bytes, games, durationMs sql.NullInt64
		var message sql.NullString
		if err := rows.Scan(&r.LogID, &r.BuildID, &issue, &r.Event, &r.Timestamp, &message, &bytes, &games, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan event log row: %w", err)
		}
		r.Issue = int(issue.Int64)
		r.Message = message.String
		r.Bytes = bytes.Int64
		r.Games = int(games.Int64)
		r.DurationMs = durationMs.Int64
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event log rows: %w", err)
	}
	return out, nil
}

// IssueStat aggregates the log for one issue.
type IssueStat struct {
	Issue    int
	Merged   int
	Skipped  int
	Bytes    int64
	Games    int
	LastSeen time.Time
}

// IssueSummary aggregates merge and skip counts per issue, in ascending issue order.
func (s *Store) IssueSummary(ctx context.Context) ([]IssueStat, error) {
	query := `
        SELECT issue,
               COUNT(*) FILTER (WHERE event = ?) AS merged,
               COUNT(*) FILTER (WHERE event = ?) AS skipped,
               COALESCE(MAX(bytes) FILTER (WHERE event = ?), 0) AS bytes,
               COALESCE(MAX(games) FILTER (WHERE event = ?), 0) AS games,
               MAX(event_timestamp) AS last_seen
        FROM build_event_log
        WHERE issue IS NOT NULL
        GROUP BY issue
        ORDER BY issue;
    `
	rows, err := s.db.QueryContext(ctx, query, EventMergeEnd, EventSkip, EventMergeEnd, EventMergeEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to query issue summary: %w", err)
	}
	defer rows.Close()

	var out []IssueStat
	for rows.Next() {
		var st IssueStat
		if err := rows.Scan(&st.Issue, &st.Merged, &st.Skipped, &st.Bytes, &st.Games, &st.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan issue summary row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issue summary rows: %w", err)
	}
	return out, nil
}
