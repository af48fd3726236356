package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	m "github.com/grackle-fuzz/grackle/internal/model"
)

// StatusStore persists run counter snapshots for cross-process visibility.
type StatusStore interface {
	Save(ctx context.Context, rec m.StatusRecord) error
	List(ctx context.Context) ([]m.StatusRecord, error)
	Close() error
}

// SQLiteStatusStore keeps status records in a SQLite database, keyed by
// process identity and timestamp.
type SQLiteStatusStore struct {
	sqlDB *sql.DB
}

const statusSchema = `
CREATE TABLE IF NOT EXISTS status (
    pid       INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    start     INTEGER NOT NULL,
    iteration INTEGER NOT NULL,
    ignored   INTEGER NOT NULL,
    results   INTEGER NOT NULL,
    PRIMARY KEY (pid, timestamp)
);`

// OpenStatusStore opens (creating if needed) the status database at path.
func OpenStatusStore(path m.Path) (*SQLiteStatusStore, error) {
	if path == "" {
		return nil, fmt.Errorf("status db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(string(path)), 0o755); err != nil {
		return nil, fmt.Errorf("create status db dir: %w", err)
	}
	dsn := filepath.Clean(string(path)) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open status db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping status db: %w", err)
	}
	if _, err := sqlDB.Exec(statusSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure status table: %w", err)
	}
	return &SQLiteStatusStore{sqlDB: sqlDB}, nil
}

// Save writes one counter snapshot.
func (s *SQLiteStatusStore) Save(ctx context.Context, rec m.StatusRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR REPLACE INTO status (pid, timestamp, start, iteration, ignored, results)
VALUES (?, ?, ?, ?, ?, ?)`,
		rec.PID,
		rec.Timestamp.UTC().UnixMilli(),
		rec.Start.UTC().UnixMilli(),
		rec.Iteration,
		rec.Ignored,
		rec.Results,
	)
	if err != nil {
		return fmt.Errorf("save status: %w", err)
	}
	return nil
}

// List returns the most recent snapshot per process, newest first.
func (s *SQLiteStatusStore) List(ctx context.Context) ([]m.StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT st.pid, st.timestamp, st.start, st.iteration, st.ignored, st.results
FROM status st
JOIN (SELECT pid, MAX(timestamp) AS ts FROM status GROUP BY pid) latest
  ON st.pid = latest.pid AND st.timestamp = latest.ts
ORDER BY st.timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("list status: %w", err)
	}
	defer rows.Close()

	var records []m.StatusRecord
	for rows.Next() {
		var rec m.StatusRecord
		var ts, start int64
		if err := rows.Scan(&rec.PID, &ts, &start, &rec.Iteration, &rec.Ignored, &rec.Results); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts).UTC()
		rec.Start = time.UnixMilli(start).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list status: %w", err)
	}
	return records, nil
}

// Close closes the database handle.
func (s *SQLiteStatusStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
