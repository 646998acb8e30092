package callmetrics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists rows in a single SQLite table named metrics.
type SQLiteStore struct {
	db     *sql.DB
	upsert *sql.Stmt
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the SQLite file at path and creates the
// metrics table if it does not exist. The caller must call Close.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = defaultStorePath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	// The modernc.org driver is pure Go and works without CGO.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", sqliteURIPath(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}

	s.upsert, err = db.Prepare(`
INSERT INTO metrics (function_name, calls, total_time, errors)
VALUES (?, ?, ?, ?)
ON CONFLICT(function_name) DO UPDATE SET
    calls = excluded.calls,
    total_time = excluded.total_time,
    errors = excluded.errors`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}

	logger.Info("sqlite store opened", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS metrics (
    function_name TEXT PRIMARY KEY,
    calls         INTEGER NOT NULL DEFAULT 0,
    total_time    REAL    NOT NULL DEFAULT 0,
    errors        INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create metrics table: %w", err)
	}
	return nil
}

// Load implements Store
func (s *SQLiteStore) Load(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT function_name, calls, total_time, errors FROM metrics ORDER BY function_name`)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.Function, &snap.Calls, &snap.TotalTime, &snap.Errors); err != nil {
			return nil, fmt.Errorf("scan metrics row: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics rows: %w", err)
	}
	return snaps, nil
}

// Upsert implements Store
func (s *SQLiteStore) Upsert(ctx context.Context, snap Snapshot) error {
	if _, err := s.upsert.ExecContext(ctx, snap.Function, snap.Calls, snap.TotalTime, snap.Errors); err != nil {
		return fmt.Errorf("upsert %s: %w", snap.Function, err)
	}
	s.logger.Debug("snapshot persisted",
		zap.String("function", snap.Function),
		zap.Int64("calls", snap.Calls))
	return nil
}

// Close shuts down the database connection.
func (s *SQLiteStore) Close() error {
	if s.upsert != nil {
		_ = s.upsert.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// sqliteURIPath escapes the characters that would end the path part of a
// file: URI. SQLite decodes the %HH escapes back when opening the file.
func sqliteURIPath(path string) string {
	return sqliteURIEscaper.Replace(path)
}

var sqliteURIEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")
