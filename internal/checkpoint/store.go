// Package checkpoint provides the durable per-commit and per-upload state
// behind the scan pipeline. Every worker claims commits through this store,
// so its write operations must be atomic and crash-consistent; reads are
// best-effort aggregates for status surfaces.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Commit statuses. PENDING marks an active attempt or a crash survivor;
// PROCESSED and FAILED are terminal.
const (
	StatusPending   = "PENDING"
	StatusProcessed = "PROCESSED"
	StatusFailed    = "FAILED"
)

// Store is a single-process, multi-goroutine SQLite checkpoint store.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the checkpoint database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// migrate creates the base tables and then adds any columns introduced after
// the store was first created, so older databases stay openable.
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			commit_sha  TEXT PRIMARY KEY,
			status      TEXT NOT NULL,
			error_msg   TEXT,
			updated_at  REAL
		)`,
		`CREATE TABLE IF NOT EXISTS uploads (
			id          TEXT PRIMARY KEY,
			filename    TEXT,
			saved_as    TEXT,
			status      TEXT,
			uploaded_at TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating checkpoint schema: %w", err)
		}
	}

	if err := s.ensureColumns(ctx, "scans", map[string]string{
		"repo_name":   "ALTER TABLE scans ADD COLUMN repo_name TEXT",
		"project_key": "ALTER TABLE scans ADD COLUMN project_key TEXT",
		"repo_url":    "ALTER TABLE scans ADD COLUMN repo_url TEXT",
	}); err != nil {
		return err
	}
	if err := s.ensureColumns(ctx, "uploads", map[string]string{
		"total_commits": "ALTER TABLE uploads ADD COLUMN total_commits INTEGER",
		"repos_json":    "ALTER TABLE uploads ADD COLUMN repos_json TEXT",
		"job_id":        "ALTER TABLE uploads ADD COLUMN job_id TEXT",
		"error_msg":     "ALTER TABLE uploads ADD COLUMN error_msg TEXT",
	}); err != nil {
		return err
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_scans_repo ON scans(repo_name)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_status ON scans(status)`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_status ON uploads(status)`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating checkpoint index: %w", err)
		}
	}
	return nil
}

// ensureColumns adds missing columns non-destructively.
func (s *Store) ensureColumns(ctx context.Context, table string, extras map[string]string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspecting %s schema: %w", table, err)
	}
	existing := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("scanning %s schema: %w", table, err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for col, ddl := range extras {
		if existing[col] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", table, col, err)
		}
		slog.Info("Added checkpoint column", "table", table, "column", col)
	}
	return nil
}
