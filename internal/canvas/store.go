// Package canvas persists canvas snapshots for the relay's HTTP
// side-channel. This is the only durable state in the process; relay
// state itself stays in memory.
package canvas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("canvas not found")

// Snapshot is the latest submitted content for one canvas id.
type Snapshot struct {
	CanvasID    string    `json:"canvasId"`
	Filename    string    `json:"filename"`
	Content     string    `json:"content"`
	SubmitterID string    `json:"submitterId"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Version is one historical submission, accumulated per filename.
type Version struct {
	ID          int64     `json:"id"`
	Filename    string    `json:"filename"`
	Content     string    `json:"content"`
	SubmitterID string    `json:"submitterId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store manages canvas persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the canvas database and applies
// migrations. Pass ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure canvas db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) applyMigrations(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS canvas_snapshots (
            canvas_id    TEXT PRIMARY KEY,
            filename     TEXT NOT NULL,
            content      TEXT NOT NULL,
            submitter_id TEXT NOT NULL,
            updated_at   TEXT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS canvas_versions (
            id           INTEGER PRIMARY KEY AUTOINCREMENT,
            filename     TEXT NOT NULL,
            content      TEXT NOT NULL,
            submitter_id TEXT NOT NULL,
            created_at   TEXT NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_canvas_versions_filename
            ON canvas_versions (filename, created_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the latest snapshot and appends a version row for the
// snapshot's filename.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO canvas_snapshots (canvas_id, filename, content, submitter_id, updated_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(canvas_id) DO UPDATE SET
            filename = excluded.filename,
            content = excluded.content,
            submitter_id = excluded.submitter_id,
            updated_at = excluded.updated_at`,
		snap.CanvasID, snap.Filename, snap.Content, snap.SubmitterID, timestamp,
	); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO canvas_versions (filename, content, submitter_id, created_at)
         VALUES (?, ?, ?, ?)`,
		snap.Filename, snap.Content, snap.SubmitterID, timestamp,
	); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Latest returns the current snapshot for a canvas id.
func (s *Store) Latest(ctx context.Context, canvasID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT canvas_id, filename, content, submitter_id, updated_at
         FROM canvas_snapshots WHERE canvas_id = ?`,
		canvasID,
	)
	var snap Snapshot
	var updatedAt string
	if err := row.Scan(&snap.CanvasID, &snap.Filename, &snap.Content, &snap.SubmitterID, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	snap.UpdatedAt = parseTimestamp(updatedAt)
	return &snap, nil
}

// Versions lists the version history for a filename, newest first.
func (s *Store) Versions(ctx context.Context, filename string) ([]Version, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, filename, content, submitter_id, created_at
         FROM canvas_versions WHERE filename = ? ORDER BY created_at DESC, id DESC`,
		filename,
	)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		var createdAt string
		if err := rows.Scan(&v.ID, &v.Filename, &v.Content, &v.SubmitterID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.CreatedAt = parseTimestamp(createdAt)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

func parseTimestamp(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
