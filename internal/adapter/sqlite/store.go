// Package sqlite provides an embedded, single-process checkpoint store.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Register the pure-Go sqlite driver

	"github.com/Strob0t/PipelineForge/internal/domain"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrLocked is returned by Open when another process holds the database.
var ErrLocked = errors.New("sqlite checkpoint database is locked by another process")

// CheckpointStore implements checkpoint.Store on a local SQLite file.
type CheckpointStore struct {
	db   *sql.DB
	lock *flock.Flock
	path string
}

// Open creates or opens the database at path, takes an exclusive lock file
// next to it and applies pending migrations.
func Open(ctx context.Context, path string) (*CheckpointStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	return &CheckpointStore{db: db, lock: lock, path: path}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database and releases the lock file.
func (s *CheckpointStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// Save upserts the snapshot. A row whose digest already matches is left untouched.
func (s *CheckpointStore) Save(ctx context.Context, id string, snap *snapshot.Snapshot) error {
	if id == "" {
		return fmt.Errorf("%w: checkpoint id is required", domain.ErrValidation)
	}
	data, digest, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, status, data, digest, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   status = excluded.status,
		   data = excluded.data,
		   digest = excluded.digest,
		   updated_at = excluded.updated_at
		 WHERE checkpoints.digest <> excluded.digest`,
		id, string(snap.Status), string(data), digest,
		snap.CreatedAt.UTC().Format(timeLayout), now)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	return nil
}

// Load returns the latest snapshot of a session.
func (s *CheckpointStore) Load(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM checkpoints WHERE session_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return snapshot.Decode([]byte(data))
}

// List returns summaries of the most recently created sessions first.
// A non-positive limit returns every session.
func (s *CheckpointStore) List(ctx context.Context, limit int) ([]snapshot.Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM checkpoints ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []snapshot.Summary
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		snap, err := snapshot.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, snap.Summarize())
	}
	return out, rows.Err()
}
