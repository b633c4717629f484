package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/PipelineForge/internal/domain"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
)

// CheckpointStore implements checkpoint.Store using PostgreSQL. Each session
// has exactly one row holding its latest snapshot.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore creates a new CheckpointStore backed by the given connection pool.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (session_id, status, data, digest, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (session_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   data = EXCLUDED.data,
		   digest = EXCLUDED.digest,
		   updated_at = now()
		 WHERE checkpoints.digest <> EXCLUDED.digest`,
		id, string(snap.Status), data, digest, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	return nil
}

// Load returns the latest snapshot of a session.
func (s *CheckpointStore) Load(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM checkpoints WHERE session_id = $1`, id).Scan(&data)
	if err != nil {
		return nil, notFoundWrap(err, "load checkpoint %s", id)
	}
	return snapshot.Decode(data)
}

// List returns summaries of the most recently created sessions first.
// A non-positive limit returns every session.
func (s *CheckpointStore) List(ctx context.Context, limit int) ([]snapshot.Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM checkpoints ORDER BY created_at DESC, session_id LIMIT $1`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []snapshot.Summary
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap.Summarize())
	}
	return out, rows.Err()
}

func scanSnapshot(row scannable) (*snapshot.Snapshot, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	return snapshot.Decode(data)
}
