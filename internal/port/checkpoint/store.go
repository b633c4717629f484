// Package checkpoint defines the port for durable snapshot persistence.
package checkpoint

import (
	"context"

	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
)

// Store persists the latest snapshot per session.
//
// Save overwrites any previous snapshot for id; saving an identical snapshot
// twice must leave the store unchanged. Load returns domain.ErrNotFound
// (wrapped) when no snapshot exists for id.
type Store interface {
	Save(ctx context.Context, id string, s *snapshot.Snapshot) error
	Load(ctx context.Context, id string) (*snapshot.Snapshot, error)
}

// Lister is implemented by stores that can enumerate their sessions.
type Lister interface {
	List(ctx context.Context, limit int) ([]snapshot.Summary, error)
}
