package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
	"github.com/Strob0t/PipelineForge/internal/port/cache"
	"github.com/Strob0t/PipelineForge/internal/port/checkpoint"
)

const checkpointCachePrefix = "checkpoint:"

// CheckpointService persists run snapshots through a checkpoint.Store with an
// optional read-through cache in front of it.
//
// Saves are idempotent: re-saving a snapshot whose content digest matches the
// last saved digest for that session does not touch the store.
type CheckpointService struct {
	store    checkpoint.Store
	cache    cache.Cache
	cacheTTL time.Duration

	mu      sync.Mutex
	digests map[string]string // sessionID -> digest of the last saved content
}

// NewCheckpointService creates a CheckpointService. c may be nil.
func NewCheckpointService(store checkpoint.Store, c cache.Cache, cacheTTL time.Duration) *CheckpointService {
	return &CheckpointService{
		store:    store,
		cache:    c,
		cacheTTL: cacheTTL,
		digests:  make(map[string]string),
	}
}

// Save checkpoints s under its session id.
func (c *CheckpointService) Save(ctx context.Context, s *snapshot.Snapshot) error {
	data, digest, err := snapshot.Encode(s)
	if err != nil {
		return err
	}

	c.mu.Lock()
	unchanged := c.digests[s.SessionID] == digest
	c.mu.Unlock()
	if unchanged {
		return nil
	}

	if err := c.store.Save(ctx, s.SessionID, s.Clone()); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", s.SessionID, err)
	}

	c.mu.Lock()
	c.digests[s.SessionID] = digest
	c.mu.Unlock()

	if c.cache != nil {
		if err := c.cache.Set(ctx, checkpointCachePrefix+s.SessionID, data, c.cacheTTL); err != nil {
			slog.Warn("checkpoint cache set failed", "session_id", s.SessionID, "error", err)
			_ = c.cache.Delete(ctx, checkpointCachePrefix+s.SessionID)
		}
	}
	return nil
}

// Load returns the latest checkpoint for id. Missing checkpoints yield a
// wrapped domain.ErrNotFound.
func (c *CheckpointService) Load(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	key := checkpointCachePrefix + id
	if c.cache != nil {
		if data, ok, err := c.cache.Get(ctx, key); err == nil && ok {
			if s, derr := snapshot.Decode(data); derr == nil {
				return s, nil
			}
		}
	}

	s, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if data, _, err := snapshot.Encode(s); err == nil {
			_ = c.cache.Set(ctx, key, data, c.cacheTTL)
		}
	}
	return s, nil
}

// List returns recent run summaries when the store supports listing.
func (c *CheckpointService) List(ctx context.Context, limit int) ([]snapshot.Summary, error) {
	l, ok := c.store.(checkpoint.Lister)
	if !ok {
		return nil, fmt.Errorf("checkpoint store does not support listing")
	}
	return l.List(ctx, limit)
}

// Forget drops the cached digest for id once a run is terminal and persisted.
func (c *CheckpointService) Forget(id string) {
	c.mu.Lock()
	delete(c.digests, id)
	c.mu.Unlock()
}
