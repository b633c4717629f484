// Package memory provides in-process adapters used for local runs and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Strob0t/PipelineForge/internal/domain"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
)

// CheckpointStore keeps the latest encoded snapshot per session in memory.
type CheckpointStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	order  []string // insertion order, oldest first
	writes int
}

// NewCheckpointStore creates an empty store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{data: make(map[string][]byte)}
}

// Save upserts the snapshot for id. Identical content is not rewritten.
func (m *CheckpointStore) Save(_ context.Context, id string, s *snapshot.Snapshot) error {
	if id == "" {
		return fmt.Errorf("%w: checkpoint id is required", domain.ErrValidation)
	}
	data, _, err := snapshot.Encode(s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.data[id]
	if ok && bytes.Equal(prev, data) {
		return nil
	}
	if !ok {
		m.order = append(m.order, id)
	}
	m.data[id] = data
	m.writes++
	return nil
}

// Load decodes the snapshot stored for id.
func (m *CheckpointStore) Load(_ context.Context, id string) (*snapshot.Snapshot, error) {
	m.mu.RLock()
	data, ok := m.data[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, domain.ErrNotFound)
	}
	return snapshot.Decode(data)
}

// List returns summaries of the most recently created sessions first.
func (m *CheckpointStore) List(_ context.Context, limit int) ([]snapshot.Summary, error) {
	m.mu.RLock()
	ids := slices.Clone(m.order)
	m.mu.RUnlock()
	slices.Reverse(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]snapshot.Summary, 0, len(ids))
	for _, id := range ids {
		s, err := m.Load(context.Background(), id)
		if err != nil {
			return nil, err
		}
		out = append(out, s.Summarize())
	}
	return out, nil
}

// Writes reports how many saves changed stored content.
func (m *CheckpointStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}
