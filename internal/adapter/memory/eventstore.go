package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/Strob0t/PipelineForge/internal/domain/event"
)

// EventStore is an append-only audit log held in memory.
type EventStore struct {
	mu     sync.RWMutex
	nextID int64
	events map[string][]event.Event
}

// NewEventStore creates an empty event store.
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string][]event.Event)}
}

// Append stores ev and assigns it the next sequence id.
func (m *EventStore) Append(_ context.Context, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ev.ID = m.nextID
	cp := *ev
	cp.Detail = slices.Clone(ev.Detail)
	m.events[ev.SessionID] = append(m.events[ev.SessionID], cp)
	return nil
}

// LoadBySession returns the session's events in append order.
func (m *EventStore) LoadBySession(_ context.Context, sessionID string) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events[sessionID]), nil
}
