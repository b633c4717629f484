// Package eventstore defines the port interface for the append-only audit log.
package eventstore

import (
	"context"

	"github.com/Strob0t/PipelineForge/internal/domain/event"
)

// Store is the port interface for appending and loading audit events.
type Store interface {
	// Append persists ev and assigns ev.ID.
	Append(ctx context.Context, ev *event.Event) error

	// LoadBySession returns all events for a session in append order.
	LoadBySession(ctx context.Context, sessionID string) ([]event.Event, error)
}
