package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/PipelineForge/internal/domain/event"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event into the audit_events table and sets its ID.
func (s *EventStore) Append(ctx context.Context, ev *event.Event) error {
	detail := ev.Detail
	if len(detail) == 0 {
		detail = []byte("{}")
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO audit_events (session_id, kind, detail, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		ev.SessionID, string(ev.Kind), []byte(detail), ev.Timestamp).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LoadBySession returns all events of a session in append order.
func (s *EventStore) LoadBySession(ctx context.Context, sessionID string) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, kind, detail, created_at FROM audit_events WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load events by session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			ev     event.Event
			kind   string
			detail []byte
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &kind, &detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = event.Kind(kind)
		ev.Detail = detail
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}
