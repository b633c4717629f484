// Package collab defines the collaboration Session: a multi-participant,
// optimistically versioned workspace bound to one run's snapshot.
//
// Session methods are not safe for concurrent use. Callers serialize all
// access to a session through a single writer.
package collab

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/Strob0t/PipelineForge/internal/domain"
)

// State is the lifecycle state of a session.
type State string

const (
	StateOpen      State = "open"
	StateVoting    State = "voting"
	StateFinalized State = "finalized"
	StateExpired   State = "expired"
)

// IsTerminal reports whether the session accepts no further operations.
func (s State) IsTerminal() bool {
	return s == StateFinalized || s == StateExpired
}

// Permissions are the per-participant operation flags.
type Permissions struct {
	Propose  bool `json:"propose"`
	Vote     bool `json:"vote"`
	Finalize bool `json:"finalize"`
}

// Field is one versioned workspace entry. Version never decreases.
type Field struct {
	Value   json.RawMessage `json:"value"`
	Version int64           `json:"version"`
}

// Activity is one applied edit in the session's append-only log.
type Activity struct {
	Participant string    `json:"participant"`
	Field       string    `json:"field"`
	OldVersion  int64     `json:"old_version"`
	NewVersion  int64     `json:"new_version"`
	Timestamp   time.Time `json:"timestamp"`
}

// Session is the shared editing context of one run.
type Session struct {
	ID           string                       `json:"id"`
	State        State                        `json:"state"`
	Participants map[string]Permissions       `json:"participants"`
	Workspace    map[string]Field             `json:"workspace"`
	ActivityLog  []Activity                   `json:"activity_log"`
	ProposalID   string                       `json:"proposal_id,omitempty"`
	PendingVotes map[string]map[string]Ballot `json:"pending_votes"`
	Quorum       int                          `json:"quorum"` // 0 means strict majority of eligible voters
	CreatedAt    time.Time                    `json:"created_at"`
	ExpiresAt    time.Time                    `json:"expires_at"`
}

// NewSession opens a session seeded with the given fields at version 0.
// A zero ttl means the session never expires on its own.
func NewSession(id string, participants map[string]Permissions, fields map[string]json.RawMessage, quorum int, now time.Time, ttl time.Duration) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrValidation)
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: session needs participants", domain.ErrValidation)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: session needs at least one editable field", domain.ErrValidation)
	}
	if quorum < 0 {
		return nil, fmt.Errorf("%w: quorum must be >= 0", domain.ErrValidation)
	}

	ws := make(map[string]Field, len(fields))
	for name, v := range fields {
		ws[name] = Field{Value: slices.Clone(v)}
	}

	s := &Session{
		ID:           id,
		State:        StateOpen,
		Participants: maps.Clone(participants),
		Workspace:    ws,
		ActivityLog:  []Activity{},
		PendingVotes: make(map[string]map[string]Ballot),
		Quorum:       quorum,
		CreatedAt:    now.UTC(),
	}
	if s.eligibleVoters() == 0 {
		return nil, fmt.Errorf("%w: session needs at least one voter", domain.ErrValidation)
	}
	if ttl > 0 {
		s.ExpiresAt = s.CreatedAt.Add(ttl)
	}
	return s, nil
}

func (s *Session) permissions(participant string) (Permissions, error) {
	p, ok := s.Participants[participant]
	if !ok {
		return Permissions{}, fmt.Errorf("%w: %q is not a participant", domain.ErrForbidden, participant)
	}
	return p, nil
}

// EditStatus tells the proposer whether an edit was applied.
type EditStatus string

const (
	EditApplied  EditStatus = "applied"
	EditConflict EditStatus = "conflict"
)

// EditResult is returned to the proposer of an edit. On conflict Version and
// Value carry the current state so the caller can re-base.
type EditResult struct {
	Status  EditStatus      `json:"status"`
	Field   string          `json:"field"`
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// ApplyEdit updates field if baseVersion matches its current version. A
// version mismatch is not an error: it yields an EditConflict result.
func (s *Session) ApplyEdit(participant, field string, baseVersion int64, value json.RawMessage, now time.Time) (EditResult, error) {
	perm, err := s.permissions(participant)
	if err != nil {
		return EditResult{}, err
	}
	if !perm.Propose {
		return EditResult{}, fmt.Errorf("%w: %q may not propose edits", domain.ErrForbidden, participant)
	}
	if s.State != StateOpen {
		return EditResult{}, fmt.Errorf("%w: session is %s", domain.ErrInvalidState, s.State)
	}
	cur, ok := s.Workspace[field]
	if !ok {
		return EditResult{}, fmt.Errorf("workspace field %q: %w", field, domain.ErrNotFound)
	}
	if len(value) == 0 || !json.Valid(value) {
		return EditResult{}, fmt.Errorf("%w: value must be valid JSON", domain.ErrValidation)
	}

	if baseVersion != cur.Version {
		return EditResult{
			Status:  EditConflict,
			Field:   field,
			Version: cur.Version,
			Value:   slices.Clone(cur.Value),
		}, nil
	}

	next := Field{Value: slices.Clone(value), Version: cur.Version + 1}
	s.Workspace[field] = next
	s.ActivityLog = append(s.ActivityLog, Activity{
		Participant: participant,
		Field:       field,
		OldVersion:  cur.Version,
		NewVersion:  next.Version,
		Timestamp:   now.UTC(),
	})
	return EditResult{Status: EditApplied, Field: field, Version: next.Version}, nil
}

// Expire moves a live session to EXPIRED.
func (s *Session) Expire() error {
	if s.State.IsTerminal() {
		return fmt.Errorf("%w: session is %s", domain.ErrInvalidState, s.State)
	}
	s.State = StateExpired
	s.ProposalID = ""
	return nil
}

// DueForExpiry reports whether a live session has passed its deadline.
func (s *Session) DueForExpiry(now time.Time) bool {
	return !s.State.IsTerminal() && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Values returns a copy of the current workspace values.
func (s *Session) Values() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s.Workspace))
	for k, f := range s.Workspace {
		out[k] = slices.Clone(f.Value)
	}
	return out
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.Participants = maps.Clone(s.Participants)
	c.Workspace = make(map[string]Field, len(s.Workspace))
	for k, f := range s.Workspace {
		c.Workspace[k] = Field{Value: slices.Clone(f.Value), Version: f.Version}
	}
	c.ActivityLog = slices.Clone(s.ActivityLog)
	c.PendingVotes = make(map[string]map[string]Ballot, len(s.PendingVotes))
	for id, votes := range s.PendingVotes {
		c.PendingVotes[id] = maps.Clone(votes)
	}
	return &c
}
