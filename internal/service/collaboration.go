package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	cfotel "github.com/Strob0t/PipelineForge/internal/adapter/otel"
	"github.com/Strob0t/PipelineForge/internal/config"
	"github.com/Strob0t/PipelineForge/internal/domain"
	"github.com/Strob0t/PipelineForge/internal/domain/collab"
	"github.com/Strob0t/PipelineForge/internal/domain/event"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
)

// SessionFinish describes a session that reached FINALIZED or EXPIRED.
type SessionFinish struct {
	SessionID string
	State     collab.State
	Values    map[string]json.RawMessage
}

// FinishFunc is called once per session when it leaves the live states.
type FinishFunc func(ctx context.Context, f SessionFinish)

type sessionSlot struct {
	mu         sync.Mutex // the single writer of s
	s          *collab.Session
	finishedAt time.Time
}

// SessionManager owns every live collaboration session. Operations on one
// session are serialized; different sessions never block each other.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionSlot

	cfg      config.Collaboration
	audit    *AuditBus
	metrics  *cfotel.Metrics
	onFinish []FinishFunc
	log      *slog.Logger
	now      func() time.Time
}

// NewSessionManager creates an empty SessionManager.
func NewSessionManager(cfg config.Collaboration, audit *AuditBus, log *slog.Logger) *SessionManager {
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		sessions: make(map[string]*sessionSlot),
		cfg:      cfg,
		audit:    audit,
		log:      log,
		now:      time.Now,
	}
}

// SetMetrics enables metric recording.
func (m *SessionManager) SetMetrics(mt *cfotel.Metrics) { m.metrics = mt }

// AddOnFinish appends a callback invoked when a session finalizes or expires.
func (m *SessionManager) AddOnFinish(fn FinishFunc) {
	m.onFinish = append(m.onFinish, fn)
}

// Open creates the session for a snapshot handed off for collaborative
// finishing. The workspace holds the request's collaborative fields, or every
// stage output when none are named, each at version 0.
func (m *SessionManager) Open(ctx context.Context, snap *snapshot.Snapshot) (*collab.Session, error) {
	participants := make(map[string]collab.Permissions, len(snap.Request.Collaborators))
	for _, c := range snap.Request.Collaborators {
		participants[c.ID] = collab.Permissions{Propose: c.CanPropose, Vote: c.CanVote, Finalize: c.CanFinalize}
	}

	names := snap.Request.CollaborativeFields
	if len(names) == 0 {
		names = snap.OutputKeys()
	}
	fields := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		v, ok := snap.Output(name)
		if !ok {
			return nil, fmt.Errorf("%w: collaborative field %q has no stage output", domain.ErrValidation, name)
		}
		fields[name] = v
	}

	s, err := collab.NewSession(snap.SessionID, participants, fields, m.cfg.Quorum, m.now(), m.cfg.SessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", snap.SessionID, err)
	}

	m.mu.Lock()
	if _, exists := m.sessions[s.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s already exists", domain.ErrConflict, s.ID)
	}
	m.sessions[s.ID] = &sessionSlot{s: s}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}
	m.emitState(ctx, s.ID, "", collab.StateOpen)
	m.log.InfoContext(ctx, "collaboration session opened",
		"session_id", s.ID, "participants", len(participants), "fields", len(fields), "expires_at", s.ExpiresAt)
	return s.Clone(), nil
}

// Get returns a copy of the session.
func (m *SessionManager) Get(_ context.Context, id string) (*collab.Session, error) {
	slot, err := m.slot(id)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.s.Clone(), nil
}

// ApplyEdit applies one optimistic edit. A stale baseVersion yields an
// EditConflict result, not an error; it is reported to the caller only.
func (m *SessionManager) ApplyEdit(ctx context.Context, id, participant, field string, baseVersion int64, value json.RawMessage) (collab.EditResult, error) {
	ctx, span := cfotel.StartSessionSpan(ctx, id, "edit")
	defer span.End()

	var res collab.EditResult
	err := m.withSession(id, func(s *collab.Session) error {
		var err error
		res, err = s.ApplyEdit(participant, field, baseVersion, value, m.now())
		return err
	})
	if err != nil {
		return collab.EditResult{}, err
	}

	detail := map[string]any{
		"participant":  participant,
		"field":        field,
		"base_version": baseVersion,
		"version":      res.Version,
	}
	if res.Status == collab.EditConflict {
		if m.metrics != nil {
			m.metrics.EditConflicts.Add(ctx, 1)
		}
		m.audit.Emit(ctx, id, event.KindSessionConflict, detail)
		return res, nil
	}
	m.audit.Emit(ctx, id, event.KindSessionEdit, detail)
	return res, nil
}

// ProposeFinalize opens a vote and returns the new proposal id.
func (m *SessionManager) ProposeFinalize(ctx context.Context, id, participant string) (string, error) {
	proposalID := uuid.NewString()
	err := m.withSession(id, func(s *collab.Session) error {
		return s.ProposeFinalize(participant, proposalID)
	})
	if err != nil {
		return "", err
	}
	m.emitState(ctx, id, collab.StateOpen, collab.StateVoting)
	return proposalID, nil
}

// Vote casts a ballot on the open proposal. An approving quorum finalizes
// the session; an unreachable quorum reopens it for edits.
func (m *SessionManager) Vote(ctx context.Context, id, participant, proposalID string, ballot collab.Ballot) (collab.Tally, error) {
	ctx, span := cfotel.StartSessionSpan(ctx, id, "vote")
	defer span.End()

	var (
		tally  collab.Tally
		finish *SessionFinish
	)
	err := m.withSession(id, func(s *collab.Session) error {
		var err error
		tally, err = s.CastVote(participant, proposalID, ballot)
		if err == nil && tally.Outcome == collab.OutcomeApproved {
			finish = &SessionFinish{SessionID: id, State: s.State, Values: s.Values()}
		}
		return err
	})
	if err != nil {
		return collab.Tally{}, err
	}

	m.audit.Emit(ctx, id, event.KindSessionVote, map[string]any{
		"participant": participant,
		"ballot":      ballot,
		"tally":       tally,
	})
	switch tally.Outcome {
	case collab.OutcomeApproved:
		m.emitState(ctx, id, collab.StateVoting, collab.StateFinalized)
		m.finished(ctx, *finish)
	case collab.OutcomeRejected:
		m.emitState(ctx, id, collab.StateVoting, collab.StateOpen)
	}
	return tally, nil
}

// Expire is the external timeout signal: the session's workspace is handed
// back as it stands.
func (m *SessionManager) Expire(ctx context.Context, id string) error {
	var (
		from   collab.State
		finish SessionFinish
	)
	err := m.withSession(id, func(s *collab.Session) error {
		from = s.State
		if err := s.Expire(); err != nil {
			return err
		}
		finish = SessionFinish{SessionID: id, State: s.State, Values: s.Values()}
		return nil
	})
	if err != nil {
		return err
	}
	m.emitState(ctx, id, from, collab.StateExpired)
	m.finished(ctx, finish)
	return nil
}

// ExpireDue expires every live session past its deadline and forgets
// finished sessions older than the session timeout. It returns how many
// sessions were expired.
func (m *SessionManager) ExpireDue(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var due []string
	for id, slot := range m.sessions {
		slot.mu.Lock()
		switch {
		case slot.s.DueForExpiry(now):
			due = append(due, id)
		case !slot.finishedAt.IsZero() && now.Sub(slot.finishedAt) > m.cfg.SessionTimeout:
			delete(m.sessions, id)
		}
		slot.mu.Unlock()
	}
	m.mu.Unlock()

	slices.Sort(due)
	expired := 0
	for _, id := range due {
		if err := m.Expire(ctx, id); err != nil {
			m.log.DebugContext(ctx, "expire skipped", "session_id", id, "error", err)
			continue
		}
		expired++
	}
	return expired
}

// RunSweeper calls ExpireDue every interval until ctx is done.
func (m *SessionManager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.ExpireDue(ctx); n > 0 {
				m.log.InfoContext(ctx, "expired collaboration sessions", "count", n)
			}
		}
	}
}

func (m *SessionManager) slot(id string) (*sessionSlot, error) {
	m.mu.RLock()
	slot, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return slot, nil
}

func (m *SessionManager) withSession(id string, fn func(s *collab.Session) error) error {
	slot, err := m.slot(id)
	if err != nil {
		return err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	wasLive := !slot.s.State.IsTerminal()
	if err := fn(slot.s); err != nil {
		return err
	}
	if wasLive && slot.s.State.IsTerminal() {
		slot.finishedAt = m.now()
	}
	return nil
}

func (m *SessionManager) finished(ctx context.Context, f SessionFinish) {
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}
	m.log.InfoContext(ctx, "collaboration session finished", "session_id", f.SessionID, "state", f.State)
	for _, fn := range m.onFinish {
		fn(ctx, f)
	}
}

func (m *SessionManager) emitState(ctx context.Context, id string, from, to collab.State) {
	m.audit.Emit(ctx, id, event.KindSessionState, event.StatusDetail{From: string(from), To: string(to)})
}
