// Package snapshot defines the State Snapshot: the single record of one
// pipeline run's progress, owned and mutated by exactly one orchestrator.
package snapshot

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/Strob0t/PipelineForge/internal/domain"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusRunning               Status = "running"
	StatusAwaitingCollaboration Status = "awaiting_collaboration"
	StatusCompleted             Status = "completed"
	StatusFailed                Status = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowedTransitions lists the forward-only moves between statuses.
var allowedTransitions = map[Status][]Status{
	StatusRunning:               {StatusAwaitingCollaboration, StatusCompleted, StatusFailed},
	StatusAwaitingCollaboration: {StatusCompleted, StatusFailed},
}

// StageOutput is one entry of the ordered stage-output mapping.
type StageOutput struct {
	Stage    string          `json:"stage"`
	Result   json.RawMessage `json:"result"`
	Revision int             `json:"revision"` // revisionCount at the time the output was produced
}

// Snapshot is the unit of pipeline truth. Keys of StageOutputs are always a
// prefix of StageOrder and Errors is append-only.
type Snapshot struct {
	SessionID     string        `json:"session_id"`
	Request       Request       `json:"request"`
	StageOrder    []string      `json:"stage_order"`
	StageOutputs  []StageOutput `json:"stage_outputs"`
	RevisionCount int           `json:"revision_count"`
	Errors        []ErrorRecord `json:"errors"`
	Status        Status        `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}

// New creates a fresh RUNNING snapshot for the given request and declared stage order.
func New(sessionID string, req Request, order []string, at time.Time) *Snapshot {
	return &Snapshot{
		SessionID:    sessionID,
		Request:      req.clone(),
		StageOrder:   slices.Clone(order),
		StageOutputs: []StageOutput{},
		Errors:       []ErrorRecord{},
		Status:       StatusRunning,
		CreatedAt:    at.UTC(),
	}
}

// Transition moves the snapshot to the given status. Moving out of a
// terminal status, or backwards, fails with domain.ErrInvalidState.
func (s *Snapshot) Transition(to Status) error {
	if slices.Contains(allowedTransitions[s.Status], to) {
		s.Status = to
		return nil
	}
	return fmt.Errorf("%w: status %s -> %s", domain.ErrInvalidState, s.Status, to)
}

// NextStage returns the name of the stage that must run next, or "" when all
// declared stages have an output.
func (s *Snapshot) NextStage() string {
	if len(s.StageOutputs) >= len(s.StageOrder) {
		return ""
	}
	return s.StageOrder[len(s.StageOutputs)]
}

// PutOutput appends the result of the next stage in declared order.
func (s *Snapshot) PutOutput(stage string, result json.RawMessage) error {
	if next := s.NextStage(); next != stage {
		return fmt.Errorf("%w: output for %q out of order (next is %q)", domain.ErrInvalidState, stage, next)
	}
	s.StageOutputs = append(s.StageOutputs, StageOutput{
		Stage:    stage,
		Result:   slices.Clone(result),
		Revision: s.RevisionCount,
	})
	return nil
}

// ResetFrom drops the output of stage and every later stage, returning the
// index of stage in the declared order.
func (s *Snapshot) ResetFrom(stage string) (int, error) {
	idx := slices.Index(s.StageOrder, stage)
	if idx < 0 {
		return 0, fmt.Errorf("%w: unknown stage %q", domain.ErrValidation, stage)
	}
	if idx < len(s.StageOutputs) {
		s.StageOutputs = s.StageOutputs[:idx]
	}
	return idx, nil
}

// ReplaceOutput overwrites the result of a stage that already has an output.
// It is used when a collaboration session merges its workspace back.
func (s *Snapshot) ReplaceOutput(stage string, result json.RawMessage) error {
	for i := range s.StageOutputs {
		if s.StageOutputs[i].Stage == stage {
			s.StageOutputs[i].Result = slices.Clone(result)
			return nil
		}
	}
	return fmt.Errorf("stage output %q: %w", stage, domain.ErrNotFound)
}

// AppendError records a failure or marker. Records are never removed.
func (s *Snapshot) AppendError(rec ErrorRecord) {
	rec.Timestamp = rec.Timestamp.UTC()
	s.Errors = append(s.Errors, rec)
}

// Output returns the result stored for stage.
func (s *Snapshot) Output(stage string) (json.RawMessage, bool) {
	for i := range s.StageOutputs {
		if s.StageOutputs[i].Stage == stage {
			return s.StageOutputs[i].Result, true
		}
	}
	return nil, false
}

// OutputKeys returns the stage names that have an output, in order.
func (s *Snapshot) OutputKeys() []string {
	keys := make([]string, len(s.StageOutputs))
	for i := range s.StageOutputs {
		keys[i] = s.StageOutputs[i].Stage
	}
	return keys
}

// HasFatal reports whether any recorded error terminated the run.
func (s *Snapshot) HasFatal() bool {
	return slices.ContainsFunc(s.Errors, func(r ErrorRecord) bool { return r.Classification.IsFatal() })
}

// Clone returns a deep copy that shares no mutable state with s.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Request = s.Request.clone()
	c.StageOrder = slices.Clone(s.StageOrder)
	c.StageOutputs = make([]StageOutput, len(s.StageOutputs))
	for i, o := range s.StageOutputs {
		o.Result = slices.Clone(o.Result)
		c.StageOutputs[i] = o
	}
	c.Errors = slices.Clone(s.Errors)
	if c.Errors == nil {
		c.Errors = []ErrorRecord{}
	}
	return &c
}

// View returns a read-only view over a private copy of the snapshot.
func (s *Snapshot) View() View {
	return View{s: s.Clone()}
}

// Summary is the compact status document returned by getStatus.
type Summary struct {
	SessionID       string    `json:"session_id"`
	Status          Status    `json:"status"`
	CompletedStages []string  `json:"completed_stages"`
	TotalStages     int       `json:"total_stages"`
	RevisionCount   int       `json:"revision_count"`
	ErrorCount      int       `json:"error_count"`
	Degraded        bool      `json:"degraded"`
	Fatal           bool      `json:"fatal"`
	CreatedAt       time.Time `json:"created_at"`
}

// Summarize builds the status summary of s.
func (s *Snapshot) Summarize() Summary {
	return Summary{
		SessionID:       s.SessionID,
		Status:          s.Status,
		CompletedStages: s.OutputKeys(),
		TotalStages:     len(s.StageOrder),
		RevisionCount:   s.RevisionCount,
		ErrorCount:      len(s.Errors),
		Degraded:        len(s.Errors) > 0 && !s.HasFatal(),
		Fatal:           s.HasFatal(),
		CreatedAt:       s.CreatedAt,
	}
}
