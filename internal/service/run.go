package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Strob0t/PipelineForge/internal/domain"
	"github.com/Strob0t/PipelineForge/internal/domain/collab"
	"github.com/Strob0t/PipelineForge/internal/domain/event"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
	"github.com/Strob0t/PipelineForge/internal/logger"
	"github.com/Strob0t/PipelineForge/internal/pool"
	"github.com/Strob0t/PipelineForge/internal/port/eventstore"
	"github.com/Strob0t/PipelineForge/internal/port/messagequeue"
)

var (
	// ErrCancelledByCaller is the cancellation cause of Cancel.
	ErrCancelledByCaller = errors.New("cancelled by caller")
	// ErrShuttingDown is the cancellation cause of runs still active when
	// the shutdown deadline passes.
	ErrShuttingDown = errors.New("service shutting down")
)

// RunService is the transport-facing entry point: asynchronous submission,
// status lookup, cancellation and the bridge between finished collaboration
// sessions and their runs.
type RunService struct {
	orch        *Orchestrator
	checkpoints *CheckpointService
	sessions    *SessionManager
	events      eventstore.Store
	pool        *pool.Pool
	log         *slog.Logger

	baseCtx context.Context
	stopAll context.CancelCauseFunc

	mu       sync.Mutex
	active   map[string]context.CancelCauseFunc
	awaiting map[string]*snapshot.Snapshot
	closed   bool
}

// NewRunService wires a RunService and registers itself as the orchestrator's
// collaboration handoff and the session manager's finish callback.
func NewRunService(orch *Orchestrator, checkpoints *CheckpointService, sessions *SessionManager, events eventstore.Store, p *pool.Pool, log *slog.Logger) *RunService {
	if log == nil {
		log = slog.Default()
	}
	base, stop := context.WithCancelCause(context.Background())
	s := &RunService{
		orch:        orch,
		checkpoints: checkpoints,
		sessions:    sessions,
		events:      events,
		pool:        p,
		log:         log,
		baseCtx:     base,
		stopAll:     stop,
		active:      make(map[string]context.CancelCauseFunc),
		awaiting:    make(map[string]*snapshot.Snapshot),
	}
	orch.SetHandoff(s.handoff)
	sessions.AddOnFinish(s.onSessionFinish)
	return s
}

// Submit validates req, checkpoints a RUNNING snapshot and schedules the run.
// It returns the session id immediately.
func (s *RunService) Submit(ctx context.Context, req snapshot.Request) (string, error) {
	return s.SubmitWithID(ctx, "", req)
}

// SubmitWithID is Submit with a caller-chosen session id. Reusing the id of a
// known run fails with domain.ErrConflict.
func (s *RunService) SubmitWithID(ctx context.Context, id string, req snapshot.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := req.ValidateFields(s.orch.StageNames()); err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	} else if _, err := s.checkpoints.Load(ctx, id); err == nil {
		return "", fmt.Errorf("%w: run %s already exists", domain.ErrConflict, id)
	}

	runCtx, ok := s.register(id)
	if !ok {
		return "", fmt.Errorf("%w: run %s is already active or the service is shutting down", domain.ErrConflict, id)
	}

	snap := s.orch.Prepare(logger.WithRequestID(runCtx, logger.RequestID(ctx)), id, req)
	s.schedule(runCtx, snap)
	return id, nil
}

// ResumeRun reschedules a RUNNING run from its last checkpoint, e.g. after a
// restart.
func (s *RunService) ResumeRun(ctx context.Context, id string) error {
	snap, err := s.checkpoints.Load(ctx, id)
	if err != nil {
		return err
	}
	if snap.Status != snapshot.StatusRunning {
		return fmt.Errorf("%w: run %s is %s", domain.ErrInvalidState, id, snap.Status)
	}
	runCtx, ok := s.register(id)
	if !ok {
		return fmt.Errorf("%w: run %s is already active", domain.ErrConflict, id)
	}
	s.schedule(runCtx, snap)
	return nil
}

// ReopenSession restores the collaboration session of a run that was
// awaiting collaboration when the process stopped. The workspace restarts
// from the checkpointed outputs. When the session cannot be reopened the run
// is finished as if the session had expired.
func (s *RunService) ReopenSession(ctx context.Context, id string) error {
	snap, err := s.checkpoints.Load(ctx, id)
	if err != nil {
		return err
	}
	if snap.Status != snapshot.StatusAwaitingCollaboration {
		return fmt.Errorf("%w: run %s is %s", domain.ErrInvalidState, id, snap.Status)
	}

	err = s.handoff(ctx, snap)
	switch {
	case err == nil:
		s.log.InfoContext(ctx, "collaboration session reopened", "session_id", id)
		return nil
	case errors.Is(err, domain.ErrConflict):
		return err
	}

	s.log.WarnContext(ctx, "reopen session failed, merging as-is", "session_id", id, "error", err)
	if _, err := s.orch.FinishCollaboration(ctx, snap, SessionFinish{SessionID: id, State: collab.StateExpired}); err != nil {
		return err
	}
	s.checkpoints.Forget(id)
	return nil
}

// ResumeInterrupted resumes every RUNNING run the checkpoint store knows of
// and reopens the sessions of runs awaiting collaboration. It returns how
// many runs were recovered. Stores that cannot list are skipped.
func (s *RunService) ResumeInterrupted(ctx context.Context) (int, error) {
	summaries, err := s.checkpoints.List(ctx, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sum := range summaries {
		switch sum.Status {
		case snapshot.StatusRunning:
			err = s.ResumeRun(ctx, sum.SessionID)
		case snapshot.StatusAwaitingCollaboration:
			err = s.ReopenSession(ctx, sum.SessionID)
		default:
			continue
		}
		if err != nil {
			s.log.WarnContext(ctx, "resume failed", "session_id", sum.SessionID, "status", sum.Status, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *RunService) register(id string) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	if _, busy := s.active[id]; busy {
		return nil, false
	}
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	s.active[id] = cancel
	return ctx, true
}

func (s *RunService) release(id string) {
	s.mu.Lock()
	cancel := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel(nil)
	}
}

// schedule runs snap on the pool. A run cancelled while still queued is
// resumed once with its cancelled context, which fails it immediately.
func (s *RunService) schedule(runCtx context.Context, snap *snapshot.Snapshot) {
	execute := func(ctx context.Context) {
		defer s.release(snap.SessionID)
		final, err := s.orch.Resume(ctx, snap)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.ErrorContext(ctx, "run aborted", "session_id", snap.SessionID, "status", final.Status, "error", err)
		}
		if final.Status.IsTerminal() {
			s.checkpoints.Forget(final.SessionID)
		}
	}
	s.pool.Go(runCtx, execute, func(error) { execute(runCtx) })
}

// Status returns the summary of a run's latest checkpoint.
func (s *RunService) Status(ctx context.Context, id string) (snapshot.Summary, error) {
	snap, err := s.Snapshot(ctx, id)
	if err != nil {
		return snapshot.Summary{}, err
	}
	return snap.Summarize(), nil
}

// Snapshot returns the full latest checkpoint of a run.
func (s *RunService) Snapshot(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	return s.checkpoints.Load(ctx, id)
}

// List returns recent run summaries, newest first.
func (s *RunService) List(ctx context.Context, limit int) ([]snapshot.Summary, error) {
	return s.checkpoints.List(ctx, limit)
}

// Events returns the audit trail of a run.
func (s *RunService) Events(ctx context.Context, id string) ([]event.Event, error) {
	if s.events == nil {
		return nil, fmt.Errorf("%w: no event store configured", domain.ErrNotFound)
	}
	return s.events.LoadBySession(ctx, id)
}

// Cancel stops a run. An active run is cancelled at its next suspension
// point; a run awaiting collaboration has its session expired, which merges
// the workspace and completes it. Terminal runs yield domain.ErrInvalidState.
func (s *RunService) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	cancel, active := s.active[id]
	_, awaiting := s.awaiting[id]
	s.mu.Unlock()

	switch {
	case active:
		cancel(ErrCancelledByCaller)
		s.log.InfoContext(ctx, "run cancel requested", "session_id", id)
		return nil
	case awaiting:
		return s.sessions.Expire(ctx, id)
	}

	snap, err := s.checkpoints.Load(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: run %s is %s", domain.ErrInvalidState, id, snap.Status)
}

// handoff keeps a private copy of the accepted snapshot and opens its session.
func (s *RunService) handoff(ctx context.Context, snap *snapshot.Snapshot) error {
	s.mu.Lock()
	s.awaiting[snap.SessionID] = snap.Clone()
	s.mu.Unlock()

	if _, err := s.sessions.Open(ctx, snap); err != nil {
		s.mu.Lock()
		delete(s.awaiting, snap.SessionID)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *RunService) onSessionFinish(ctx context.Context, f SessionFinish) {
	s.mu.Lock()
	snap, ok := s.awaiting[f.SessionID]
	delete(s.awaiting, f.SessionID)
	s.mu.Unlock()

	if !ok {
		loaded, err := s.checkpoints.Load(ctx, f.SessionID)
		if err != nil {
			s.log.ErrorContext(ctx, "finished session has no run", "session_id", f.SessionID, "error", err)
			return
		}
		snap = loaded
	}
	if _, err := s.orch.FinishCollaboration(ctx, snap, f); err != nil {
		s.log.ErrorContext(ctx, "merge collaboration", "session_id", f.SessionID, "error", err)
		return
	}
	s.checkpoints.Forget(f.SessionID)
}

// SubscribeQueue consumes runs.submit and runs.cancel messages.
func (s *RunService) SubscribeQueue(ctx context.Context, q messagequeue.Queue) (func(), error) {
	cancelSubmit, err := q.Subscribe(ctx, messagequeue.SubjectRunSubmit, s.handleSubmit)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectRunSubmit, err)
	}
	cancelCancel, err := q.Subscribe(ctx, messagequeue.SubjectRunCancel, s.handleCancel)
	if err != nil {
		cancelSubmit()
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectRunCancel, err)
	}
	return func() {
		cancelSubmit()
		cancelCancel()
	}, nil
}

// handleSubmit is idempotent under redelivery: a known session id is acked.
func (s *RunService) handleSubmit(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.RunSubmitPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode run submit: %w", err)
	}
	id, err := s.SubmitWithID(ctx, p.SessionID, p.Request)
	switch {
	case errors.Is(err, domain.ErrConflict):
		s.log.DebugContext(ctx, "duplicate run submit ignored", "session_id", p.SessionID)
		return nil
	case errors.Is(err, domain.ErrValidation):
		s.log.WarnContext(ctx, "invalid run submit dropped", "error", err)
		return nil
	case err != nil:
		return err
	}
	s.log.InfoContext(ctx, "run submitted from queue", "session_id", id)
	return nil
}

func (s *RunService) handleCancel(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.RunCancelPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode run cancel: %w", err)
	}
	if err := s.Cancel(ctx, p.SessionID); err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrInvalidState) {
		return err
	}
	return nil
}

// Shutdown stops accepting runs and waits for active ones. When ctx expires
// first, remaining runs are cancelled and awaited.
func (s *RunService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.stopAll(ErrShuttingDown)
		<-done
		return ctx.Err()
	}
}
