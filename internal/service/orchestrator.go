package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/PipelineForge/internal/adapter/otel"
	"github.com/Strob0t/PipelineForge/internal/config"
	"github.com/Strob0t/PipelineForge/internal/domain"
	"github.com/Strob0t/PipelineForge/internal/domain/collab"
	"github.com/Strob0t/PipelineForge/internal/domain/event"
	"github.com/Strob0t/PipelineForge/internal/domain/quality"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
	"github.com/Strob0t/PipelineForge/internal/domain/stage"
	"github.com/Strob0t/PipelineForge/internal/logger"
)

// gateStage names the quality gate in error records.
const gateStage = "quality_gate"

// HandoffFunc receives a snapshot that entered AWAITING_COLLABORATION.
type HandoffFunc func(ctx context.Context, snap *snapshot.Snapshot) error

// Orchestrator drives a fixed pipeline of stages over one snapshot per run.
// Each call to Run owns its snapshot exclusively; runs share nothing but the
// checkpoint service.
type Orchestrator struct {
	pipeline    *stage.Pipeline
	gate        quality.Gate
	supervisor  *Supervisor
	checkpoints *CheckpointService
	audit       *AuditBus
	cfg         config.Orchestrator
	handoff     HandoffFunc
	metrics     *cfotel.Metrics
	log         *slog.Logger
	now         func() time.Time
}

// NewOrchestrator creates an Orchestrator. The stage table is resolved once
// here; Run never looks stages up by anything but their declared position.
func NewOrchestrator(
	pipeline *stage.Pipeline,
	gate quality.Gate,
	supervisor *Supervisor,
	checkpoints *CheckpointService,
	audit *AuditBus,
	cfg config.Orchestrator,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	cfg.MaxRevisions = max(cfg.MaxRevisions, 0)
	return &Orchestrator{
		pipeline:    pipeline,
		gate:        gate,
		supervisor:  supervisor,
		checkpoints: checkpoints,
		audit:       audit,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
	}
}

// SetHandoff registers where collaborative runs are handed after acceptance.
func (o *Orchestrator) SetHandoff(fn HandoffFunc) { o.handoff = fn }

// SetMetrics enables metric recording.
func (o *Orchestrator) SetMetrics(m *cfotel.Metrics) { o.metrics = m }

// StageNames returns the declared stage order.
func (o *Orchestrator) StageNames() []string { return o.pipeline.Names() }

// Run executes a new run for req and returns its final snapshot. The
// snapshot is returned in every case. The error is non-nil only when a stage
// or the gate violated its contract (domain.ErrContractViolation) or ctx was
// cancelled; the snapshot is FAILED in both cases.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, req snapshot.Request) (*snapshot.Snapshot, error) {
	return o.Resume(ctx, o.Prepare(ctx, sessionID, req))
}

// Prepare creates and checkpoints the RUNNING snapshot of a new run without
// executing any stage. An empty sessionID gets a fresh UUID.
func (o *Orchestrator) Prepare(ctx context.Context, sessionID string, req snapshot.Request) *snapshot.Snapshot {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	snap := snapshot.New(sessionID, req, o.pipeline.Names(), o.now())
	ctx = logger.WithSessionID(ctx, sessionID)

	if o.metrics != nil {
		o.metrics.RunsStarted.Add(ctx, 1)
	}
	o.emitStatus(ctx, snap, "", snapshot.StatusRunning)
	o.checkpoint(ctx, snap)
	return snap
}

// Resume drives a RUNNING snapshot, new or loaded from a checkpoint, to its
// next resting status. Snapshots in any other status are returned unchanged.
// A snapshot whose stage order differs from the configured pipeline fails
// with a FATAL record and no stage runs.
func (o *Orchestrator) Resume(ctx context.Context, snap *snapshot.Snapshot) (*snapshot.Snapshot, error) {
	if snap.Status != snapshot.StatusRunning {
		return snap, nil
	}
	ctx = logger.WithSessionID(ctx, snap.SessionID)
	if names := o.pipeline.Names(); !slices.Equal(snap.StageOrder, names) {
		o.appendError(ctx, snap, snapshot.ErrorRecord{
			Kind:           snapshot.KindFailure,
			Classification: snapshot.ClassFatal,
			Message:        fmt.Sprintf("checkpointed stage order %v does not match configured pipeline %v", snap.StageOrder, names),
			Timestamp:      o.now(),
		})
		return o.fail(ctx, snap), nil
	}
	if len(snap.StageOutputs) > 0 {
		o.log.InfoContext(ctx, "resuming run", "completed_stages", len(snap.StageOutputs), "revision", snap.RevisionCount)
	}
	return o.drive(ctx, snap)
}

// FinishCollaboration merges a finished session's workspace into snap and
// completes the run. An expired session is merged as-is and noted in errors.
func (o *Orchestrator) FinishCollaboration(ctx context.Context, snap *snapshot.Snapshot, f SessionFinish) (*snapshot.Snapshot, error) {
	if snap.Status != snapshot.StatusAwaitingCollaboration {
		return snap, fmt.Errorf("%w: run %s is %s", domain.ErrInvalidState, snap.SessionID, snap.Status)
	}
	ctx = logger.WithSessionID(ctx, snap.SessionID)

	for _, name := range sortedKeys(f.Values) {
		if err := snap.ReplaceOutput(name, f.Values[name]); err != nil {
			o.log.WarnContext(ctx, "workspace field without stage output", "field", name, "error", err)
		}
	}
	if f.State == collab.StateExpired {
		o.appendError(ctx, snap, snapshot.ErrorRecord{
			Kind:      snapshot.KindCollaborationTimeout,
			Message:   "collaboration session expired before finalize; workspace merged as-is",
			Timestamp: o.now(),
		})
	}
	o.transition(ctx, snap, snapshot.StatusCompleted)
	o.checkpoint(ctx, snap)
	o.log.InfoContext(ctx, "collaboration merged", "session_state", f.State, "fields", len(f.Values))
	return snap, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (o *Orchestrator) drive(ctx context.Context, snap *snapshot.Snapshot) (*snapshot.Snapshot, error) {
	start := o.now()
	ctx, span := cfotel.StartRunSpan(ctx, snap.SessionID, o.pipeline.Len())
	defer span.End()

	result, err := o.loop(ctx, snap)

	span.SetAttributes(
		attribute.String("run.status", string(result.Status)),
		attribute.Int("run.revisions", result.RevisionCount),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if o.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("status", string(result.Status)))
		switch result.Status {
		case snapshot.StatusFailed:
			o.metrics.RunsFailed.Add(ctx, 1, attrs)
		case snapshot.StatusCompleted, snapshot.StatusAwaitingCollaboration:
			o.metrics.RunsCompleted.Add(ctx, 1, attrs)
		}
		o.metrics.RunDuration.Record(ctx, o.now().Sub(start).Seconds(), attrs)
	}
	o.log.InfoContext(ctx, "run finished",
		"status", result.Status,
		"revisions", result.RevisionCount,
		"errors", len(result.Errors),
		"duration", o.now().Sub(start),
	)
	return result, err
}

// loop is the bounded stage/gate iteration. Termination does not depend on
// the gate: at most MaxRevisions+1 traversals of the stage order happen.
func (o *Orchestrator) loop(ctx context.Context, snap *snapshot.Snapshot) (*snapshot.Snapshot, error) {
	record := func(rec snapshot.ErrorRecord) { o.appendError(ctx, snap, rec) }

	for {
		for name := snap.NextStage(); name != ""; name = snap.NextStage() {
			if err := ctx.Err(); err != nil {
				return o.cancel(ctx, snap, name, err)
			}

			st, ok := o.pipeline.Lookup(name)
			if !ok {
				return o.contractViolation(ctx, snap, name, fmt.Errorf("%w: stage %q is not in the pipeline", domain.ErrContractViolation, name))
			}
			sctx, span := cfotel.StartStageSpan(ctx, snap.SessionID, name, snap.RevisionCount)
			res, err := o.supervisor.Execute(sctx, st, snap.View(), record)
			span.SetAttributes(attribute.Int("stage.invocations", res.Invocations))
			span.End()

			switch {
			case errors.Is(err, domain.ErrContractViolation):
				return o.fail(ctx, snap), err
			case err != nil:
				return o.cancel(ctx, snap, name, err)
			case res.Fatal:
				return o.fail(ctx, snap), nil
			}

			if err := snap.PutOutput(name, res.Output); err != nil {
				return o.contractViolation(ctx, snap, name, err)
			}
			o.audit.Emit(ctx, snap.SessionID, event.KindStageCompleted, map[string]any{
				"stage":    name,
				"revision": snap.RevisionCount,
			})
			o.checkpoint(ctx, snap)
		}

		decision, err := o.evaluate(ctx, snap)
		if err != nil {
			return o.contractViolation(ctx, snap, gateStage, err)
		}

		switch decision.Verdict {
		case quality.VerdictAccept:
			return o.accept(ctx, snap)

		case quality.VerdictAbort:
			o.appendError(ctx, snap, snapshot.ErrorRecord{
				Stage:          gateStage,
				Kind:           snapshot.KindFailure,
				Classification: snapshot.ClassFatal,
				Message:        "quality gate aborted: " + decision.Reason,
				Timestamp:      o.now(),
			})
			return o.fail(ctx, snap), nil

		case quality.VerdictRevise:
			if snap.RevisionCount >= o.cfg.MaxRevisions {
				o.appendError(ctx, snap, snapshot.ErrorRecord{
					Stage:     gateStage,
					Kind:      snapshot.KindQualityWarning,
					Message:   fmt.Sprintf("revision limit %d reached, accepting as-is: %s", o.cfg.MaxRevisions, decision.Reason),
					Timestamp: o.now(),
				})
				return o.accept(ctx, snap)
			}
			if err := o.revise(ctx, snap, decision); err != nil {
				return o.contractViolation(ctx, snap, gateStage, err)
			}
		}
	}
}

// evaluate runs the gate on a read-only view and validates its decision.
func (o *Orchestrator) evaluate(ctx context.Context, snap *snapshot.Snapshot) (d quality.Decision, err error) {
	_, span := cfotel.StartGateSpan(ctx, snap.SessionID, snap.RevisionCount)
	defer span.End()

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: quality gate panicked: %v", domain.ErrContractViolation, r)
			}
		}()
		d = o.gate.Evaluate(snap.View())
	}()
	if err != nil {
		return quality.Decision{}, err
	}
	if err := d.Validate(snap.StageOrder); err != nil {
		return quality.Decision{}, err
	}
	span.SetAttributes(attribute.String("gate.verdict", string(d.Verdict)))
	return d, nil
}

// revise resets the flagged suffix and bumps the revision counter. A suffix
// reaching back before the stages re-run by the previous revision is clamped
// to that point.
func (o *Orchestrator) revise(ctx context.Context, snap *snapshot.Snapshot, d quality.Decision) error {
	start, err := d.ReviseStart(snap.StageOrder)
	if err != nil {
		return err
	}
	floor := revisionFloor(snap)
	if start < floor {
		o.log.DebugContext(ctx, "revise clamped", "requested", snap.StageOrder[start], "floor", snap.StageOrder[floor])
		start = floor
	}

	snap.RevisionCount++
	if _, err := snap.ResetFrom(snap.StageOrder[start]); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.Revisions.Add(ctx, 1)
	}
	o.audit.Emit(ctx, snap.SessionID, event.KindRevision, map[string]any{
		"revision":   snap.RevisionCount,
		"from_stage": snap.StageOrder[start],
		"reason":     d.Reason,
	})
	o.checkpoint(ctx, snap)
	return nil
}

// revisionFloor is the first stage index re-run by the latest revision, or 0
// before any revision. It is derived from the snapshot so it survives resume.
func revisionFloor(snap *snapshot.Snapshot) int {
	if snap.RevisionCount == 0 {
		return 0
	}
	for i, out := range snap.StageOutputs {
		if out.Revision == snap.RevisionCount {
			return i
		}
	}
	return len(snap.StageOutputs)
}

func (o *Orchestrator) accept(ctx context.Context, snap *snapshot.Snapshot) (*snapshot.Snapshot, error) {
	if !snap.Request.Collaborative || o.handoff == nil {
		o.transition(ctx, snap, snapshot.StatusCompleted)
		o.checkpoint(ctx, snap)
		return snap, nil
	}

	o.transition(ctx, snap, snapshot.StatusAwaitingCollaboration)
	o.checkpoint(ctx, snap)
	if err := o.handoff(ctx, snap); err != nil {
		o.appendError(ctx, snap, snapshot.ErrorRecord{
			Kind:           snapshot.KindFailure,
			Classification: snapshot.ClassFatal,
			Message:        "collaboration handoff failed: " + err.Error(),
			Timestamp:      o.now(),
		})
		return o.fail(ctx, snap), nil
	}
	return snap, nil
}

func (o *Orchestrator) contractViolation(ctx context.Context, snap *snapshot.Snapshot, where string, err error) (*snapshot.Snapshot, error) {
	o.appendError(ctx, snap, snapshot.ErrorRecord{
		Stage:          where,
		Kind:           snapshot.KindFailure,
		Classification: snapshot.ClassContractViolation,
		Message:        err.Error(),
		Timestamp:      o.now(),
	})
	return o.fail(ctx, snap), err
}

func (o *Orchestrator) cancel(ctx context.Context, snap *snapshot.Snapshot, stageName string, err error) (*snapshot.Snapshot, error) {
	msg := err.Error()
	if cause := context.Cause(ctx); cause != nil && cause != err {
		msg = cause.Error()
	}
	o.appendError(ctx, snap, snapshot.ErrorRecord{
		Stage:          stageName,
		Kind:           snapshot.KindCancelled,
		Classification: snapshot.ClassFatal,
		Message:        "run cancelled: " + msg,
		Timestamp:      o.now(),
	})
	return o.fail(ctx, snap), err
}

func (o *Orchestrator) fail(ctx context.Context, snap *snapshot.Snapshot) *snapshot.Snapshot {
	o.transition(ctx, snap, snapshot.StatusFailed)
	o.checkpoint(ctx, snap)
	return snap
}

// transition moves the snapshot and emits the audit event. Illegal moves are
// a bug in the orchestrator itself and are only logged.
func (o *Orchestrator) transition(ctx context.Context, snap *snapshot.Snapshot, to snapshot.Status) {
	from := snap.Status
	if err := snap.Transition(to); err != nil {
		o.log.ErrorContext(ctx, "illegal status transition", "error", err)
		return
	}
	o.emitStatus(ctx, snap, from, to)
}

func (o *Orchestrator) emitStatus(ctx context.Context, snap *snapshot.Snapshot, from, to snapshot.Status) {
	o.audit.Emit(ctx, snap.SessionID, event.KindRunStatus, event.StatusDetail{From: string(from), To: string(to)})
}

func (o *Orchestrator) appendError(ctx context.Context, snap *snapshot.Snapshot, rec snapshot.ErrorRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = o.now()
	}
	snap.AppendError(rec)
	o.audit.Emit(ctx, snap.SessionID, event.KindRunError, rec)
	o.log.WarnContext(ctx, "run error recorded",
		"stage", rec.Stage,
		"kind", rec.Kind,
		"classification", rec.Classification,
		"message", rec.Message,
	)
}

// checkpoint persists snap. Failures are surfaced as audit events and do not
// stop the run; the next successful save supersedes the missed one.
func (o *Orchestrator) checkpoint(ctx context.Context, snap *snapshot.Snapshot) {
	if err := o.checkpoints.Save(context.WithoutCancel(ctx), snap); err != nil {
		o.log.ErrorContext(ctx, "checkpoint failed", "error", err)
		o.audit.Emit(ctx, snap.SessionID, event.KindCheckpointFailed, map[string]string{"error": err.Error()})
	}
}
