package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/Strob0t/PipelineForge/internal/adapter/memory"
	"github.com/Strob0t/PipelineForge/internal/config"
	"github.com/Strob0t/PipelineForge/internal/domain/event"
	"github.com/Strob0t/PipelineForge/internal/domain/quality"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
	"github.com/Strob0t/PipelineForge/internal/domain/stage"
	"github.com/Strob0t/PipelineForge/internal/port/messagequeue"
)

// scripted is a stage whose n-th call returns script[n], repeating the last
// entry once the script runs out.
type scripted struct {
	name     string
	script   []stage.Outcome
	fallback *stage.Outcome

	mu        sync.Mutex
	calls     int
	fallbacks int
}

func newScripted(name string, script ...stage.Outcome) *scripted {
	return &scripted{name: name, script: script}
}

func okStage(name string) *scripted {
	return newScripted(name, stage.SuccessJSON(map[string]string{"stage": name}))
}

func (s *scripted) withFallback(out stage.Outcome) *scripted {
	s.fallback = &out
	return s
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Execute(_ context.Context, _ snapshot.View) stage.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.script)-1)
	s.calls++
	return s.script[i]
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fallbackStage exposes the Fallbacker interface only when a fallback is set.
type fallbackStage struct{ *scripted }

func (f fallbackStage) Fallback(_ context.Context, _ snapshot.View) stage.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbacks++
	return *f.fallback
}

func (s *scripted) stage() stage.Stage {
	if s.fallback != nil {
		return fallbackStage{s}
	}
	return s
}

func transient(msg string) stage.Outcome { return stage.Failure(snapshot.ClassTransient, msg) }
func degradable(msg string) stage.Outcome {
	return stage.Failure(snapshot.ClassDegradable, msg)
}
func fatal(msg string) stage.Outcome { return stage.Failure(snapshot.ClassFatal, msg) }

// countingGate returns decisions[n] on its n-th call, repeating the last one.
type countingGate struct {
	mu        sync.Mutex
	decisions []quality.Decision
	calls     int
}

func (g *countingGate) Evaluate(_ snapshot.View) quality.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := min(g.calls, len(g.decisions)-1)
	g.calls++
	return g.decisions[i]
}

func (g *countingGate) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func acceptGate() *countingGate { return &countingGate{decisions: []quality.Decision{quality.Accept()}} }

// auditRecorder collects every audit event.
type auditRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *auditRecorder) handle(_ context.Context, ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *auditRecorder) kinds(kind event.Kind) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	orch   *Orchestrator
	store  *memory.CheckpointStore
	cps    *CheckpointService
	audit  *AuditBus
	events *auditRecorder
}

func defaultOrchConfig() config.Orchestrator {
	return config.Orchestrator{MaxRevisions: 2, MaxRetries: 2, MaxConcurrentRuns: 4}
}

func newHarness(t *testing.T, gate quality.Gate, cfg config.Orchestrator, stages ...*scripted) *harness {
	t.Helper()
	list := make([]stage.Stage, 0, len(stages))
	for _, s := range stages {
		list = append(list, s.stage())
	}
	p, err := stage.NewPipeline(list...)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	rec := &auditRecorder{}
	bus := NewAuditBus(nil)
	bus.SubscribeAll(rec.handle)

	store := memory.NewCheckpointStore()
	cps := NewCheckpointService(store, nil, 0)
	sup := NewSupervisor(RecoveryPolicy{
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		AttemptTimeout: cfg.StageTimeout,
	}, nil)
	return &harness{
		orch:   NewOrchestrator(p, gate, sup, cps, bus, cfg, nil),
		store:  store,
		cps:    cps,
		audit:  bus,
		events: rec,
	}
}

func request() snapshot.Request {
	return snapshot.Request{Goal: "explain goroutines", SkillLevel: snapshot.SkillBeginner}
}

func countClass(errs []snapshot.ErrorRecord, class snapshot.Classification) int {
	n := 0
	for _, e := range errs {
		if e.Classification == class {
			n++
		}
	}
	return n
}

func countKind(errs []snapshot.ErrorRecord, kind snapshot.ErrorKind) int {
	n := 0
	for _, e := range errs {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func outputKeys(s *snapshot.Snapshot) string {
	return fmt.Sprint(s.OutputKeys())
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// mockQueue implements messagequeue.Queue and lets tests deliver messages.
type mockQueue struct {
	mu        sync.Mutex
	handlers  map[string]messagequeue.Handler
	published []string
}

func (q *mockQueue) Publish(_ context.Context, subject string, _ []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, subject)
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handlers == nil {
		q.handlers = make(map[string]messagequeue.Handler)
	}
	q.handlers[subject] = h
	return func() {}, nil
}

func (q *mockQueue) deliver(t *testing.T, subject string, data []byte) {
	t.Helper()
	q.mu.Lock()
	h := q.handlers[subject]
	q.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %s", subject)
	}
	if err := h(context.Background(), subject, data); err != nil {
		t.Fatalf("handler %s: %v", subject, err)
	}
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }
