package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	cfhttp "github.com/Strob0t/PipelineForge/internal/adapter/http"
	"github.com/Strob0t/PipelineForge/internal/adapter/memory"
	"github.com/Strob0t/PipelineForge/internal/config"
	"github.com/Strob0t/PipelineForge/internal/domain/collab"
	"github.com/Strob0t/PipelineForge/internal/domain/quality"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
	"github.com/Strob0t/PipelineForge/internal/domain/stage"
	"github.com/Strob0t/PipelineForge/internal/pool"
	"github.com/Strob0t/PipelineForge/internal/service"
)

func echoStage(name string) stage.Stage {
	return stage.FromFunc(name, func(_ context.Context, view snapshot.View) stage.Outcome {
		return stage.SuccessJSON(map[string]string{"stage": name, "goal": view.Request().Goal})
	})
}

func newTestServer(t *testing.T, checks map[string]cfhttp.HealthCheck) *httptest.Server {
	t.Helper()
	p, err := stage.NewPipeline(echoStage("outline"), echoStage("draft"))
	if err != nil {
		t.Fatal(err)
	}

	events := memory.NewEventStore()
	bus := service.NewAuditBus(nil)
	bus.SubscribeAll(service.EventStoreSink(events, slog.Default()))

	orchCfg := config.Orchestrator{MaxRevisions: 2, MaxRetries: 2, MaxConcurrentRuns: 2}
	cps := service.NewCheckpointService(memory.NewCheckpointStore(), nil, 0)
	sup := service.NewSupervisor(service.RecoveryPolicy{MaxRetries: orchCfg.MaxRetries}, nil)
	gate := quality.GateFunc(func(snapshot.View) quality.Decision { return quality.Accept() })
	orch := service.NewOrchestrator(p, gate, sup, cps, bus, orchCfg, nil)
	sessions := service.NewSessionManager(config.Collaboration{SessionTimeout: time.Minute}, bus, nil)
	runs := service.NewRunService(orch, cps, sessions, events, pool.New(2), nil)

	r := chi.NewRouter()
	cfhttp.MountRoutes(r, &cfhttp.Handlers{Runs: runs, Sessions: sessions, Checks: checks}, nil)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runs.Shutdown(ctx)
	})
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func waitForRunStatus(t *testing.T, base, id string, want snapshot.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		code, body := doJSON(t, http.MethodGet, base+"/api/v1/runs/"+id, nil)
		if code == http.StatusOK {
			sum := decode[snapshot.Summary](t, body)
			if sum.Status == want {
				return
			}
			last = string(sum.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected run %s to reach %s, last saw %q", id, want, last)
}

func TestSubmitRunCompletes(t *testing.T) {
	srv := newTestServer(t, nil)

	code, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/runs", map[string]any{
		"session_id": "run-1",
		"goal":       "explain channels",
	})
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", code, body)
	}
	if got := decode[map[string]string](t, body)["session_id"]; got != "run-1" {
		t.Fatalf("expected session_id run-1, got %q", got)
	}

	waitForRunStatus(t, srv.URL, "run-1", snapshot.StatusCompleted)

	code, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/runs/run-1/snapshot", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	snap := decode[snapshot.Snapshot](t, body)
	if len(snap.StageOutputs) != 2 || snap.StageOutputs[1].Stage != "draft" {
		t.Fatalf("expected outline and draft outputs, got %+v", snap.StageOutputs)
	}

	code, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/runs", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if runs := decode[[]snapshot.Summary](t, body); len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	code, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/runs/run-1/events", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if events := decode[[]json.RawMessage](t, body); len(events) == 0 {
		t.Fatal("expected audit events for the run")
	}
}

func TestSubmitRunErrors(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing goal", map[string]any{"goal": ""}, http.StatusBadRequest},
		{"bad skill level", map[string]any{"goal": "x", "skill_level": "guru"}, http.StatusBadRequest},
		{"collaborative without finalizer", map[string]any{
			"goal":          "x",
			"collaborative": true,
			"collaborators": []map[string]any{{"id": "a", "can_vote": true}},
		}, http.StatusBadRequest},
		{"not json", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/runs", tt.body)
			if code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, code, body)
			}
		})
	}
}

func TestSubmitDuplicateRunConflicts(t *testing.T) {
	srv := newTestServer(t, nil)
	req := map[string]any{"session_id": "dup", "goal": "x"}

	if code, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/runs", req); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	waitForRunStatus(t, srv.URL, "dup", snapshot.StatusCompleted)
	if code, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/runs", req); code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
}

func TestUnknownRunAndSession(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, path := range []string{
		"/api/v1/runs/nope",
		"/api/v1/runs/nope/snapshot",
		"/api/v1/sessions/nope",
	} {
		if code, _ := doJSON(t, http.MethodGet, srv.URL+path, nil); code != http.StatusNotFound {
			t.Errorf("GET %s: expected 404, got %d", path, code)
		}
	}
	if code, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/runs/nope/cancel", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 on cancel, got %d", code)
	}
	if code, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/nope/expire", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 on expire, got %d", code)
	}
}

func TestCancelCompletedRunIsInvalidState(t *testing.T) {
	srv := newTestServer(t, nil)
	doJSON(t, http.MethodPost, srv.URL+"/api/v1/runs", map[string]any{"session_id": "done", "goal": "x"})
	waitForRunStatus(t, srv.URL, "done", snapshot.StatusCompleted)

	// The worker may still be releasing the run right after the final checkpoint.
	deadline := time.Now().Add(5 * time.Second)
	for {
		code, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/runs/done/cancel", nil)
		if code == http.StatusConflict {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 409, got %d: %s", code, body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCollaborativeRunOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	base := srv.URL + "/api/v1"

	code, body := doJSON(t, http.MethodPost, base+"/runs", map[string]any{
		"session_id":    "collab-1",
		"goal":          "teach maps",
		"collaborative": true,
		"collaborators": []map[string]any{
			{"id": "alice", "can_propose": true, "can_vote": true, "can_finalize": true},
			{"id": "bob", "can_propose": true, "can_vote": true},
			{"id": "carol", "can_vote": true},
		},
	})
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", code, body)
	}
	waitForRunStatus(t, srv.URL, "collab-1", snapshot.StatusAwaitingCollaboration)

	// The awaiting checkpoint is written just before the session opens.
	deadline := time.Now().Add(5 * time.Second)
	for {
		code, body = doJSON(t, http.MethodGet, base+"/sessions/collab-1", nil)
		if code == http.StatusOK || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	sess := decode[collab.Session](t, body)
	if sess.State != collab.StateOpen || sess.Workspace["draft"].Version != 0 {
		t.Fatalf("expected open session with draft at version 0, got %+v", sess)
	}

	edit := func(participant string, base int64, value string) (int, collab.EditResult) {
		code, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/collab-1/edits", map[string]any{
			"participant":  participant,
			"field":        "draft",
			"base_version": base,
			"value":        value,
		})
		var res collab.EditResult
		if code == http.StatusOK || code == http.StatusConflict {
			res = decode[collab.EditResult](t, body)
		}
		return code, res
	}

	if code, res := edit("bob", 0, "bob's draft"); code != http.StatusOK || res.Version != 1 {
		t.Fatalf("expected applied edit at version 1, got %d %+v", code, res)
	}
	code, res := edit("alice", 0, "stale")
	if code != http.StatusConflict || res.Status != collab.EditConflict || res.Version != 1 {
		t.Fatalf("expected 409 conflict at version 1, got %d %+v", code, res)
	}
	if string(res.Value) != `"bob's draft"` {
		t.Fatalf("expected conflict to carry current value, got %s", res.Value)
	}
	if code, _ := edit("carol", 1, "no rights"); code != http.StatusForbidden {
		t.Fatalf("expected 403 for voter-only edit, got %d", code)
	}

	if code, _ := doJSON(t, http.MethodPost, base+"/sessions/collab-1/proposals", map[string]any{"participant": "bob"}); code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-finalizer proposal, got %d", code)
	}
	code, body = doJSON(t, http.MethodPost, base+"/sessions/collab-1/proposals", map[string]any{"participant": "alice"})
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", code, body)
	}
	proposalID := decode[map[string]string](t, body)["proposal_id"]

	if code, _ := edit("bob", 1, "during vote"); code != http.StatusConflict {
		t.Fatalf("expected 409 for edit while voting, got %d", code)
	}

	vote := func(participant, ballot string) (int, collab.Tally) {
		code, body := doJSON(t, http.MethodPost, base+"/sessions/collab-1/votes", map[string]any{
			"participant": participant,
			"proposal_id": proposalID,
			"ballot":      ballot,
		})
		var tally collab.Tally
		if code == http.StatusOK {
			tally = decode[collab.Tally](t, body)
		}
		return code, tally
	}

	if code, _ := vote("bob", "maybe"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad ballot, got %d", code)
	}
	if code, tally := vote("alice", "approve"); code != http.StatusOK || tally.Outcome != collab.OutcomePending {
		t.Fatalf("expected pending tally, got %d %+v", code, tally)
	}
	if code, tally := vote("bob", "approve"); code != http.StatusOK || tally.Outcome != collab.OutcomeApproved {
		t.Fatalf("expected approved tally, got %d %+v", code, tally)
	}

	waitForRunStatus(t, srv.URL, "collab-1", snapshot.StatusCompleted)
	_, body = doJSON(t, http.MethodGet, base+"/runs/collab-1/snapshot", nil)
	snap := decode[snapshot.Snapshot](t, body)
	out, ok := snap.Output("draft")
	if !ok || string(out) != `"bob's draft"` {
		t.Fatalf("expected merged draft, got %s", out)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]cfhttp.HealthCheck
		want   int
	}{
		{"no checks", nil, http.StatusOK},
		{"all ok", map[string]cfhttp.HealthCheck{
			"postgres": func(context.Context) error { return nil },
		}, http.StatusOK},
		{"one down", map[string]cfhttp.HealthCheck{
			"postgres": func(context.Context) error { return nil },
			"nats":     func(context.Context) error { return errors.New("disconnected") },
		}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.checks)
			code, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
			if code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, code, body)
			}
		})
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	code, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got := decode[map[string]string](t, body)["version"]; got != cfhttp.Version {
		t.Fatalf("expected version %s, got %s", cfhttp.Version, got)
	}
}

func TestWriteRoutesUseMiddleware(t *testing.T) {
	var hits []string
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits = append(hits, fmt.Sprintf("%s %s", r.Method, r.URL.Path))
			next.ServeHTTP(w, r)
		})
	}
	r := chi.NewRouter()
	cfhttp.MountRoutes(r, &cfhttp.Handlers{}, mw)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewBufferString("{"))
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/", http.NoBody))

	if len(hits) != 1 || hits[0] != "POST /api/v1/runs" {
		t.Fatalf("expected middleware on write route only, got %v", hits)
	}
}
