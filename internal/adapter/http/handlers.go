package http

import (
	"context"
	"net/http"

	"github.com/Strob0t/PipelineForge/internal/adapter/ws"
	"github.com/Strob0t/PipelineForge/internal/domain/event"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
	"github.com/Strob0t/PipelineForge/internal/service"
)

const defaultListLimit = 50

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handlers holds the HTTP handlers' dependencies.
type Handlers struct {
	Runs     *service.RunService
	Sessions *service.SessionManager
	Hub      *ws.Hub
	Checks   map[string]HealthCheck
}

type submitRunRequest struct {
	SessionID string `json:"session_id,omitempty"`
	snapshot.Request
}

type submitRunResponse struct {
	SessionID string `json:"session_id"`
}

// SubmitRun handles POST /api/v1/runs
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[submitRunRequest](w, r)
	if !ok {
		return
	}

	id, err := h.Runs.SubmitWithID(r.Context(), req.SessionID, req.Request)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusAccepted, submitRunResponse{SessionID: id})
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Runs.List(r.Context(), queryLimit(r, defaultListLimit))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if runs == nil {
		runs = []snapshot.Summary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Runs.Status(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetRunSnapshot handles GET /api/v1/runs/{id}/snapshot
func (h *Handlers) GetRunSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Runs.Snapshot(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListRunEvents handles GET /api/v1/runs/{id}/events
func (h *Handlers) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Runs.Events(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "events not found")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Runs.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "session_id": id})
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(h.Checks))
	for name, check := range h.Checks {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}
