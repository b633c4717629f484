package http

import (
	"encoding/json"
	"net/http"

	"github.com/Strob0t/PipelineForge/internal/domain/collab"
)

type editRequest struct {
	Participant string          `json:"participant"`
	Field       string          `json:"field"`
	BaseVersion int64           `json:"base_version"`
	Value       json.RawMessage `json:"value"`
}

type proposeRequest struct {
	Participant string `json:"participant"`
}

type proposeResponse struct {
	ProposalID string `json:"proposal_id"`
}

type voteRequest struct {
	Participant string        `json:"participant"`
	ProposalID  string        `json:"proposal_id"`
	Ballot      collab.Ballot `json:"ballot"`
}

// GetSession handles GET /api/v1/sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sessions.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ProposeEdit handles POST /api/v1/sessions/{id}/edits
// A stale base_version answers 409 with the field's current version and value.
func (h *Handlers) ProposeEdit(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[editRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Participant, "participant") || !requireField(w, req.Field, "field") {
		return
	}

	res, err := h.Sessions.ApplyEdit(r.Context(), urlParam(r, "id"), req.Participant, req.Field, req.BaseVersion, req.Value)
	if err != nil {
		writeDomainError(w, err, "session or field not found")
		return
	}
	if res.Status == collab.EditConflict {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ProposeFinalize handles POST /api/v1/sessions/{id}/proposals
func (h *Handlers) ProposeFinalize(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[proposeRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Participant, "participant") {
		return
	}

	proposalID, err := h.Sessions.ProposeFinalize(r.Context(), urlParam(r, "id"), req.Participant)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusCreated, proposeResponse{ProposalID: proposalID})
}

// Vote handles POST /api/v1/sessions/{id}/votes
func (h *Handlers) Vote(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[voteRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Participant, "participant") || !requireField(w, req.ProposalID, "proposal_id") {
		return
	}
	if req.Ballot != collab.BallotApprove && req.Ballot != collab.BallotReject {
		writeError(w, http.StatusBadRequest, "ballot must be approve or reject")
		return
	}

	tally, err := h.Sessions.Vote(r.Context(), urlParam(r, "id"), req.Participant, req.ProposalID, req.Ballot)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

// ExpireSession handles POST /api/v1/sessions/{id}/expire
func (h *Handlers) ExpireSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Sessions.Expire(r.Context(), id); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(collab.StateExpired), "session_id": id})
}
