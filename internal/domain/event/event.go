// Package event defines the audit Event emitted on every error record and
// state transition of a run or collaboration session.
package event

import (
	"encoding/json"
	"time"
)

// Kind identifies what an audit event records.
type Kind string

const (
	KindRunStatus        Kind = "run.status"
	KindRunError         Kind = "run.error"
	KindStageCompleted   Kind = "stage.completed"
	KindRevision         Kind = "run.revision"
	KindCheckpointFailed Kind = "checkpoint.failed"

	KindSessionState    Kind = "session.state"
	KindSessionEdit     Kind = "session.edit"
	KindSessionVote     Kind = "session.vote"
	KindSessionConflict Kind = "session.conflict"
)

// Event is a single audit record. Detail is an opaque JSON document whose
// shape depends on Kind; consumers decide how to format or ship it.
type Event struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	Detail    json.RawMessage `json:"detail"`
}

// New builds an Event, marshaling detail to JSON. A detail that cannot be
// marshaled is replaced by an object carrying the marshal error.
func New(sessionID string, kind Kind, detail any, at time.Time) Event {
	raw, err := json.Marshal(detail)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return Event{
		SessionID: sessionID,
		Timestamp: at.UTC(),
		Kind:      kind,
		Detail:    raw,
	}
}

// StatusDetail is the Detail payload of KindRunStatus and KindSessionState.
type StatusDetail struct {
	From string `json:"from"`
	To   string `json:"to"`
}
