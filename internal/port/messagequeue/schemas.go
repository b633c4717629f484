package messagequeue

import "github.com/Strob0t/PipelineForge/internal/domain/snapshot"

// RunSubmitPayload is the schema for runs.submit messages.
type RunSubmitPayload struct {
	SessionID string           `json:"session_id,omitempty"`
	Request   snapshot.Request `json:"request"`
}

// RunCancelPayload is the schema for runs.cancel messages.
type RunCancelPayload struct {
	SessionID string `json:"session_id"`
}
