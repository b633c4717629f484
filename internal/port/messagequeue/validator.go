package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch {
	case subject == SubjectRunSubmit:
		var p RunSubmitPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.Request.Goal == "" {
			return fmt.Errorf("schema validation failed for %s: request.goal is required", subject)
		}
	case subject == SubjectRunCancel:
		var p RunCancelPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.SessionID == "" {
			return fmt.Errorf("schema validation failed for %s: session_id is required", subject)
		}
	case strings.HasPrefix(subject, SubjectAuditPrefix+"."):
		var ev struct {
			SessionID string `json:"session_id"`
			Kind      string `json:"kind"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if ev.SessionID == "" || ev.Kind == "" {
			return fmt.Errorf("schema validation failed for %s: session_id and kind are required", subject)
		}
	}
	return nil
}
