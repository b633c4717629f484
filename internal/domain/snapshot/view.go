package snapshot

import (
	"encoding/json"
	"slices"
)

// View is the read-only window a stage or quality gate gets onto a snapshot.
// It wraps a private copy, so holding a View never observes later mutations.
type View struct {
	s *Snapshot
}

func (v View) SessionID() string  { return v.s.SessionID }
func (v View) Request() Request   { return v.s.Request.clone() }
func (v View) RevisionCount() int { return v.s.RevisionCount }
func (v View) Status() Status     { return v.s.Status }

// StageOrder returns the declared stage order.
func (v View) StageOrder() []string { return slices.Clone(v.s.StageOrder) }

// Output returns a copy of the stored result for stage.
func (v View) Output(stage string) (json.RawMessage, bool) {
	out, ok := v.s.Output(stage)
	return slices.Clone(out), ok
}

// Outputs returns a copy of all stage outputs in order.
func (v View) Outputs() []StageOutput {
	return v.s.Clone().StageOutputs
}

// Errors returns a copy of the error log.
func (v View) Errors() []ErrorRecord {
	return slices.Clone(v.s.Errors)
}

// MarshalJSON encodes the underlying snapshot copy.
func (v View) MarshalJSON() ([]byte, error) {
	if v.s == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v.s)
}
