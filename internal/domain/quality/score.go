package quality

import (
	"encoding/json"
	"fmt"

	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
)

// ScoreGate routes on an optional numeric "score" field (0..10) in each
// stage output. Outputs without a score are ignored.
type ScoreGate struct {
	ReviseBelow float64
	AbortBelow  float64
}

type scored struct {
	Score *float64 `json:"score"`
}

// Evaluate aborts if any score is below AbortBelow, otherwise revises from the
// earliest stage scoring below ReviseBelow, otherwise accepts.
func (g ScoreGate) Evaluate(view snapshot.View) Decision {
	outputs := view.Outputs()
	reviseFrom := -1
	for i, o := range outputs {
		var s scored
		if err := json.Unmarshal(o.Result, &s); err != nil || s.Score == nil {
			continue
		}
		if *s.Score < g.AbortBelow {
			return Abort(fmt.Sprintf("stage %s scored %.1f, below abort threshold %.1f", o.Stage, *s.Score, g.AbortBelow))
		}
		if reviseFrom < 0 && *s.Score < g.ReviseBelow {
			reviseFrom = i
		}
	}
	if reviseFrom < 0 {
		return Accept()
	}

	stages := make([]string, 0, len(outputs)-reviseFrom)
	for _, o := range outputs[reviseFrom:] {
		stages = append(stages, o.Stage)
	}
	return Revise(fmt.Sprintf("stage %s below score threshold %.1f", outputs[reviseFrom].Stage, g.ReviseBelow), stages...)
}
