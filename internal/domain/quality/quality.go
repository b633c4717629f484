// Package quality defines the Quality Gate decision over a completed run.
package quality

import (
	"fmt"
	"slices"

	"github.com/Strob0t/PipelineForge/internal/domain"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
)

// Verdict is the routing decision of a quality gate.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictRevise Verdict = "revise"
	VerdictAbort  Verdict = "abort"
)

// Decision is the result of Gate.Evaluate. Stages is only set for REVISE and
// names the stages to re-run.
type Decision struct {
	Verdict Verdict  `json:"verdict"`
	Stages  []string `json:"stages,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

func Accept() Decision { return Decision{Verdict: VerdictAccept} }

func Revise(reason string, stages ...string) Decision {
	return Decision{Verdict: VerdictRevise, Stages: stages, Reason: reason}
}

func Abort(reason string) Decision { return Decision{Verdict: VerdictAbort, Reason: reason} }

// Gate is a pure decision function over a snapshot whose stages have all run.
type Gate interface {
	Evaluate(view snapshot.View) Decision
}

// GateFunc adapts a function into a Gate.
type GateFunc func(view snapshot.View) Decision

func (f GateFunc) Evaluate(view snapshot.View) Decision { return f(view) }

// ReviseStart checks that a REVISE decision names a non-empty contiguous
// suffix of order and returns the index where that suffix begins.
func (d Decision) ReviseStart(order []string) (int, error) {
	if d.Verdict != VerdictRevise {
		return 0, fmt.Errorf("%w: decision is %q, not revise", domain.ErrContractViolation, d.Verdict)
	}
	if len(d.Stages) == 0 {
		return 0, fmt.Errorf("%w: revise names no stages", domain.ErrContractViolation)
	}

	idx := make([]int, 0, len(d.Stages))
	for _, name := range d.Stages {
		i := slices.Index(order, name)
		if i < 0 {
			return 0, fmt.Errorf("%w: revise names unknown stage %q", domain.ErrContractViolation, name)
		}
		idx = append(idx, i)
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	start := idx[0]
	if len(idx) != len(order)-start || idx[len(idx)-1] != len(order)-1 {
		return 0, fmt.Errorf("%w: revise stages %v are not a contiguous suffix of %v", domain.ErrContractViolation, d.Stages, order)
	}
	return start, nil
}

// Validate checks that the verdict is known and, for REVISE, that the stage
// list is well-formed against order.
func (d Decision) Validate(order []string) error {
	switch d.Verdict {
	case VerdictAccept, VerdictAbort:
		return nil
	case VerdictRevise:
		_, err := d.ReviseStart(order)
		return err
	default:
		return fmt.Errorf("%w: unknown verdict %q", domain.ErrContractViolation, d.Verdict)
	}
}
