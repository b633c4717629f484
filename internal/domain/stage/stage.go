// Package stage defines the Stage Contract every pipeline stage processor
// implements, and the Outcome it reports back to the orchestrator.
package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/PipelineForge/internal/domain"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
)

// Stage is one unit of sequential pipeline work. Execute must be idempotent
// with respect to being re-invoked with an unchanged view and should return
// promptly once ctx is cancelled.
type Stage interface {
	Name() string
	Execute(ctx context.Context, view snapshot.View) Outcome
}

// Fallbacker is implemented by stages that have a reduced-scope variant used
// for DEGRADABLE recovery. The fallback produces the same output shape.
type Fallbacker interface {
	Fallback(ctx context.Context, view snapshot.View) Outcome
}

type outcomeKind int

const (
	kindUnset outcomeKind = iota
	kindSuccess
	kindFailure
)

// Outcome is either Success(result) or Failure(classification, message).
// The zero value is neither and is rejected as a contract violation.
type Outcome struct {
	kind           outcomeKind
	Result         json.RawMessage
	Classification snapshot.Classification
	Message        string
}

// Success reports a stage result. result must be a valid JSON document.
func Success(result json.RawMessage) Outcome {
	return Outcome{kind: kindSuccess, Result: result}
}

// SuccessJSON marshals v as the stage result.
func SuccessJSON(v any) Outcome {
	raw, err := json.Marshal(v)
	if err != nil {
		return Failure(snapshot.ClassFatal, fmt.Sprintf("marshal result: %v", err))
	}
	return Success(raw)
}

// Failure reports a classified stage failure.
func Failure(class snapshot.Classification, message string) Outcome {
	return Outcome{kind: kindFailure, Classification: class, Message: message}
}

func (o Outcome) IsSuccess() bool { return o.kind == kindSuccess }
func (o Outcome) IsFailure() bool { return o.kind == kindFailure }

// Validate reports a domain.ErrContractViolation for ill-formed outcomes.
func (o Outcome) Validate() error {
	switch o.kind {
	case kindSuccess:
		if len(o.Result) == 0 || !json.Valid(o.Result) {
			return fmt.Errorf("%w: success result is not valid JSON", domain.ErrContractViolation)
		}
	case kindFailure:
		if !o.Classification.IsValidStageClass() {
			return fmt.Errorf("%w: unknown failure classification %q", domain.ErrContractViolation, o.Classification)
		}
	default:
		return fmt.Errorf("%w: outcome is neither success nor failure", domain.ErrContractViolation)
	}
	return nil
}

// ExecFunc is the function form of Stage.Execute.
type ExecFunc func(ctx context.Context, view snapshot.View) Outcome

type funcStage struct {
	name string
	exec ExecFunc
}

func (f *funcStage) Name() string { return f.name }

func (f *funcStage) Execute(ctx context.Context, view snapshot.View) Outcome {
	return f.exec(ctx, view)
}

// FromFunc adapts a function into a Stage.
func FromFunc(name string, exec ExecFunc) Stage {
	return &funcStage{name: name, exec: exec}
}

type withFallback struct {
	Stage
	fallback ExecFunc
}

func (w *withFallback) Fallback(ctx context.Context, view snapshot.View) Outcome {
	return w.fallback(ctx, view)
}

// WithFallback attaches a fallback variant to s.
func WithFallback(s Stage, fallback ExecFunc) Stage {
	return &withFallback{Stage: s, fallback: fallback}
}
