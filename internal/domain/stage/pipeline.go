package stage

import (
	"fmt"

	"github.com/Strob0t/PipelineForge/internal/domain"
)

// Pipeline is the declared, ordered stage table resolved once at
// orchestrator construction.
type Pipeline struct {
	stages []Stage
	index  map[string]int
}

// NewPipeline builds a Pipeline. Stage names must be non-empty and unique.
func NewPipeline(stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: pipeline needs at least one stage", domain.ErrValidation)
	}
	p := &Pipeline{index: make(map[string]int, len(stages))}
	for i, s := range stages {
		name := s.Name()
		if name == "" {
			return nil, fmt.Errorf("%w: stage %d has no name", domain.ErrValidation, i)
		}
		if _, dup := p.index[name]; dup {
			return nil, fmt.Errorf("%w: duplicate stage %q", domain.ErrValidation, name)
		}
		p.index[name] = i
		p.stages = append(p.stages, s)
	}
	return p, nil
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// At returns the stage at position i, or nil when i is out of range.
func (p *Pipeline) At(i int) Stage {
	if i < 0 || i >= len(p.stages) {
		return nil
	}
	return p.stages[i]
}

// Lookup returns the named stage.
func (p *Pipeline) Lookup(name string) (Stage, bool) {
	st := p.At(p.Index(name))
	return st, st != nil
}

// Index returns the position of the named stage, or -1.
func (p *Pipeline) Index(name string) int {
	i, ok := p.index[name]
	if !ok {
		return -1
	}
	return i
}

// Names returns the declared stage order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}
