package snapshot

import (
	"fmt"
	"maps"
	"slices"

	"github.com/Strob0t/PipelineForge/internal/domain"
)

// SkillLevel is the target audience level of the generated content.
type SkillLevel string

const (
	SkillBeginner     SkillLevel = "beginner"
	SkillIntermediate SkillLevel = "intermediate"
	SkillAdvanced     SkillLevel = "advanced"
)

var validSkillLevels = map[SkillLevel]bool{
	"":                true,
	SkillBeginner:     true,
	SkillIntermediate: true,
	SkillAdvanced:     true,
}

// Collaborator is a participant invited to a collaborative finishing session.
type Collaborator struct {
	ID          string `json:"id"`
	CanPropose  bool   `json:"can_propose"`
	CanVote     bool   `json:"can_vote"`
	CanFinalize bool   `json:"can_finalize"`
}

// Request is the immutable input of a run.
type Request struct {
	Goal                string            `json:"goal"`
	SkillLevel          SkillLevel        `json:"skill_level,omitempty"`
	Parameters          map[string]string `json:"parameters,omitempty"`
	Collaborative       bool              `json:"collaborative"`
	Collaborators       []Collaborator    `json:"collaborators,omitempty"`
	CollaborativeFields []string          `json:"collaborative_fields,omitempty"`
}

// Validate checks that a Request is well-formed.
func (r *Request) Validate() error {
	if r.Goal == "" {
		return fmt.Errorf("%w: goal is required", domain.ErrValidation)
	}
	if !validSkillLevels[r.SkillLevel] {
		return fmt.Errorf("%w: invalid skill_level %q", domain.ErrValidation, r.SkillLevel)
	}
	if !r.Collaborative {
		return nil
	}

	seen := make(map[string]bool, len(r.Collaborators))
	var voters, finalizers int
	for _, c := range r.Collaborators {
		if c.ID == "" {
			return fmt.Errorf("%w: collaborator id is required", domain.ErrValidation)
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: duplicate collaborator %q", domain.ErrValidation, c.ID)
		}
		seen[c.ID] = true
		if c.CanVote {
			voters++
		}
		if c.CanFinalize {
			finalizers++
		}
	}
	if voters == 0 || finalizers == 0 {
		return fmt.Errorf("%w: collaborative mode needs at least one voter and one finalizer", domain.ErrValidation)
	}
	return nil
}

// ValidateFields checks that every collaborative field names a stage in order.
func (r *Request) ValidateFields(order []string) error {
	if !r.Collaborative {
		return nil
	}
	for _, f := range r.CollaborativeFields {
		if !slices.Contains(order, f) {
			return fmt.Errorf("%w: collaborative field %q is not a stage", domain.ErrValidation, f)
		}
	}
	return nil
}

func (r Request) clone() Request {
	r.Parameters = maps.Clone(r.Parameters)
	r.Collaborators = slices.Clone(r.Collaborators)
	r.CollaborativeFields = slices.Clone(r.CollaborativeFields)
	return r
}
