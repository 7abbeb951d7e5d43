// Package plan defines the phase/subtask decomposition of a story and its
// on-disk JSON and YAML artifacts.
package plan

import (
	"fmt"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
)

// Source tags where a plan came from.
type Source string

const (
	SourceExisting  Source = "existing"
	SourceGenerated Source = "generated"
)

// Plan is the structured decomposition of a story. It is treated as
// immutable once handed to a build loop.
type Plan struct {
	StoryID           string  `json:"storyId" yaml:"storyId"`
	Source            Source  `json:"source,omitempty" yaml:"source,omitempty"`
	SourceFingerprint string  `json:"sourceFingerprint,omitempty" yaml:"sourceFingerprint,omitempty"`
	Phases            []Phase `json:"phases" yaml:"phases"`
}

// Phase groups related subtasks.
type Phase struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name,omitempty" yaml:"name,omitempty"`
	Subtasks []Subtask `json:"subtasks" yaml:"subtasks"`
}

// Subtask is the smallest retried unit of work.
type Subtask struct {
	ID                 string   `json:"id" yaml:"id"`
	Description        string   `json:"description" yaml:"description"`
	Files              []string `json:"files,omitempty" yaml:"files,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty" yaml:"acceptanceCriteria,omitempty"`
	Verification       string   `json:"verification,omitempty" yaml:"verification,omitempty"`
}

// TotalSubtasks returns the number of subtasks across all phases.
func (p *Plan) TotalSubtasks() int {
	n := 0
	for _, ph := range p.Phases {
		n += len(ph.Subtasks)
	}
	return n
}

// Subtasks returns every subtask in plan order, flattened across phases.
func (p *Plan) Subtasks() []Subtask {
	out := make([]Subtask, 0, p.TotalSubtasks())
	for _, ph := range p.Phases {
		out = append(out, ph.Subtasks...)
	}
	return out
}

// Find returns the subtask with the given id.
func (p *Plan) Find(id string) (Subtask, bool) {
	for _, ph := range p.Phases {
		for _, st := range ph.Subtasks {
			if st.ID == id {
				return st, true
			}
		}
	}
	return Subtask{}, false
}

// Validate checks that every subtask has an id and that ids are unique
// across the whole plan.
func (p *Plan) Validate() error {
	seen := make(map[string]string)
	for _, ph := range p.Phases {
		for i, st := range ph.Subtasks {
			if st.ID == "" {
				return errors.ValidationError(fmt.Sprintf("phase %q subtask %d has no id", ph.ID, i)).
					WithContext("story_id", p.StoryID).
					Build()
			}
			if prev, dup := seen[st.ID]; dup {
				return errors.ValidationError("duplicate subtask id " + st.ID).
					WithContext("story_id", p.StoryID).
					WithContext("phases", prev+","+ph.ID).
					Build()
			}
			seen[st.ID] = ph.ID
		}
	}
	return nil
}
