package plan

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/story"
)

func samplePlan() *Plan {
	return &Plan{
		StoryID: "S-1",
		Phases: []Phase{
			{ID: "p1", Subtasks: []Subtask{{ID: "T1", Description: "a"}, {ID: "T2", Description: "b"}}},
			{ID: "p2", Subtasks: []Subtask{{ID: "T3", Description: "c", Verification: "go test ./..."}}},
		},
	}
}

func TestTotalsAndFlattening(t *testing.T) {
	p := samplePlan()
	assert.Equal(t, 3, p.TotalSubtasks())

	var ids []string
	for _, st := range p.Subtasks() {
		ids = append(ids, st.ID)
	}
	assert.Equal(t, []string{"T1", "T2", "T3"}, ids)

	st, ok := p.Find("T3")
	require.True(t, ok)
	assert.Equal(t, "go test ./...", st.Verification)
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	p := samplePlan()
	require.NoError(t, p.Validate())

	p.Phases[1].Subtasks[0].ID = "T1"
	err := p.Validate()
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))

	p.Phases[1].Subtasks[0].ID = ""
	require.Error(t, p.Validate())
}

func TestSaveLoadArtifacts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"S-1-plan.json", "S-1-plan.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, Save(path, samplePlan()))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, samplePlan(), got)
		})
	}

	found, ok := Find(dir, "S-1")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "S-1-plan.json"), found)

	_, ok = Find(dir, "S-9")
	assert.False(t, ok)

	_, err := Load(filepath.Join(dir, "S-9-plan.json"))
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))
}

func TestSynthesizeFromCheckboxes(t *testing.T) {
	doc := []byte(`---
title: Login
verification: make test
---
# Login

Intro text with - [ ] not a task.

- [ ] render the form
- [x] validate the
  password field

## Backend

- [ ] add the session endpoint
- plain bullet
`)
	s, err := story.Parse("S-7", doc)
	require.NoError(t, err)

	p, err := Synthesize(s)
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	assert.Equal(t, SourceGenerated, p.Source)
	assert.Equal(t, s.Fingerprint, p.SourceFingerprint)
	require.Len(t, p.Phases, 2)
	assert.Equal(t, "Implementation", p.Phases[0].Name)
	assert.Equal(t, "Backend", p.Phases[1].Name)
	assert.Equal(t, 3, p.TotalSubtasks())

	subtasks := p.Subtasks()
	assert.Equal(t, "T1", subtasks[0].ID)
	assert.Equal(t, "render the form", subtasks[0].Description)
	assert.Equal(t, "validate the password field", subtasks[1].Description)
	assert.Equal(t, "add the session endpoint", subtasks[2].Description)
	assert.Equal(t, "make test", subtasks[2].Verification)
}

func TestSynthesizeWithoutCheckboxes(t *testing.T) {
	s, err := story.Parse("S-8", []byte("# Nothing\n\n- item\n"))
	require.NoError(t, err)
	_, err = Synthesize(s)
	require.Error(t, err)
}
