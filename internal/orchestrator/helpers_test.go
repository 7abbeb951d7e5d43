package orchestrator

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/storybuilder/internal/buildloop"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/plan"
)

func TestValidateSubtaskResult(t *testing.T) {
	plain := plan.Subtask{ID: "T1"}
	verified := plan.Subtask{ID: "T2", Verification: "go test ./..."}

	tests := []struct {
		name   string
		output string
		st     plan.Subtask
		want   bool
	}{
		{"error and failed", "Error: build failed", plain, false},
		{"failure before error", "compilation failure caused by syntax error", plain, false},
		{"broken near error", "error: pipeline broken", plain, false},
		{"test failed", "1 test failed", plain, false},
		{"tests failed", "3 TESTS FAILED", verified, false},
		{"verification passed", "verification passed", verified, true},
		{"all tests passed", "All tests passed!", verified, true},
		{"check mark", "lint ✓", verified, true},
		{"neutral", "did some work", plain, true},
		{"empty", "", plain, true},
		{"error alone", "no error here", plain, true},
		{"far apart", "error" + strings.Repeat(" ", 60) + "failed", plain, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateSubtaskResult(tt.output, tt.st))
		})
	}
}

func TestExtractModifiedFiles(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{"duplicate markers", "wrote a.js\nmodified a.js", []string{"a.js"}},
		{"all markers in order", "Created src/b.go, then wrote c.md.\nfile: d/e.txt", []string{"src/b.go", "c.md", "d/e.txt"}},
		{"quoted path", `modified "x.go"`, nil},
		{"none", "nothing changed", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractModifiedFiles(tt.output)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildSubtaskPromptIsDeterministic(t *testing.T) {
	st := plan.Subtask{
		ID:                 "T2",
		Description:        "Validate the password",
		Files:              []string{"auth/login.go"},
		AcceptanceCriteria: []string{"rejects short passwords"},
		Verification:       "go test ./auth/...",
	}
	bc := &BuildContext{StoryID: "S-1"}

	first := BuildSubtaskPrompt(st, 1, 3, bc, nil)
	assert.Equal(t, first, BuildSubtaskPrompt(st, 1, 3, bc, nil))
	assert.Contains(t, first, "Attempt 1 of 3")
	assert.Contains(t, first, "auth/login.go")
	assert.Contains(t, first, "go test ./auth/...")
	assert.NotContains(t, first, "Previous attempt failed")

	retry := BuildSubtaskPrompt(st, 2, 3, bc, stderrors.New("undefined: hash"))
	assert.Contains(t, retry, "Previous attempt failed")
	assert.Contains(t, retry, "undefined: hash")
}

func TestGenerateReport(t *testing.T) {
	bc := &BuildContext{
		StoryID:    "S-1",
		BuildID:    "b-1",
		PlanSource: plan.SourceGenerated,
		Phases: map[Phase]*PhaseRecord{
			PhaseInit:    {Status: PhaseCompleted, Duration: 2 * time.Second},
			PhaseExecute: {Status: PhaseFailed, Duration: 125 * time.Second},
			PhaseReport:  {Status: PhaseRunning},
		},
		Errors: []error{errors.SubtaskError("1 of 2 subtasks failed").Build()},
		Result: &buildloop.Report{
			Stats:             buildloop.Stats{TotalSubtasks: 2, CompletedSubtasks: 1, FailedSubtasks: 1, TotalIterations: 4},
			DurationFormatted: "2m 5s",
		},
	}

	out := GenerateReport(bc, false)
	assert.Contains(t, out, "# Build Report: S-1")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "| Init | completed | 2s |")
	assert.Contains(t, out, "| Execute | failed | 2m 5s |")
	assert.NotContains(t, out, "| Merge |")
	assert.NotContains(t, out, "| Report |")
	assert.Contains(t, out, "Subtasks: 1/2 completed")
	assert.Contains(t, out, "1 of 2 subtasks failed")

	assert.Contains(t, GenerateReport(&BuildContext{StoryID: "S-2"}, true), "SUCCESS")
}

func TestCommandExecutorClassifiesOutput(t *testing.T) {
	bc := &BuildContext{StoryID: "S-1"}
	st := plan.Subtask{ID: "T1", Description: "write it"}
	attempt := buildloop.Attempt{Iteration: 1, Config: buildloop.Config{MaxIterations: 2}, RootPath: t.TempDir()}

	ok := CommandExecutor{
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; echo "wrote main.go for $STORYBUILDER_SUBTASK_ID"`},
	}.For(bc)
	res, err := ok(t.Context(), st, attempt)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"main.go"}, res.FilesModified)
	assert.Contains(t, res.Stdout, "for T1")

	reportsFailure := CommandExecutor{Command: "sh", Args: []string{"-c", "cat >/dev/null; echo '2 tests failed'"}}.For(bc)
	res, err = reportsFailure(t.Context(), st, attempt)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, errors.HasCategory(res.Err, errors.CategorySubtask))

	exits := CommandExecutor{Command: "sh", Args: []string{"-c", "cat >/dev/null; exit 3"}}.For(bc)
	res, err = exits(context.Background(), st, attempt)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, errors.HasCategory(res.Err, errors.CategoryExecutor))
}
