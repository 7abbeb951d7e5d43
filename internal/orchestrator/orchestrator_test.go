package orchestrator

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/storybuilder/internal/buildloop"
	"git.home.luguber.info/inful/storybuilder/internal/checkpoint"
	"git.home.luguber.info/inful/storybuilder/internal/events"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/plan"
	"git.home.luguber.info/inful/storybuilder/internal/worktree"
)

const twoTaskStory = `---
title: Login form
---
# Login form

## Tasks

- [ ] Render the form
- [ ] Validate the password
`

type fixture struct {
	settings Settings
	log      *events.Log
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	s := Settings{
		StoriesDir: filepath.Join(root, "stories"),
		PlanDir:    filepath.Join(root, "plans"),
		ReportDir:  filepath.Join(root, "reports"),
		RootPath:   root,
		Loop:       buildloop.Config{MaxIterations: 2},
	}
	require.NoError(t, os.MkdirAll(s.StoriesDir, 0o750))
	return fixture{settings: s, log: &events.Log{}}
}

func (f fixture) writeStory(t *testing.T, id, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.settings.StoriesDir, id+".md"), []byte(content), 0o600))
}

func TestBuildTwoSubtasksEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.writeStory(t, "S-1", twoTaskStory)
	o := New(f.settings, nil, f.log)

	res, err := o.Build(t.Context(), "S-1", Options{})
	require.NoError(t, err)
	require.True(t, res.Success, "build failed: %v", res.Err)

	require.NotNil(t, res.Stats)
	assert.Equal(t, 2, res.Stats.CompletedSubtasks)
	assert.Equal(t, 0, res.Stats.FailedSubtasks)
	assert.NotEmpty(t, res.BuildID)
	assert.Empty(t, res.Phase)

	assert.Equal(t, ReportPath(f.settings.ReportDir, "S-1"), res.ReportPath)
	report, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(report), "S-1")
	assert.Contains(t, string(report), "SUCCESS")
	assert.Contains(t, string(report), "| Cleanup | completed |")
	assert.NotContains(t, string(report), "running")

	_, saved := plan.Find(f.settings.PlanDir, "S-1")
	assert.True(t, saved, "generated plan is persisted")

	assert.Equal(t, 1, f.log.Count(events.BuildQueued))
	assert.Equal(t, 1, f.log.Count(events.BuildCompleted))
	assert.Equal(t, 0, f.log.Count(events.BuildFailed))
	generated := f.log.Filter(events.ReportGenerated)
	require.Len(t, generated, 1)
	assert.Equal(t, res.ReportPath, generated[0].String("path"))
	assert.Equal(t, "S-1", generated[0].String("storyId"))
	assert.Equal(t, len(Phases()), f.log.Count(events.PhaseCompleted))

	for _, e := range f.log.Events() {
		assert.Equal(t, res.BuildID, e.BuildID, "event %s", e.Name)
	}
	assert.Empty(t, o.ActiveBuilds())
	assert.False(t, o.IsActive("S-1"))
}

func TestBuildMissingStoryFailsAtInit(t *testing.T) {
	f := newFixture(t)
	o := New(f.settings, nil, f.log)

	res, err := o.Build(t.Context(), "S-404", Options{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, PhaseInit, res.Phase)
	assert.True(t, errors.HasCategory(res.Err, errors.CategoryNotFound))

	failed := f.log.Filter(events.BuildFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "S-404", failed[0].String("storyId"))
	assert.Equal(t, "init", failed[0].String("phase"))
	assert.Equal(t, 1, f.log.Count(events.PhaseFailed))
	assert.Equal(t, 0, f.log.Count(events.BuildStarted))

	// the report is still written
	assert.Equal(t, 1, f.log.Count(events.ReportGenerated))
	assert.FileExists(t, res.ReportPath)
	assert.False(t, o.IsActive("S-404"))
}

func TestDuplicateBuildRejectedWithoutEvents(t *testing.T) {
	f := newFixture(t)
	o := New(f.settings, nil, f.log)
	o.active["S-1"] = &BuildContext{StoryID: "S-1", StartTime: time.Now()}

	res, err := o.Build(t.Context(), "S-1", Options{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.HasCategory(err, errors.CategoryDuplicateBuild))
	assert.Empty(t, f.log.Events())
	assert.True(t, o.IsActive("S-1"), "existing registration is left alone")
}

func TestBuildRejectsEmptyStoryID(t *testing.T) {
	o := New(Settings{}, nil, nil)
	_, err := o.Build(t.Context(), "", Options{})
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))
}

func TestBuildRejectsStoryIDOutsideDirectories(t *testing.T) {
	f := newFixture(t)
	o := New(f.settings, nil, f.log)

	res, err := o.Build(t.Context(), "../../x", Options{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))
	assert.Empty(t, f.log.Events())
	assert.NoFileExists(t, ReportPath(f.settings.ReportDir, "../../x"))
	assert.NoDirExists(t, f.settings.ReportDir)
}

func TestEditedStoryIsReplanned(t *testing.T) {
	f := newFixture(t)
	f.writeStory(t, "S-1", twoTaskStory)
	store, err := checkpoint.NewJSONStore(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		runs []string
	)
	o := New(f.settings, store, f.log).WithExecutor(func(*BuildContext) buildloop.Executor {
		return func(_ context.Context, st plan.Subtask, _ buildloop.Attempt) (buildloop.ExecResult, error) {
			mu.Lock()
			runs = append(runs, st.ID+" "+st.Description)
			mu.Unlock()
			return buildloop.ExecResult{Success: true}, nil
		}
	})

	first, err := o.Build(t.Context(), "S-1", Options{})
	require.NoError(t, err)
	require.True(t, first.Success, "build failed: %v", first.Err)
	require.Len(t, runs, 2)

	// unchanged story: every subtask is skipped
	again, err := o.Build(t.Context(), "S-1", Options{})
	require.NoError(t, err)
	require.True(t, again.Success)
	assert.Equal(t, 2, again.Stats.SkippedSubtasks)
	assert.Len(t, runs, 2)

	f.writeStory(t, "S-1", twoTaskStory+"- [ ] Remember the user\n")
	runs = nil
	third, err := o.Build(t.Context(), "S-1", Options{})
	require.NoError(t, err)
	require.True(t, third.Success, "build failed: %v", third.Err)
	assert.Equal(t, 3, third.Stats.TotalSubtasks)
	assert.Equal(t, 0, third.Stats.SkippedSubtasks)
	assert.Contains(t, runs, "T3 Remember the user")

	path, ok := plan.Find(f.settings.PlanDir, "S-1")
	require.True(t, ok)
	saved, err := plan.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, saved.TotalSubtasks())
	assert.Equal(t, plan.SourceGenerated, saved.Source)
}

func TestHandWrittenPlanIsNotReplanned(t *testing.T) {
	f := newFixture(t)
	f.writeStory(t, "S-1", twoTaskStory)
	handWritten := &plan.Plan{
		StoryID: "S-1",
		Phases: []plan.Phase{{ID: "P1", Subtasks: []plan.Subtask{
			{ID: "T1", Description: "Only task"},
		}}},
	}
	require.NoError(t, plan.Save(plan.Path(f.settings.PlanDir, "S-1"), handWritten))
	o := New(f.settings, nil, f.log)

	res, err := o.Build(t.Context(), "S-1", Options{})
	require.NoError(t, err)
	require.True(t, res.Success, "build failed: %v", res.Err)
	assert.Equal(t, 1, res.Stats.TotalSubtasks)
}

func TestDryRunSkipsSideEffects(t *testing.T) {
	f := newFixture(t)
	f.writeStory(t, "S-1", twoTaskStory)
	provider := &fakeProvider{}
	gateCalled := false
	o := New(f.settings, nil, f.log).
		WithWorktreeProvider(provider).
		WithQualityGate(func(context.Context, *BuildContext) (any, error) {
			gateCalled = true
			return nil, nil
		})

	useWorktree := true
	res, err := o.Build(t.Context(), "S-1", Options{DryRun: true, UseWorktree: &useWorktree})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Nil(t, res.Stats)

	assert.False(t, gateCalled)
	assert.Zero(t, provider.created)
	_, saved := plan.Find(f.settings.PlanDir, "S-1")
	assert.False(t, saved)
	assert.Equal(t, 0, f.log.Count(events.BuildStarted))
	assert.FileExists(t, res.ReportPath)

	for _, e := range f.log.Filter(events.PhaseCompleted) {
		switch Phase(e.String("phase")) {
		case PhaseWorktree, PhasePlan, PhaseExecute, PhaseQA, PhaseMerge, PhaseCleanup:
			assert.Equal(t, dryRunOutput, e.Data["output"], "phase %s", e.String("phase"))
		}
	}
}

func TestWorktreeQAAndMergeCollaborators(t *testing.T) {
	f := newFixture(t)
	f.writeStory(t, "S-1", twoTaskStory)
	provider := &fakeProvider{dir: t.TempDir()}

	var rootSeen []string
	var mu sync.Mutex
	o := New(f.settings, nil, f.log).
		WithWorktreeProvider(provider).
		WithExecutor(func(*BuildContext) buildloop.Executor {
			return func(_ context.Context, _ plan.Subtask, a buildloop.Attempt) (buildloop.ExecResult, error) {
				mu.Lock()
				rootSeen = append(rootSeen, a.RootPath)
				mu.Unlock()
				return buildloop.ExecResult{Success: true}, nil
			}
		}).
		WithQualityGate(func(_ context.Context, bc *BuildContext) (any, error) {
			require.NotNil(t, bc.Result)
			return "qa-ok", nil
		}).
		WithMerger(func(_ context.Context, bc *BuildContext) (any, error) {
			return "merged " + bc.Worktree.Branch, nil
		})

	useWorktree := true
	res, err := o.Build(t.Context(), "S-1", Options{UseWorktree: &useWorktree})
	require.NoError(t, err)
	require.True(t, res.Success, "build failed: %v", res.Err)

	assert.Equal(t, 1, provider.created)
	assert.Equal(t, 1, provider.destroyed)
	assert.Equal(t, []string{provider.dir, provider.dir}, rootSeen)

	outputs := phaseOutputs(f.log)
	assert.Equal(t, "qa-ok", outputs[PhaseQA])
	assert.Equal(t, "merged story/S-1", outputs[PhaseMerge])

	report, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(report), "story/S-1")
}

func TestMergeSkippedWithoutWorktree(t *testing.T) {
	f := newFixture(t)
	f.writeStory(t, "S-1", twoTaskStory)
	merged := false
	o := New(f.settings, nil, f.log).WithMerger(func(context.Context, *BuildContext) (any, error) {
		merged = true
		return nil, nil
	})

	res, err := o.Build(t.Context(), "S-1", Options{})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.False(t, merged)
	assert.Equal(t, skippedOutput, phaseOutputs(f.log)[PhaseMerge])
}

func TestQualityGateFailureStopsBeforeMerge(t *testing.T) {
	f := newFixture(t)
	f.writeStory(t, "S-1", twoTaskStory)
	provider := &fakeProvider{dir: t.TempDir()}
	merged := false
	o := New(f.settings, nil, f.log).
		WithWorktreeProvider(provider).
		WithQualityGate(func(context.Context, *BuildContext) (any, error) {
			return nil, errors.ValidationError("lint failed").Build()
		}).
		WithMerger(func(context.Context, *BuildContext) (any, error) {
			merged = true
			return nil, nil
		})

	useWorktree := true
	res, err := o.Build(t.Context(), "S-1", Options{UseWorktree: &useWorktree})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, PhaseQA, res.Phase)
	assert.True(t, errors.HasCategory(res.Err, errors.CategoryValidation))
	assert.False(t, merged)
	assert.Zero(t, provider.destroyed)
	assert.Equal(t, 1, f.log.Count(events.ReportGenerated))

	report, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(report), "FAILED")
	assert.Contains(t, string(report), "lint failed")
}

func TestExecuteFailureIsReportedWithPhase(t *testing.T) {
	f := newFixture(t)
	f.writeStory(t, "S-1", twoTaskStory)
	o := New(f.settings, nil, f.log).WithExecutor(func(*BuildContext) buildloop.Executor {
		return func(context.Context, plan.Subtask, buildloop.Attempt) (buildloop.ExecResult, error) {
			return buildloop.ExecResult{}, stderrors.New("compile error")
		}
	})

	res, err := o.Build(t.Context(), "S-1", Options{MaxIterations: 1})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, PhaseExecute, res.Phase)
	assert.True(t, errors.HasCategory(res.Err, errors.CategorySubtask))
	require.NotNil(t, res.Stats)
	assert.Equal(t, 2, res.Stats.FailedSubtasks)
	assert.Equal(t, 2, f.log.Count(events.SubtaskFailed))
}

func TestResumeSkipsCompletedSubtasks(t *testing.T) {
	f := newFixture(t)
	f.writeStory(t, "S-1", twoTaskStory)
	store, err := checkpoint.NewJSONStore(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)

	failT2 := true
	o := New(f.settings, store, f.log).WithExecutor(func(*BuildContext) buildloop.Executor {
		return func(_ context.Context, st plan.Subtask, _ buildloop.Attempt) (buildloop.ExecResult, error) {
			if st.ID == "T2" && failT2 {
				return buildloop.ExecResult{Err: stderrors.New("tests failed")}, nil
			}
			return buildloop.ExecResult{Success: true}, nil
		}
	})

	first, err := o.Build(t.Context(), "S-1", Options{MaxIterations: 1})
	require.NoError(t, err)
	require.False(t, first.Success)

	info, err := store.ResumeBuild(t.Context(), "S-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, info.Status)
	assert.Equal(t, []string{"T1"}, info.CompletedSubtasks)
	assert.Equal(t, plan.Path(f.settings.PlanDir, "S-1"), info.PlanPath)

	failT2 = false
	second, err := o.Resume(t.Context(), "S-1", Options{})
	require.NoError(t, err)
	require.True(t, second.Success, "resume failed: %v", second.Err)
	assert.Equal(t, 1, second.Stats.SkippedSubtasks)
	assert.Equal(t, 1, second.Stats.CompletedSubtasks)

	state, err := store.LoadOrCreateState(t.Context(), "S-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, state.Status)
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	f := newFixture(t)
	store, err := checkpoint.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	o := New(f.settings, store, f.log)

	_, err = o.Resume(t.Context(), "S-9", Options{})
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))

	_, err = New(f.settings, nil, nil).Resume(t.Context(), "S-9", Options{})
	assert.True(t, errors.HasCategory(err, errors.CategoryConfig))
}

func TestActiveBuildsAndStop(t *testing.T) {
	f := newFixture(t)
	f.writeStory(t, "S-1", twoTaskStory)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	o := New(f.settings, nil, f.log).WithExecutor(func(*BuildContext) buildloop.Executor {
		return func(context.Context, plan.Subtask, buildloop.Attempt) (buildloop.ExecResult, error) {
			once.Do(func() { close(started) })
			<-release
			return buildloop.ExecResult{Success: true}, nil
		}
	})

	done := make(chan *BuildResult, 1)
	go func() {
		res, _ := o.Build(context.Background(), "S-1", Options{})
		done <- res
	}()

	<-started
	active := o.ActiveBuilds()
	require.Len(t, active, 1)
	assert.Equal(t, "S-1", active[0].StoryID)
	assert.Equal(t, PhaseExecute, active[0].Phase)
	assert.NotEmpty(t, active[0].BuildID)

	assert.True(t, o.Stop("S-1"))
	assert.False(t, o.Stop("S-2"))
	close(release)

	res := <-done
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, PhaseExecute, res.Phase)
	assert.True(t, errors.HasCategory(res.Err, errors.CategoryStopped))
	assert.Empty(t, o.ActiveBuilds())
}

func TestOptionsMergeOverDefaults(t *testing.T) {
	yes, no := true, false
	base := Settings{UseWorktree: true, Loop: buildloop.Config{MaxIterations: 3, SelfCritiqueEnabled: true}}

	got := Options{
		DryRun:         true,
		UseWorktree:    &no,
		MaxIterations:  5,
		SubtaskTimeout: time.Minute,
		SelfCritique:   &no,
		PauseOnFailure: &yes,
	}.mergeInto(base)

	assert.True(t, got.DryRun)
	assert.False(t, got.UseWorktree)
	assert.Equal(t, 5, got.Loop.MaxIterations)
	assert.Equal(t, time.Minute, got.Loop.SubtaskTimeout)
	assert.False(t, got.Loop.SelfCritiqueEnabled)
	assert.True(t, got.Loop.PauseOnFailure)

	unchanged := Options{}.mergeInto(base)
	assert.Equal(t, base, unchanged)
}

type fakeProvider struct {
	dir       string
	created   int
	destroyed int
}

func (p *fakeProvider) Create(_ context.Context, storyID string) (*worktree.Worktree, error) {
	p.created++
	return &worktree.Worktree{StoryID: storyID, Path: p.dir, Branch: worktree.BranchName(storyID)}, nil
}

func (p *fakeProvider) Destroy(context.Context, *worktree.Worktree) error {
	p.destroyed++
	return nil
}

func phaseOutputs(log *events.Log) map[Phase]any {
	out := make(map[Phase]any)
	for _, e := range log.Filter(events.PhaseCompleted) {
		out[Phase(e.String("phase"))] = e.Data["output"]
	}
	return out
}
