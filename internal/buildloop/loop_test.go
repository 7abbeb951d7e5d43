package buildloop

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/storybuilder/internal/checkpoint"
	"git.home.luguber.info/inful/storybuilder/internal/events"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/plan"
)

func planWith(ids ...string) *plan.Plan {
	p := &plan.Plan{StoryID: "S-1", Phases: []plan.Phase{{ID: "p1"}}}
	for _, id := range ids {
		p.Phases[0].Subtasks = append(p.Phases[0].Subtasks, plan.Subtask{ID: id, Description: "do " + id})
	}
	return p
}

func alwaysFail(context.Context, plan.Subtask, Attempt) (ExecResult, error) {
	return ExecResult{Success: false, Err: stderrors.New("compile error")}, nil
}

// fakeClock is advanced explicitly by tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRunAllSubtasksSucceed(t *testing.T) {
	log := &events.Log{}
	loop := New(Config{MaxIterations: 3}, nil, log)

	report, err := loop.Run(t.Context(), "S-1", RunInput{Plan: planWith("T1", "T2", "T3")})
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.True(t, report.Success)
	assert.Equal(t, 3, report.Stats.CompletedSubtasks)
	assert.Equal(t, 0, report.Stats.FailedSubtasks)
	assert.Equal(t, 3, report.Stats.TotalIterations)
	assert.Equal(t, 1, log.Count(events.BuildSuccess))
	assert.False(t, loop.IsRunning())

	assert.Equal(t, []events.Name{
		events.BuildStarted,
		events.SubtaskStarted, events.IterationStarted, events.IterationCompleted, events.SubtaskCompleted,
		events.SubtaskStarted, events.IterationStarted, events.IterationCompleted, events.SubtaskCompleted,
		events.SubtaskStarted, events.IterationStarted, events.IterationCompleted, events.SubtaskCompleted,
		events.BuildSuccess,
	}, log.Names())
}

func TestAlwaysFailingSubtaskExhaustsRetries(t *testing.T) {
	for _, critique := range []bool{true, false} {
		log := &events.Log{}
		loop := New(Config{MaxIterations: 4, SelfCritiqueEnabled: critique, Executor: alwaysFail}, nil, log)

		report, err := loop.Run(t.Context(), "S-1", RunInput{Plan: planWith("T1")})
		require.NoError(t, err)

		assert.False(t, report.Success)
		assert.True(t, errors.HasCategory(report.Err, errors.CategorySubtask))
		assert.Equal(t, 4, report.Stats.FailedIterations)
		assert.Equal(t, 1, report.Stats.FailedSubtasks)

		failed := log.Filter(events.SubtaskFailed)
		require.Len(t, failed, 1)
		assert.Equal(t, 4, failed[0].Int("attempts"))
		assert.Equal(t, 0, log.Count(events.BuildSuccess))

		if critique {
			assert.Equal(t, 3, log.Count(events.SelfCritique))
		} else {
			assert.Zero(t, log.Count(events.SelfCritique))
		}
	}
}

func TestSelfCritiqueOnlyBetweenAttempts(t *testing.T) {
	log := &events.Log{}
	calls := 0
	exec := func(context.Context, plan.Subtask, Attempt) (ExecResult, error) {
		calls++
		if calls < 2 {
			return ExecResult{}, stderrors.New("nope")
		}
		return ExecResult{Success: true}, nil
	}
	loop := New(Config{MaxIterations: 3, SelfCritiqueEnabled: true, Executor: exec}, nil, log)

	report, err := loop.Run(t.Context(), "S-1", RunInput{Plan: planWith("T1")})
	require.NoError(t, err)
	assert.True(t, report.Success)

	names := log.Names()
	assert.Equal(t, []events.Name{
		events.BuildStarted, events.SubtaskStarted,
		events.IterationStarted, events.IterationCompleted, events.SelfCritique,
		events.IterationStarted, events.IterationCompleted, events.SubtaskCompleted,
		events.BuildSuccess,
	}, names)
}

func TestPreviousErrorIsPassedToRetry(t *testing.T) {
	var seen []error
	exec := func(_ context.Context, _ plan.Subtask, a Attempt) (ExecResult, error) {
		seen = append(seen, a.PreviousError)
		if a.Iteration == 1 {
			return ExecResult{}, stderrors.New("first")
		}
		return ExecResult{Success: true}, nil
	}
	_, err := New(Config{MaxIterations: 2, Executor: exec}, nil, nil).Run(t.Context(), "S-1", RunInput{Plan: planWith("T1")})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.NoError(t, seen[0])
	assert.EqualError(t, seen[1], "first")
}

func TestContinuesAfterFailureUnlessPauseOnFailure(t *testing.T) {
	failT1 := func(_ context.Context, st plan.Subtask, _ Attempt) (ExecResult, error) {
		if st.ID == "T1" {
			return ExecResult{}, stderrors.New("broken")
		}
		return ExecResult{Success: true}, nil
	}

	report, err := New(Config{MaxIterations: 2, Executor: failT1}, nil, nil).
		Run(t.Context(), "S-1", RunInput{Plan: planWith("T1", "T2")})
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, 1, report.Stats.CompletedSubtasks)
	assert.Equal(t, 1, report.Stats.FailedSubtasks)

	log := &events.Log{}
	report, err = New(Config{MaxIterations: 2, PauseOnFailure: true, Executor: failT1}, nil, log).
		Run(t.Context(), "S-1", RunInput{Plan: planWith("T1", "T2")})
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, 0, report.Stats.CompletedSubtasks)
	assert.Equal(t, 1, log.Count(events.SubtaskStarted))
}

func TestIsCompleteUsesGreaterOrEqual(t *testing.T) {
	loop := New(Config{}, nil, nil)
	loop.stats = Stats{TotalSubtasks: 2, CompletedSubtasks: 3}
	assert.True(t, loop.IsComplete())
	loop.stats = Stats{TotalSubtasks: 2, CompletedSubtasks: 2}
	assert.True(t, loop.IsComplete())
	loop.stats = Stats{TotalSubtasks: 2, CompletedSubtasks: 1}
	assert.False(t, loop.IsComplete())
}

func TestGlobalTimeoutAtSubtaskBoundary(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	log := &events.Log{}
	exec := func(context.Context, plan.Subtask, Attempt) (ExecResult, error) {
		clock.Advance(2 * time.Minute)
		return ExecResult{Success: true}, nil
	}
	loop := New(Config{GlobalTimeout: time.Minute, Executor: exec}, nil, log)
	loop.now = clock.Now

	assert.False(t, loop.IsTimedOut())
	report, err := loop.Run(t.Context(), "S-1", RunInput{Plan: planWith("T1", "T2")})
	require.NoError(t, err)

	assert.False(t, report.Success)
	assert.True(t, errors.HasCategory(report.Err, errors.CategoryTimeout))
	assert.Equal(t, 1, report.Stats.CompletedSubtasks)
	assert.Equal(t, 1, log.Count(events.BuildTimeout))
	assert.Contains(t, loop.FormatStatus(), "TIMEOUT")
}

func TestSubtaskTimeoutFailsAttempt(t *testing.T) {
	exec := func(ctx context.Context, _ plan.Subtask, _ Attempt) (ExecResult, error) {
		<-ctx.Done()
		return ExecResult{}, ctx.Err()
	}
	report, err := New(Config{MaxIterations: 1, SubtaskTimeout: 20 * time.Millisecond, Executor: exec}, nil, nil).
		Run(t.Context(), "S-1", RunInput{Plan: planWith("T1")})
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, 1, report.Stats.FailedSubtasks)
}

func TestPauseAndStopAbortAtBoundary(t *testing.T) {
	tests := []struct {
		name    string
		control func(*Loop)
	}{
		{"pause", (*Loop).Pause},
		{"stop", (*Loop).Stop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var loop *Loop
			exec := func(context.Context, plan.Subtask, Attempt) (ExecResult, error) {
				tt.control(loop)
				return ExecResult{Success: true}, nil
			}
			loop = New(Config{Executor: exec}, nil, nil)

			report, err := loop.Run(t.Context(), "S-1", RunInput{Plan: planWith("T1", "T2")})
			require.NoError(t, err)
			assert.False(t, report.Success)
			assert.True(t, errors.HasCategory(report.Err, errors.CategoryStopped))
			assert.Equal(t, 1, report.Stats.CompletedSubtasks)
			assert.False(t, loop.IsRunning())
			assert.False(t, loop.IsPaused())
		})
	}
}

func TestControlIgnoredWhenIdle(t *testing.T) {
	loop := New(Config{}, nil, nil)
	loop.Pause()
	assert.False(t, loop.IsPaused())
	loop.Stop()

	report, err := loop.Run(t.Context(), "S-1", RunInput{Plan: planWith("T1")})
	require.NoError(t, err)
	assert.True(t, report.Success)
}

func TestRejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	exec := func(context.Context, plan.Subtask, Attempt) (ExecResult, error) {
		close(started)
		<-release
		return ExecResult{Success: true}, nil
	}
	loop := New(Config{Executor: exec}, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = loop.Run(context.Background(), "S-1", RunInput{Plan: planWith("T1")})
	}()
	<-started

	_, err := loop.Run(t.Context(), "S-1", RunInput{Plan: planWith("T1")})
	require.Error(t, err)
	assert.Contains(t, loop.FormatStatus(), "Current:  T1")

	close(release)
	<-done
}

func TestPlanResolution(t *testing.T) {
	dir := t.TempDir()
	loop := New(Config{PlanDir: dir}, nil, nil)

	_, err := loop.Run(t.Context(), "S-1", RunInput{})
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))

	require.NoError(t, plan.Save(filepath.Join(dir, "S-1-plan.yaml"), planWith("T1", "T2")))
	report, err := loop.Run(t.Context(), "S-1", RunInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Stats.CompletedSubtasks)
}

func TestCheckpointSkipsCompletedSubtasks(t *testing.T) {
	store, err := checkpoint.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CompleteSubtask(t.Context(), "S-1", "T1"))

	var ran []string
	exec := func(_ context.Context, st plan.Subtask, _ Attempt) (ExecResult, error) {
		ran = append(ran, st.ID)
		return ExecResult{Success: true}, nil
	}
	loop := New(Config{Executor: exec}, store, nil)
	report, err := loop.Run(t.Context(), "S-1", RunInput{Plan: planWith("T1", "T2")})
	require.NoError(t, err)

	assert.Equal(t, []string{"T2"}, ran)
	assert.True(t, report.Success)
	assert.Equal(t, 1, report.Stats.CompletedSubtasks)
	assert.Equal(t, 1, report.Stats.SkippedSubtasks)

	assert.False(t, loop.IsComplete(), "skipped subtasks are not counted")

	state, err := store.LoadOrCreateState(t.Context(), "S-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T2"}, state.CompletedSubtasks)
}

func TestCancellationAbortsRetriesWithoutRecordingFailure(t *testing.T) {
	store, err := checkpoint.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	log := &events.Log{}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	calls := 0
	exec := func(context.Context, plan.Subtask, Attempt) (ExecResult, error) {
		calls++
		cancel()
		return ExecResult{Err: stderrors.New("interrupted")}, nil
	}

	report, err := New(Config{MaxIterations: 3, Executor: exec}, store, log).
		Run(ctx, "S-1", RunInput{Plan: planWith("T1", "T2")})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.False(t, report.Success)
	assert.True(t, errors.HasCategory(report.Err, errors.CategoryStopped))
	assert.Equal(t, 0, report.Stats.FailedSubtasks)
	assert.Equal(t, 0, log.Count(events.SubtaskFailed))

	state, err := store.LoadOrCreateState(t.Context(), "S-1")
	require.NoError(t, err)
	assert.Empty(t, state.Failures)
}

func TestFailuresAreCheckpointed(t *testing.T) {
	store, err := checkpoint.NewJSONStore(t.TempDir())
	require.NoError(t, err)

	_, err = New(Config{MaxIterations: 2, Executor: alwaysFail}, store, nil).
		Run(t.Context(), "S-1", RunInput{Plan: planWith("T1")})
	require.NoError(t, err)

	state, err := store.LoadOrCreateState(t.Context(), "S-1")
	require.NoError(t, err)
	require.Len(t, state.Failures["T1"], 1)
	assert.Equal(t, "compile error", state.Failures["T1"][0].Error)
}

func TestExecutorPanicIsAFailure(t *testing.T) {
	exec := func(context.Context, plan.Subtask, Attempt) (ExecResult, error) {
		panic("boom")
	}
	report, err := New(Config{MaxIterations: 1, Executor: exec}, nil, nil).
		Run(t.Context(), "S-1", RunInput{Plan: planWith("T1")})
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, 1, report.Stats.FailedIterations)
}
