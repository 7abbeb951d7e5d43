package buildloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/checkpoint"
	"git.home.luguber.info/inful/storybuilder/internal/events"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
	"git.home.luguber.info/inful/storybuilder/internal/metrics"
	"git.home.luguber.info/inful/storybuilder/internal/observability"
	"git.home.luguber.info/inful/storybuilder/internal/plan"
)

// Stats aggregates the outcome of a run. Counters only ever increase.
type Stats struct {
	TotalSubtasks        int `json:"totalSubtasks"`
	CompletedSubtasks    int `json:"completedSubtasks"`
	FailedSubtasks       int `json:"failedSubtasks"`
	SkippedSubtasks      int `json:"skippedSubtasks"` // completed in an earlier run
	TotalIterations      int `json:"totalIterations"`
	SuccessfulIterations int `json:"successfulIterations"`
	FailedIterations     int `json:"failedIterations"`
}

// RunInput carries the plan for a run. A nil Plan is resolved from Config.PlanDir.
type RunInput struct {
	Plan     *plan.Plan
	RootPath string
}

// Report is the result of a run, produced on every exit path.
type Report struct {
	StoryID           string        `json:"storyId"`
	Success           bool          `json:"success"`
	Duration          time.Duration `json:"duration"`
	DurationFormatted string        `json:"durationFormatted"`
	Stats             Stats         `json:"stats"`
	Config            Config        `json:"config"`
	CompletedAt       time.Time     `json:"completedAt"`
	Err               error         `json:"-"`
	Error             string        `json:"error,omitempty"`
}

// Loop executes the subtasks of one plan. A Loop runs one plan at a time.
type Loop struct {
	cfg      Config
	store    checkpoint.Store
	emitter  events.Emitter
	recorder metrics.Recorder
	buildID  string
	now      func() time.Time

	mu             sync.Mutex
	busy           bool // Run in progress, independent of Stop
	running        bool
	paused         bool
	currentSubtask string
	startTime      time.Time
	stats          Stats
}

// New creates a loop. store may be nil, in which case nothing is skipped or persisted.
func New(cfg Config, store checkpoint.Store, emitter events.Emitter) *Loop {
	if emitter == nil {
		emitter = events.Discard
	}
	return &Loop{
		cfg:      cfg.withDefaults(),
		store:    store,
		emitter:  emitter,
		recorder: metrics.NoopRecorder{},
		now:      time.Now,
	}
}

// WithRecorder attaches a metrics recorder.
func (l *Loop) WithRecorder(r metrics.Recorder) *Loop {
	if r != nil {
		l.recorder = r
	}
	return l
}

// WithBuildID tags emitted events with the orchestrator build id.
func (l *Loop) WithBuildID(id string) *Loop {
	l.buildID = id
	return l
}

// Config returns the effective configuration.
func (l *Loop) Config() Config { return l.cfg }

// Run executes the plan for storyID. Domain failures (failed subtasks,
// timeout, pause, stop) are reported through the Report with a nil error;
// only an already-running loop and a missing plan return an error.
func (l *Loop) Run(ctx context.Context, storyID string, in RunInput) (*Report, error) {
	l.mu.Lock()
	if l.busy {
		l.mu.Unlock()
		return nil, errors.NewError(errors.CategoryAlreadyExists, "build loop already running").
			WithContext("story_id", storyID).
			Build()
	}
	l.busy = true
	l.mu.Unlock()

	p, err := l.resolvePlan(storyID, in)
	if err != nil {
		l.mu.Lock()
		l.busy = false
		l.mu.Unlock()
		return nil, err
	}

	l.mu.Lock()
	l.running = true
	l.paused = false
	l.currentSubtask = ""
	l.startTime = l.now()
	l.stats = Stats{TotalSubtasks: p.TotalSubtasks()}
	l.mu.Unlock()

	runErr := l.execute(ctx, storyID, p, in.RootPath)
	return l.finish(storyID, runErr), nil
}

// finish clears the run state and builds the report of the run that just ended.
func (l *Loop) finish(storyID string, runErr error) *Report {
	l.mu.Lock()
	l.busy = false
	l.running = false
	l.paused = false
	l.currentSubtask = ""
	stats := l.stats
	elapsed := l.now().Sub(l.startTime)
	l.mu.Unlock()

	report := &Report{
		StoryID:           storyID,
		Success:           runErr == nil,
		Duration:          elapsed,
		DurationFormatted: FormatDuration(elapsed),
		Stats:             stats,
		Config:            l.cfg,
		CompletedAt:       l.now(),
		Err:               runErr,
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}
	return report
}

func (l *Loop) resolvePlan(storyID string, in RunInput) (*plan.Plan, error) {
	if in.Plan != nil {
		return in.Plan, nil
	}
	if l.cfg.PlanDir != "" {
		if path, ok := plan.Find(l.cfg.PlanDir, storyID); ok {
			return plan.Load(path)
		}
	}
	return nil, errors.NotFoundError("plan not found").
		WithContext("story_id", storyID).
		WithContext("plan_dir", l.cfg.PlanDir).
		Build()
}

func (l *Loop) execute(ctx context.Context, storyID string, p *plan.Plan, root string) error {
	ctx = observability.WithStoryID(ctx, storyID)
	l.emit(ctx, events.BuildStarted, storyID, map[string]any{"totalSubtasks": p.TotalSubtasks()})

	skip := l.skipSet(ctx, storyID)

	for _, st := range p.Subtasks() {
		if skip[st.ID] {
			l.mu.Lock()
			l.stats.SkippedSubtasks++
			l.mu.Unlock()
			l.recorder.IncSubtaskOutcome(metrics.ResultSkipped)
			observability.DebugContext(ctx, "Skipping completed subtask", logfields.SubtaskID(st.ID))
			continue
		}

		if l.IsTimedOut() {
			elapsed := l.elapsed()
			l.emit(ctx, events.BuildTimeout, storyID, map[string]any{
				"elapsed":   FormatDuration(elapsed),
				"subtaskId": st.ID,
			})
			return errors.TimeoutError("build exceeded global timeout").
				WithContext("story_id", storyID).
				WithContext("timeout", l.cfg.GlobalTimeout.String()).
				Build()
		}
		if err := l.checkControl(ctx); err != nil {
			return err
		}

		ok, err := l.runSubtask(ctx, storyID, st, root)
		if err != nil {
			return err
		}
		if !ok && l.cfg.PauseOnFailure {
			return errors.SubtaskError("subtask failed, pausing build").
				WithContext("story_id", storyID).
				WithContext("subtask_id", st.ID).
				Build()
		}
	}

	stats := l.Stats()
	if stats.FailedSubtasks == 0 && (l.IsComplete() || stats.CompletedSubtasks+stats.SkippedSubtasks >= stats.TotalSubtasks) {
		l.emit(ctx, events.BuildSuccess, storyID, map[string]any{"completedSubtasks": stats.CompletedSubtasks})
		return nil
	}
	return errors.SubtaskError(fmt.Sprintf("%d of %d subtasks failed", stats.FailedSubtasks, stats.TotalSubtasks)).
		WithContext("story_id", storyID).
		Build()
}

// checkControl reports a paused, stopped or canceled loop.
func (l *Loop) checkControl(ctx context.Context) error {
	l.mu.Lock()
	paused, running := l.paused, l.running
	l.mu.Unlock()

	switch {
	case paused:
		return errors.StoppedError("build paused").Build()
	case !running:
		return errors.StoppedError("build stopped").Build()
	case ctx.Err() != nil:
		return errors.WrapError(ctx.Err(), errors.CategoryStopped, "build canceled").Build()
	}
	return nil
}

func (l *Loop) skipSet(ctx context.Context, storyID string) map[string]bool {
	skip := make(map[string]bool)
	if l.store == nil {
		return skip
	}
	state, err := l.store.LoadOrCreateState(ctx, storyID)
	if err != nil {
		observability.WarnContext(ctx, "Failed to load checkpoint state", logfields.Error(err))
		return skip
	}
	for _, id := range state.CompletedSubtasks {
		skip[id] = true
	}
	return skip
}

// runSubtask runs the retry sub-loop. It returns false when every attempt
// failed; a non-nil error aborts the whole run.
func (l *Loop) runSubtask(ctx context.Context, storyID string, st plan.Subtask, root string) (bool, error) {
	ctx = observability.WithSubtaskID(ctx, st.ID)
	l.mu.Lock()
	l.currentSubtask = st.ID
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.StartSubtask(ctx, storyID, st.ID); err != nil {
			observability.WarnContext(ctx, "Failed to checkpoint subtask start", logfields.Error(err))
		}
	}
	l.emit(ctx, events.SubtaskStarted, storyID, map[string]any{"subtaskId": st.ID, "description": st.Description})

	maxIter := l.cfg.MaxIterations
	var lastErr error
	for attempt := 1; attempt <= maxIter; attempt++ {
		if attempt > 1 && l.cfg.Backoff != nil {
			if err := l.cfg.Backoff.Wait(ctx, attempt-1); err != nil {
				return false, errors.WrapError(err, errors.CategoryStopped, "build canceled").Build()
			}
		}
		if ctx.Err() != nil {
			return false, canceled(ctx, st.ID)
		}

		l.emit(ctx, events.IterationStarted, storyID, map[string]any{"subtaskId": st.ID, "attempt": attempt})
		l.mu.Lock()
		l.stats.TotalIterations++
		l.mu.Unlock()

		res, err := l.invoke(ctx, st, Attempt{Iteration: attempt, Config: l.cfg, RootPath: root, PreviousError: lastErr})
		if err == nil {
			l.mu.Lock()
			l.stats.SuccessfulIterations++
			l.stats.CompletedSubtasks++
			l.mu.Unlock()
			l.recorder.IncIteration(metrics.ResultSuccess)
			l.recorder.IncSubtaskOutcome(metrics.ResultSuccess)

			if l.store != nil {
				if cerr := l.store.CompleteSubtask(ctx, storyID, st.ID); cerr != nil {
					observability.WarnContext(ctx, "Failed to checkpoint subtask completion", logfields.Error(cerr))
				}
			}
			l.emit(ctx, events.IterationCompleted, storyID, map[string]any{
				"subtaskId":     st.ID,
				"attempt":       attempt,
				"success":       true,
				"filesModified": res.FilesModified,
			})
			l.emit(ctx, events.SubtaskCompleted, storyID, map[string]any{"subtaskId": st.ID, "attempts": attempt})
			return true, nil
		}

		lastErr = err
		l.mu.Lock()
		l.stats.FailedIterations++
		l.mu.Unlock()
		l.recorder.IncIteration(metrics.ResultFailed)
		observability.WarnContext(ctx, "Subtask attempt failed", logfields.Attempt(attempt), logfields.Error(err))

		l.emit(ctx, events.IterationCompleted, storyID, map[string]any{
			"subtaskId": st.ID,
			"attempt":   attempt,
			"success":   false,
			"error":     err.Error(),
		})
		if attempt < maxIter && l.cfg.SelfCritiqueEnabled {
			l.recorder.IncSelfCritique()
			l.emit(ctx, events.SelfCritique, storyID, map[string]any{
				"subtaskId": st.ID,
				"attempt":   attempt,
				"error":     err.Error(),
			})
		}
	}

	// A canceled build is not a failure of the subtask.
	if ctx.Err() != nil {
		return false, canceled(ctx, st.ID)
	}

	l.mu.Lock()
	l.stats.FailedSubtasks++
	l.mu.Unlock()
	l.recorder.IncSubtaskOutcome(metrics.ResultFailed)

	if l.store != nil {
		_, stuck, ferr := l.store.RecordFailure(ctx, storyID, st.ID, lastErr)
		switch {
		case ferr != nil:
			observability.WarnContext(ctx, "Failed to checkpoint subtask failure", logfields.Error(ferr))
		case stuck:
			observability.WarnContext(ctx, "Subtask is stuck", slog.Int("attempts", maxIter), logfields.Error(lastErr))
		}
	}
	l.emit(ctx, events.SubtaskFailed, storyID, map[string]any{
		"subtaskId": st.ID,
		"attempts":  maxIter,
		"error":     lastErr.Error(),
	})
	return false, nil
}

func canceled(ctx context.Context, subtaskID string) error {
	return errors.WrapError(ctx.Err(), errors.CategoryStopped, "build canceled").
		WithContext("subtask_id", subtaskID).
		Build()
}

func (l *Loop) emit(ctx context.Context, name events.Name, storyID string, data map[string]any) {
	e := events.New(name, storyID, data)
	e.BuildID = l.buildID
	l.emitter.Emit(ctx, e)
}

// Pause requests the run to abort at the next subtask boundary. It has no
// effect unless the loop is running.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		l.paused = true
	}
}

// Stop requests the run to abort at the next subtask boundary. It has no
// effect unless the loop is running.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		l.running = false
		l.paused = false
	}
}

// IsRunning reports whether a run is active and has not been stopped.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// IsPaused reports whether a pause has been requested.
func (l *Loop) IsPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// IsComplete reports whether subtasks completed by this run reach the
// total. Subtasks skipped because an earlier run completed them are not
// counted, so after a resume IsComplete can be false while Report.Success
// is true.
func (l *Loop) IsComplete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats.CompletedSubtasks >= l.stats.TotalSubtasks
}

// IsTimedOut reports whether the global timeout has elapsed. It is false
// before the first run and when no timeout is configured.
func (l *Loop) IsTimedOut() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startTime.IsZero() || l.cfg.GlobalTimeout <= 0 {
		return false
	}
	return l.now().Sub(l.startTime) >= l.cfg.GlobalTimeout
}

// Stats returns a snapshot of the counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Loop) elapsed() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startTime.IsZero() {
		return 0
	}
	return l.now().Sub(l.startTime)
}
