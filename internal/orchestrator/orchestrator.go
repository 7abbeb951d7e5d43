package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/storybuilder/internal/buildloop"
	"git.home.luguber.info/inful/storybuilder/internal/checkpoint"
	"git.home.luguber.info/inful/storybuilder/internal/events"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
	"git.home.luguber.info/inful/storybuilder/internal/metrics"
	"git.home.luguber.info/inful/storybuilder/internal/observability"
	"git.home.luguber.info/inful/storybuilder/internal/story"
	"git.home.luguber.info/inful/storybuilder/internal/worktree"
)

// Orchestrator runs story builds and tracks the ones in flight.
type Orchestrator struct {
	defaults Settings
	store    checkpoint.Store
	emitter  events.Emitter
	recorder metrics.Recorder
	provider worktree.Provider
	gate     QualityGate
	merger   Merger
	executor ExecutorFactory
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*BuildContext
}

// New creates an orchestrator. store may be nil to disable checkpointing.
func New(defaults Settings, store checkpoint.Store, emitter events.Emitter) *Orchestrator {
	if emitter == nil {
		emitter = events.Discard
	}
	return &Orchestrator{
		defaults: defaults,
		store:    store,
		emitter:  emitter,
		recorder: metrics.NoopRecorder{},
		now:      time.Now,
		active:   make(map[string]*BuildContext),
	}
}

// WithRecorder attaches a metrics recorder.
func (o *Orchestrator) WithRecorder(r metrics.Recorder) *Orchestrator {
	if r != nil {
		o.recorder = r
	}
	return o
}

// WithWorktreeProvider sets the provider used when UseWorktree is enabled.
func (o *Orchestrator) WithWorktreeProvider(p worktree.Provider) *Orchestrator {
	o.provider = p
	return o
}

// WithQualityGate sets the QA phase collaborator.
func (o *Orchestrator) WithQualityGate(g QualityGate) *Orchestrator {
	o.gate = g
	return o
}

// WithMerger sets the merge phase collaborator.
func (o *Orchestrator) WithMerger(m Merger) *Orchestrator {
	o.merger = m
	return o
}

// WithExecutor sets the factory producing the subtask executor of each build.
func (o *Orchestrator) WithExecutor(f ExecutorFactory) *Orchestrator {
	o.executor = f
	return o
}

// Build runs the full lifecycle for storyID. It returns an error only when
// the story id is invalid or the story already has a build in flight; every
// other failure is reported through the result.
func (o *Orchestrator) Build(ctx context.Context, storyID string, opts Options) (*BuildResult, error) {
	bc, err := o.register(storyID, opts)
	if err != nil {
		o.recorder.IncBuildOutcome(metrics.BuildOutcomeRejected)
		return nil, err
	}
	defer o.unregister(storyID)

	ctx = observability.WithStoryID(ctx, storyID)
	ctx = observability.WithBuildID(ctx, bc.BuildID)
	observability.InfoContext(ctx, "Build queued", slog.Bool("dry_run", bc.Options.DryRun))
	o.emit(ctx, bc, events.BuildQueued, nil)

	var (
		failedPhase Phase
		cause       error
	)
	for _, ph := range Phases() {
		if ph == PhaseReport {
			break
		}
		if _, err := o.runPhase(ctx, bc, ph, o.body(bc, ph)); err != nil {
			failedPhase = ph
			cause = unwrapPhase(err)
			break
		}
	}

	success := cause == nil
	reportCtx := context.WithoutCancel(ctx)
	if _, err := o.runPhase(reportCtx, bc, PhaseReport, func(ctx context.Context) (any, error) {
		return o.writeReport(ctx, bc, success)
	}); err != nil && success {
		failedPhase = PhaseReport
		cause = unwrapPhase(err)
		success = false
	}

	duration := o.now().Sub(bc.StartTime)
	o.recorder.ObserveBuildDuration(duration)
	result := &BuildResult{
		StoryID:    storyID,
		BuildID:    bc.BuildID,
		Success:    success,
		Duration:   duration,
		ReportPath: bc.ReportPath,
	}
	if bc.Result != nil {
		stats := bc.Result.Stats
		result.Stats = &stats
	}

	if !success {
		result.Phase = failedPhase
		result.Err = cause
		o.recorder.IncBuildOutcome(outcomeFor(cause))
		o.checkpointOutcome(reportCtx, bc, cause)
		observability.ErrorContext(ctx, "Build failed", logfields.Phase(string(failedPhase)), logfields.Error(cause))
		o.emit(reportCtx, bc, events.BuildFailed, map[string]any{
			"error": cause.Error(),
			"phase": string(failedPhase),
		})
		return result, nil
	}

	o.recorder.IncBuildOutcome(metrics.BuildOutcomeSuccess)
	o.checkpointOutcome(reportCtx, bc, nil)
	observability.InfoContext(ctx, "Build completed", logfields.Duration(duration))
	data := map[string]any{"duration": buildloop.FormatDuration(duration), "report": bc.ReportPath}
	if result.Stats != nil {
		data["completedSubtasks"] = result.Stats.CompletedSubtasks
	}
	o.emit(reportCtx, bc, events.BuildCompleted, data)
	return result, nil
}

// Resume continues a build recorded in the checkpoint store. Completed
// subtasks are skipped by the build loop.
func (o *Orchestrator) Resume(ctx context.Context, storyID string, opts Options) (*BuildResult, error) {
	if o.store == nil {
		return nil, errors.ConfigError("resume requires a checkpoint store").Build()
	}
	info, err := o.store.ResumeBuild(ctx, storyID)
	if err != nil {
		return nil, err
	}
	observability.InfoContext(observability.WithStoryID(ctx, storyID), "Resuming build",
		logfields.Count(len(info.CompletedSubtasks)),
		slog.String("status", string(info.Status)))
	return o.Build(ctx, storyID, opts)
}

// Stop asks the build loop of storyID to stop at the next subtask boundary.
// It reports whether a running loop was found.
func (o *Orchestrator) Stop(storyID string) bool {
	o.mu.Lock()
	bc, ok := o.active[storyID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	loop := bc.activeLoop()
	if loop == nil || !loop.IsRunning() {
		return false
	}
	loop.Stop()
	return true
}

// ActiveBuilds returns a snapshot of every build in flight, sorted by story id.
func (o *Orchestrator) ActiveBuilds() []ActiveBuild {
	o.mu.Lock()
	out := make([]ActiveBuild, 0, len(o.active))
	for id, bc := range o.active {
		out = append(out, ActiveBuild{
			StoryID: id,
			BuildID: bc.BuildID,
			Phase:   bc.CurrentPhase(),
			Elapsed: o.now().Sub(bc.StartTime),
		})
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StoryID < out[j].StoryID })
	return out
}

// IsActive reports whether storyID has a build in flight.
func (o *Orchestrator) IsActive(storyID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[storyID]
	return ok
}

func (o *Orchestrator) register(storyID string, opts Options) (*BuildContext, error) {
	if err := story.ValidateID(storyID); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[storyID]; ok {
		return nil, errors.DuplicateBuildError(storyID).Build()
	}
	bc := &BuildContext{
		StoryID:   storyID,
		BuildID:   uuid.NewString(),
		Options:   opts.mergeInto(o.defaults),
		Phases:    make(map[Phase]*PhaseRecord),
		StartTime: o.now(),
	}
	o.active[storyID] = bc
	o.recorder.SetActiveBuilds(len(o.active))
	return bc, nil
}

func (o *Orchestrator) unregister(storyID string) {
	o.mu.Lock()
	delete(o.active, storyID)
	o.recorder.SetActiveBuilds(len(o.active))
	o.mu.Unlock()
}

func (o *Orchestrator) checkpointOutcome(ctx context.Context, bc *BuildContext, cause error) {
	if o.store == nil || bc.Options.DryRun || bc.Plan == nil {
		return
	}
	var err error
	if cause == nil {
		err = o.store.CompleteBuild(ctx, bc.StoryID)
	} else {
		err = o.store.FailBuild(ctx, bc.StoryID, cause)
	}
	if err != nil {
		observability.WarnContext(ctx, "Failed to checkpoint build outcome", logfields.Error(err))
	}
}

func (o *Orchestrator) emit(ctx context.Context, bc *BuildContext, name events.Name, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["storyId"] = bc.StoryID
	e := events.New(name, bc.StoryID, data)
	e.BuildID = bc.BuildID
	o.emitter.Emit(ctx, e)
}

func outcomeFor(cause error) metrics.BuildOutcomeLabel {
	switch errors.GetCategory(cause) {
	case errors.CategoryTimeout:
		return metrics.BuildOutcomeTimeout
	case errors.CategoryStopped:
		return metrics.BuildOutcomeStopped
	default:
		return metrics.BuildOutcomeFailed
	}
}
