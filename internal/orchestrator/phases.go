package orchestrator

import (
	"context"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/storybuilder/internal/buildloop"
	"git.home.luguber.info/inful/storybuilder/internal/events"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
	"git.home.luguber.info/inful/storybuilder/internal/metrics"
	"git.home.luguber.info/inful/storybuilder/internal/observability"
	"git.home.luguber.info/inful/storybuilder/internal/plan"
	"git.home.luguber.info/inful/storybuilder/internal/story"
)

type phaseBody func(ctx context.Context) (any, error)

var (
	dryRunOutput  = map[string]any{"dryRun": true}
	skippedOutput = map[string]any{"skipped": true}
)

// runPhase records timing and outcome of one phase and emits its events.
// A failure is returned as a phase error carrying the phase name.
func (o *Orchestrator) runPhase(ctx context.Context, bc *BuildContext, phase Phase, body phaseBody) (any, error) {
	bc.setPhase(phase)
	ctx = observability.WithPhase(ctx, string(phase))
	start := o.now()
	bc.Phases[phase] = &PhaseRecord{Status: PhaseRunning}
	o.emit(ctx, bc, events.PhaseStarted, map[string]any{"phase": string(phase)})
	observability.DebugContext(ctx, "Phase started")

	var (
		out any
		err error
	)
	select {
	case <-ctx.Done():
		err = errors.WrapError(ctx.Err(), errors.CategoryStopped, "build canceled").Build()
	default:
		out, err = body(ctx)
	}
	duration := o.now().Sub(start)
	o.recorder.ObservePhaseDuration(string(phase), duration)

	if err != nil {
		bc.Phases[phase] = &PhaseRecord{Status: PhaseFailed, Duration: duration, Err: err}
		bc.Errors = append(bc.Errors, err)
		o.recorder.IncPhaseResult(string(phase), metrics.ResultFailed)
		observability.WarnContext(ctx, "Phase failed", logfields.Duration(duration), logfields.Error(err))
		o.emit(ctx, bc, events.PhaseFailed, map[string]any{
			"phase":    string(phase),
			"error":    err.Error(),
			"duration": duration.Milliseconds(),
		})
		return nil, errors.PhaseError(string(phase), err).
			WithContext("story_id", bc.StoryID).
			Build()
	}

	bc.Phases[phase] = &PhaseRecord{Status: PhaseCompleted, Duration: duration}
	o.recorder.IncPhaseResult(string(phase), metrics.ResultSuccess)
	observability.DebugContext(ctx, "Phase completed", logfields.Duration(duration))
	o.emit(ctx, bc, events.PhaseCompleted, map[string]any{
		"phase":    string(phase),
		"output":   out,
		"duration": duration.Milliseconds(),
	})
	return out, nil
}

// unwrapPhase returns the cause wrapped by runPhase.
func unwrapPhase(err error) error {
	if ce, ok := errors.AsClassified(err); ok && ce.Category() == errors.CategoryPhase && ce.Cause() != nil {
		return ce.Cause()
	}
	return err
}

func (o *Orchestrator) body(bc *BuildContext, phase Phase) phaseBody {
	switch phase {
	case PhaseInit:
		return func(context.Context) (any, error) { return o.initPhase(bc) }
	case PhaseWorktree:
		return func(ctx context.Context) (any, error) { return o.worktreePhase(ctx, bc) }
	case PhasePlan:
		return func(ctx context.Context) (any, error) { return o.planPhase(ctx, bc) }
	case PhaseExecute:
		return func(ctx context.Context) (any, error) { return o.executePhase(ctx, bc) }
	case PhaseQA:
		return func(ctx context.Context) (any, error) { return o.qaPhase(ctx, bc) }
	case PhaseMerge:
		return func(ctx context.Context) (any, error) { return o.mergePhase(ctx, bc) }
	case PhaseCleanup:
		return func(ctx context.Context) (any, error) { return o.cleanupPhase(ctx, bc) }
	default:
		return func(context.Context) (any, error) {
			return nil, errors.InternalError("unknown phase " + string(phase)).Build()
		}
	}
}

func (o *Orchestrator) initPhase(bc *BuildContext) (any, error) {
	path, err := story.Locate(bc.Options.StoriesDir, bc.StoryID)
	if err != nil {
		return nil, err
	}
	bc.StoryPath = path
	return map[string]any{"storyPath": path}, nil
}

func (o *Orchestrator) worktreePhase(ctx context.Context, bc *BuildContext) (any, error) {
	if bc.Options.DryRun {
		return dryRunOutput, nil
	}
	if !bc.Options.UseWorktree || o.provider == nil {
		return skippedOutput, nil
	}
	wt, err := o.provider.Create(ctx, bc.StoryID)
	if err != nil {
		return nil, err
	}
	bc.Worktree = wt
	return wt, nil
}

func (o *Orchestrator) planPhase(ctx context.Context, bc *BuildContext) (any, error) {
	if path, ok := plan.Find(bc.Options.PlanDir, bc.StoryID); ok {
		p, err := plan.Load(path)
		if err != nil {
			return nil, err
		}
		s, err := staleStory(bc, p)
		if err != nil {
			return nil, err
		}
		if s == nil || bc.Options.DryRun {
			p.Source = plan.SourceExisting
			bc.Plan, bc.PlanSource, bc.PlanPath = p, plan.SourceExisting, path
			o.recordArtifacts(ctx, bc)
			return p, nil
		}
		observability.InfoContext(ctx, "Story changed since plan was generated, replanning", logfields.Path(path))
		// Subtask ids are positional, so earlier completions no longer apply.
		if o.store != nil {
			if err := o.store.ResetProgress(ctx, bc.StoryID); err != nil {
				return nil, err
			}
		}
		return o.generatePlan(ctx, bc, s)
	}
	if bc.Options.DryRun {
		return dryRunOutput, nil
	}

	s, err := story.Load(bc.StoryID, bc.StoryPath)
	if err != nil {
		return nil, err
	}
	return o.generatePlan(ctx, bc, s)
}

// staleStory returns the current story when p was generated from an earlier
// version of it, and nil otherwise. Hand-written plans are never stale.
func staleStory(bc *BuildContext, p *plan.Plan) (*story.Story, error) {
	if p.Source != plan.SourceGenerated || p.SourceFingerprint == "" {
		return nil, nil
	}
	s, err := story.Load(bc.StoryID, bc.StoryPath)
	if err != nil {
		return nil, err
	}
	if s.Fingerprint == p.SourceFingerprint {
		return nil, nil
	}
	return s, nil
}

func (o *Orchestrator) generatePlan(ctx context.Context, bc *BuildContext, s *story.Story) (any, error) {
	p, err := plan.Synthesize(s)
	if err != nil {
		return nil, err
	}
	path := plan.Path(bc.Options.PlanDir, bc.StoryID)
	if err := plan.Save(path, p); err != nil {
		return nil, err
	}
	bc.Plan, bc.PlanSource, bc.PlanPath = p, plan.SourceGenerated, path
	o.recordArtifacts(ctx, bc)
	return p, nil
}

func (o *Orchestrator) recordArtifacts(ctx context.Context, bc *BuildContext) {
	if o.store == nil || bc.Options.DryRun {
		return
	}
	wtPath := ""
	if bc.Worktree != nil {
		wtPath = bc.Worktree.Path
	}
	if err := o.store.SetArtifacts(ctx, bc.StoryID, bc.PlanPath, wtPath); err != nil {
		observability.WarnContext(ctx, "Failed to checkpoint build artifacts", logfields.Error(err))
	}
}

func (o *Orchestrator) executePhase(ctx context.Context, bc *BuildContext) (any, error) {
	if bc.Options.DryRun {
		return dryRunOutput, nil
	}
	if bc.Plan == nil {
		return nil, errors.NotFoundError("no plan to execute").WithContext("story_id", bc.StoryID).Build()
	}

	cfg := bc.Options.Loop
	if o.executor != nil {
		cfg.Executor = o.executor(bc)
	}
	loop := buildloop.New(cfg, o.store, o.emitter).
		WithRecorder(o.recorder).
		WithBuildID(bc.BuildID)
	bc.setLoop(loop)
	defer bc.setLoop(nil)

	report, err := loop.Run(ctx, bc.StoryID, buildloop.RunInput{Plan: bc.Plan, RootPath: o.rootPath(bc)})
	if err != nil {
		return nil, err
	}
	bc.Result = report
	if !report.Success {
		return nil, report.Err
	}
	return report.Stats, nil
}

func (o *Orchestrator) qaPhase(ctx context.Context, bc *BuildContext) (any, error) {
	if bc.Options.DryRun {
		return dryRunOutput, nil
	}
	if o.gate == nil {
		return skippedOutput, nil
	}
	res, err := o.gate(ctx, bc)
	bc.QAResult = res
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) mergePhase(ctx context.Context, bc *BuildContext) (any, error) {
	if bc.Options.DryRun {
		return dryRunOutput, nil
	}
	if bc.Worktree == nil || o.merger == nil {
		return skippedOutput, nil
	}
	res, err := o.merger(ctx, bc)
	if err != nil {
		return nil, err
	}
	bc.MergeResult = res
	return res, nil
}

func (o *Orchestrator) cleanupPhase(ctx context.Context, bc *BuildContext) (any, error) {
	if bc.Options.DryRun {
		return dryRunOutput, nil
	}
	if bc.Worktree == nil || o.provider == nil {
		return skippedOutput, nil
	}
	if err := o.provider.Destroy(ctx, bc.Worktree); err != nil {
		return nil, err
	}
	return map[string]any{"removed": bc.Worktree.Path}, nil
}

// writeReport renders the report and writes it to the report directory.
func (o *Orchestrator) writeReport(ctx context.Context, bc *BuildContext, success bool) (any, error) {
	content := GenerateReport(bc, success)
	path := ReportPath(bc.Options.ReportDir, bc.StoryID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "failed to create report directory").
			WithContext("path", filepath.Dir(path)).
			Build()
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "failed to write report").
			WithContext("path", path).
			Build()
	}
	bc.ReportPath = path
	o.emit(ctx, bc, events.ReportGenerated, map[string]any{"path": path})
	return map[string]any{"path": path}, nil
}

// ReportPath returns where the report for storyID is written.
func ReportPath(dir, storyID string) string {
	return filepath.Join(dir, storyID+"-build-report.md")
}

func (o *Orchestrator) rootPath(bc *BuildContext) string {
	if bc.Worktree != nil {
		return bc.Worktree.Path
	}
	return bc.Options.RootPath
}
