package orchestrator

import (
	"context"
	"sync"
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/buildloop"
	"git.home.luguber.info/inful/storybuilder/internal/plan"
	"git.home.luguber.info/inful/storybuilder/internal/worktree"
)

// Phase names a lifecycle phase.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseWorktree Phase = "worktree"
	PhasePlan     Phase = "plan"
	PhaseExecute  Phase = "execute"
	PhaseQA       Phase = "qa"
	PhaseMerge    Phase = "merge"
	PhaseCleanup  Phase = "cleanup"
	PhaseReport   Phase = "report"
)

// Phases returns the lifecycle phases in execution order.
func Phases() []Phase {
	return []Phase{PhaseInit, PhaseWorktree, PhasePlan, PhaseExecute, PhaseQA, PhaseMerge, PhaseCleanup, PhaseReport}
}

// PhaseStatus is the recorded outcome of a phase.
type PhaseStatus string

const (
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
)

// PhaseRecord captures timing and outcome of one phase.
type PhaseRecord struct {
	Status   PhaseStatus
	Duration time.Duration
	Err      error
}

// Settings are the effective options of one build.
type Settings struct {
	DryRun      bool
	UseWorktree bool
	StoriesDir  string
	PlanDir     string
	ReportDir   string
	RootPath    string // working directory when no worktree is used
	Loop        buildloop.Config
}

// Options override Settings for a single build. Zero values keep the default.
type Options struct {
	DryRun         bool
	UseWorktree    *bool
	MaxIterations  int
	GlobalTimeout  time.Duration
	SubtaskTimeout time.Duration
	SelfCritique   *bool
	Verification   *bool
	PauseOnFailure *bool
}

func (o Options) mergeInto(s Settings) Settings {
	if o.DryRun {
		s.DryRun = true
	}
	if o.UseWorktree != nil {
		s.UseWorktree = *o.UseWorktree
	}
	if o.MaxIterations > 0 {
		s.Loop.MaxIterations = o.MaxIterations
	}
	if o.GlobalTimeout > 0 {
		s.Loop.GlobalTimeout = o.GlobalTimeout
	}
	if o.SubtaskTimeout > 0 {
		s.Loop.SubtaskTimeout = o.SubtaskTimeout
	}
	if o.SelfCritique != nil {
		s.Loop.SelfCritiqueEnabled = *o.SelfCritique
	}
	if o.Verification != nil {
		s.Loop.VerificationEnabled = *o.Verification
	}
	if o.PauseOnFailure != nil {
		s.Loop.PauseOnFailure = *o.PauseOnFailure
	}
	return s
}

// BuildContext is the state of one in-flight build. It is owned by the
// Build call that created it.
type BuildContext struct {
	StoryID     string
	BuildID     string
	Options     Settings
	Phases      map[Phase]*PhaseRecord
	Worktree    *worktree.Worktree
	Plan        *plan.Plan
	PlanSource  plan.Source
	PlanPath    string
	StoryPath   string
	QAResult    any
	MergeResult any
	Errors      []error
	Result      *buildloop.Report
	StartTime   time.Time
	ReportPath  string

	mu           sync.Mutex
	currentPhase Phase
	loop         *buildloop.Loop
}

// CurrentPhase returns the phase in progress.
func (bc *BuildContext) CurrentPhase() Phase {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.currentPhase
}

func (bc *BuildContext) setPhase(p Phase) {
	bc.mu.Lock()
	bc.currentPhase = p
	bc.mu.Unlock()
}

func (bc *BuildContext) setLoop(l *buildloop.Loop) {
	bc.mu.Lock()
	bc.loop = l
	bc.mu.Unlock()
}

func (bc *BuildContext) activeLoop() *buildloop.Loop {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.loop
}

// BuildResult is returned by Build.
type BuildResult struct {
	StoryID    string
	BuildID    string
	Success    bool
	Phase      Phase // failing phase, empty on success
	Err        error // cause of the failing phase
	Stats      *buildloop.Stats
	Duration   time.Duration
	ReportPath string
}

// ActiveBuild is an introspection snapshot of a registered build.
type ActiveBuild struct {
	StoryID string        `json:"storyId"`
	BuildID string        `json:"buildId"`
	Phase   Phase         `json:"phase"`
	Elapsed time.Duration `json:"elapsed"`
}

// QualityGate runs checks over a finished execution. The returned value is
// stored on BuildContext.QAResult.
type QualityGate func(ctx context.Context, bc *BuildContext) (any, error)

// Merger integrates the worktree. The returned value is stored on
// BuildContext.MergeResult.
type Merger func(ctx context.Context, bc *BuildContext) (any, error)

// ExecutorFactory builds the subtask executor for one build.
type ExecutorFactory func(bc *BuildContext) buildloop.Executor
