package metrics

import "time"

// ResultLabel enumerates phase and iteration result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFailed   ResultLabel = "failed"
	ResultSkipped  ResultLabel = "skipped"
	ResultCanceled ResultLabel = "canceled"
)

// BuildOutcomeLabel is the final outcome of a story build.
type BuildOutcomeLabel string

const (
	BuildOutcomeSuccess  BuildOutcomeLabel = "success"
	BuildOutcomeFailed   BuildOutcomeLabel = "failed"
	BuildOutcomeTimeout  BuildOutcomeLabel = "timeout"
	BuildOutcomeStopped  BuildOutcomeLabel = "stopped"
	BuildOutcomeRejected BuildOutcomeLabel = "rejected"
)

// Recorder defines observability hooks for phase, build and subtask metrics.
// NoopRecorder is the default so callers never nil-check.
type Recorder interface {
	ObservePhaseDuration(phase string, d time.Duration)
	IncPhaseResult(phase string, result ResultLabel)
	ObserveBuildDuration(d time.Duration)
	IncBuildOutcome(outcome BuildOutcomeLabel)
	IncIteration(result ResultLabel)
	IncSubtaskOutcome(result ResultLabel)
	IncSelfCritique()
	SetActiveBuilds(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObservePhaseDuration(string, time.Duration) {}
func (NoopRecorder) IncPhaseResult(string, ResultLabel)         {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)         {}
func (NoopRecorder) IncBuildOutcome(BuildOutcomeLabel)          {}
func (NoopRecorder) IncIteration(ResultLabel)                   {}
func (NoopRecorder) IncSubtaskOutcome(ResultLabel)              {}
func (NoopRecorder) IncSelfCritique()                           {}
func (NoopRecorder) SetActiveBuilds(int)                        {}
