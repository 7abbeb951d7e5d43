package events

// Name identifies a lifecycle event. The set is closed and the string values
// are shared with external observers, so they must not change.
type Name string

// Orchestrator lifecycle events.
const (
	BuildQueued     Name = "BUILD_QUEUED"
	PhaseStarted    Name = "PHASE_STARTED"
	PhaseCompleted  Name = "PHASE_COMPLETED"
	PhaseFailed     Name = "PHASE_FAILED"
	BuildCompleted  Name = "BUILD_COMPLETED"
	BuildFailed     Name = "BUILD_FAILED"
	ReportGenerated Name = "REPORT_GENERATED"
)

// Build loop events.
const (
	BuildStarted       Name = "BUILD_STARTED"
	SubtaskStarted     Name = "SUBTASK_STARTED"
	IterationStarted   Name = "ITERATION_STARTED"
	IterationCompleted Name = "ITERATION_COMPLETED"
	SelfCritique       Name = "SELF_CRITIQUE"
	SubtaskCompleted   Name = "SUBTASK_COMPLETED"
	SubtaskFailed      Name = "SUBTASK_FAILED"
	BuildTimeout       Name = "BUILD_TIMEOUT"
	BuildSuccess       Name = "BUILD_SUCCESS"
)

// All lists every known event name in declaration order.
func All() []Name {
	return []Name{
		BuildQueued, PhaseStarted, PhaseCompleted, PhaseFailed,
		BuildCompleted, BuildFailed, ReportGenerated,
		BuildStarted, SubtaskStarted, IterationStarted, IterationCompleted,
		SelfCritique, SubtaskCompleted, SubtaskFailed, BuildTimeout, BuildSuccess,
	}
}

// Valid reports whether n belongs to the closed event set.
func (n Name) Valid() bool {
	for _, known := range All() {
		if n == known {
			return true
		}
	}
	return false
}
