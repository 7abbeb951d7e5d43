// Package checkpoint persists per-story build progress so that completed
// subtasks are skipped on the next run and interrupted builds can resume.
package checkpoint

import (
	"context"
	"time"
)

// Status is the lifecycle state of a story build.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Kind labels a checkpoint entry.
type Kind string

const (
	KindSubtaskStarted   Kind = "subtask_started"
	KindSubtaskCompleted Kind = "subtask_completed"
	KindSubtaskFailed    Kind = "subtask_failed"
	KindBuildCompleted   Kind = "build_completed"
	KindBuildFailed      Kind = "build_failed"
)

// Checkpoint is one recorded progress step.
type Checkpoint struct {
	Kind      Kind      `json:"kind"`
	SubtaskID string    `json:"subtaskId,omitempty"`
	At        time.Time `json:"at"`
}

// Failure is one failed attempt of a subtask.
type Failure struct {
	SubtaskID string    `json:"subtaskId"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// State is the persisted progress of one story.
type State struct {
	StoryID           string               `json:"storyId"`
	Status            Status               `json:"status"`
	Checkpoints       []Checkpoint         `json:"checkpoints"`
	CompletedSubtasks []string             `json:"completedSubtasks"`
	Failures          map[string][]Failure `json:"failures,omitempty"`
	CurrentSubtask    string               `json:"currentSubtask,omitempty"`
	PlanPath          string               `json:"planPath,omitempty"`
	WorktreePath      string               `json:"worktreePath,omitempty"`
	LastError         string               `json:"lastError,omitempty"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

// IsCompleted reports whether subtaskID has been recorded as completed.
func (s *State) IsCompleted(subtaskID string) bool {
	for _, id := range s.CompletedSubtasks {
		if id == subtaskID {
			return true
		}
	}
	return false
}

// ResumeInfo is what a caller needs to pick an interrupted build back up.
type ResumeInfo struct {
	StoryID           string      `json:"storyId"`
	Status            Status      `json:"status"`
	LastCheckpoint    *Checkpoint `json:"lastCheckpoint,omitempty"`
	PlanPath          string      `json:"planPath,omitempty"`
	WorktreePath      string      `json:"worktreePath,omitempty"`
	CompletedSubtasks []string    `json:"completedSubtasks"`
}

// Store is the checkpoint collaborator used by the build loop and orchestrator.
type Store interface {
	LoadOrCreateState(ctx context.Context, storyID string) (*State, error)
	StartSubtask(ctx context.Context, storyID, subtaskID string) error
	CompleteSubtask(ctx context.Context, storyID, subtaskID string) error
	// RecordFailure stores a failed attempt and reports whether the subtask is stuck.
	RecordFailure(ctx context.Context, storyID, subtaskID string, cause error) (Failure, bool, error)
	CompleteBuild(ctx context.Context, storyID string) error
	FailBuild(ctx context.Context, storyID string, cause error) error
	ResumeBuild(ctx context.Context, storyID string) (*ResumeInfo, error)
	SetArtifacts(ctx context.Context, storyID, planPath, worktreePath string) error
	// ResetProgress forgets completed subtasks and failures, e.g. after a replan.
	ResetProgress(ctx context.Context, storyID string) error
	SaveState(ctx context.Context, storyID string) error
	FormatStatus(ctx context.Context, storyID string) (string, error)
}
