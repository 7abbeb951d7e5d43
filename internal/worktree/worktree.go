// Package worktree provides isolated per-story working copies of the project
// repository and merges their results back into it.
package worktree

import (
	"context"
	"time"
)

// Worktree is an isolated working copy checked out on a story branch.
type Worktree struct {
	StoryID    string    `json:"storyId"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	BaseCommit string    `json:"baseCommit,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Provider creates and destroys worktrees.
type Provider interface {
	Create(ctx context.Context, storyID string) (*Worktree, error)
	Destroy(ctx context.Context, wt *Worktree) error
}

// BranchName returns the branch a story is built on.
func BranchName(storyID string) string { return "story/" + storyID }
