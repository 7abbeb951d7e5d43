package worktree

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
	"git.home.luguber.info/inful/storybuilder/internal/workspace"
)

// GitProvider clones the source repository into a managed workspace directory
// and checks out the story branch there.
type GitProvider struct {
	source string
	ws     *workspace.Manager
}

// NewGitProvider returns a provider cloning from source (a path or URL).
func NewGitProvider(source string, ws *workspace.Manager) *GitProvider {
	return &GitProvider{source: source, ws: ws}
}

// Create clones the source and checks out BranchName(storyID).
func (p *GitProvider) Create(ctx context.Context, storyID string) (*Worktree, error) {
	path, err := p.ws.Create(storyID)
	if err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "Cloning worktree", logfields.StoryID(storyID), logfields.Path(path), slog.String("source", p.source))
	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{URL: p.source})
	if err != nil {
		_ = p.ws.Remove(path)
		return nil, errors.WrapError(err, errors.CategoryWorktree, "failed to clone source repository").
			WithContext("source", p.source).
			WithContext("story_id", storyID).
			Build()
	}

	head, err := repo.Head()
	if err != nil {
		_ = p.ws.Remove(path)
		return nil, errors.WrapError(err, errors.CategoryWorktree, "source repository has no HEAD").
			WithContext("source", p.source).
			Build()
	}

	branch := BranchName(storyID)
	w, err := repo.Worktree()
	if err == nil {
		err = w.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Create: true})
	}
	if err != nil {
		_ = p.ws.Remove(path)
		return nil, errors.WrapError(err, errors.CategoryWorktree, "failed to create story branch").
			WithContext("branch", branch).
			Build()
	}

	slog.InfoContext(ctx, "Worktree created",
		logfields.StoryID(storyID),
		logfields.Path(path),
		slog.String("branch", branch),
		slog.String("commit", head.Hash().String()[:8]))

	return &Worktree{
		StoryID:    storyID,
		Path:       path,
		Branch:     branch,
		BaseCommit: head.Hash().String(),
		CreatedAt:  time.Now(),
	}, nil
}

// Destroy removes the worktree directory.
func (p *GitProvider) Destroy(ctx context.Context, wt *Worktree) error {
	if wt == nil {
		return nil
	}
	if err := p.ws.Remove(wt.Path); err != nil {
		return errors.WrapError(err, errors.CategoryWorktree, "failed to destroy worktree").
			WithContext("story_id", wt.StoryID).
			Build()
	}
	slog.DebugContext(ctx, "Worktree destroyed", logfields.StoryID(wt.StoryID), logfields.Path(wt.Path))
	return nil
}
