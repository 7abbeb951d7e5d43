package worktree

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5"
	ggitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
)

// MergeResult describes what a merge brought back into the source repository.
type MergeResult struct {
	Branch    string `json:"branch"`
	Commit    string `json:"commit"`
	Committed bool   `json:"committed"` // a new commit was created from pending changes
}

// GitMerger commits pending worktree changes and fetches the story branch
// into the source repository.
type GitMerger struct {
	source string
	author object.Signature
}

// NewGitMerger returns a merger targeting the repository at source.
func NewGitMerger(source string) *GitMerger {
	return &GitMerger{
		source: source,
		author: object.Signature{Name: "storybuilder", Email: "storybuilder@localhost"},
	}
}

// Merge brings wt.Branch into the source repository.
func (m *GitMerger) Merge(ctx context.Context, wt *Worktree) (*MergeResult, error) {
	if wt == nil {
		return nil, errors.ValidationError("no worktree to merge").Build()
	}

	committed, head, err := m.commitPending(wt)
	if err != nil {
		return nil, err
	}

	src, err := git.PlainOpen(m.source)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryWorktree, "failed to open source repository").
			WithContext("source", m.source).
			Build()
	}

	remote := git.NewRemote(src.Storer, &ggitcfg.RemoteConfig{Name: "storybuilder", URLs: []string{wt.Path}})
	refspec := ggitcfg.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", wt.Branch, wt.Branch))
	err = remote.FetchContext(ctx, &git.FetchOptions{RefSpecs: []ggitcfg.RefSpec{refspec}})
	if err != nil && !stderrors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, errors.WrapError(err, errors.CategoryWorktree, "failed to fetch story branch into source").
			WithContext("branch", wt.Branch).
			Build()
	}

	slog.InfoContext(ctx, "Story branch merged into source",
		logfields.StoryID(wt.StoryID),
		slog.String("branch", wt.Branch),
		slog.String("commit", head))

	return &MergeResult{Branch: wt.Branch, Commit: head, Committed: committed}, nil
}

func (m *GitMerger) commitPending(wt *Worktree) (bool, string, error) {
	repo, err := git.PlainOpen(wt.Path)
	if err != nil {
		return false, "", errors.WrapError(err, errors.CategoryWorktree, "failed to open worktree").
			WithContext("path", wt.Path).
			Build()
	}
	w, err := repo.Worktree()
	if err != nil {
		return false, "", errors.WrapError(err, errors.CategoryWorktree, "failed to open worktree").Build()
	}

	status, err := w.Status()
	if err != nil {
		return false, "", errors.WrapError(err, errors.CategoryWorktree, "failed to read worktree status").Build()
	}

	committed := false
	if !status.IsClean() {
		if err := w.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return false, "", errors.WrapError(err, errors.CategoryWorktree, "failed to stage changes").Build()
		}
		sig := m.author
		sig.When = time.Now()
		if _, err := w.Commit("storybuilder: "+wt.StoryID, &git.CommitOptions{Author: &sig}); err != nil {
			return false, "", errors.WrapError(err, errors.CategoryWorktree, "failed to commit changes").Build()
		}
		committed = true
	}

	head, err := repo.Head()
	if err != nil {
		return false, "", errors.WrapError(err, errors.CategoryWorktree, "worktree has no HEAD").Build()
	}
	return committed, head.Hash().String(), nil
}
