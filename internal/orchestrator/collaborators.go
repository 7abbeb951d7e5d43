package orchestrator

import (
	"context"

	"git.home.luguber.info/inful/storybuilder/internal/buildloop"
	"git.home.luguber.info/inful/storybuilder/internal/config"
	"git.home.luguber.info/inful/storybuilder/internal/qa"
	"git.home.luguber.info/inful/storybuilder/internal/retry"
	"git.home.luguber.info/inful/storybuilder/internal/worktree"
)

// SettingsFromConfig derives the default build settings from the configuration file.
func SettingsFromConfig(cfg *config.Config) Settings {
	loop := buildloop.ConfigFromSettings(cfg.Build, cfg.Paths.Plans)
	backoff := retry.FromConfig(cfg.Retry)
	loop.Backoff = &backoff

	root := cfg.Paths.Repository
	if root == "" {
		root = "."
	}
	return Settings{
		DryRun:      cfg.Build.DryRun,
		UseWorktree: cfg.Build.UseWorktree,
		StoriesDir:  cfg.Paths.Stories,
		PlanDir:     cfg.Paths.Plans,
		ReportDir:   cfg.Paths.Reports,
		RootPath:    root,
		Loop:        loop,
	}
}

// ExecutorFromConfig returns the worker command factory, or nil when no
// command is configured.
func ExecutorFromConfig(cfg config.ExecutorConfig) ExecutorFactory {
	if cfg.Command == "" {
		return nil
	}
	return CommandExecutor{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env}.For
}

// QualityGateFromCommands runs gate in the build's working directory.
func QualityGateFromCommands(gate *qa.CommandGate) QualityGate {
	return func(ctx context.Context, bc *BuildContext) (any, error) {
		dir := bc.Options.RootPath
		if bc.Worktree != nil {
			dir = bc.Worktree.Path
		}
		return gate.Run(ctx, dir)
	}
}

// MergerFromGit integrates the build's worktree branch with m.
func MergerFromGit(m *worktree.GitMerger) Merger {
	return func(ctx context.Context, bc *BuildContext) (any, error) {
		return m.Merge(ctx, bc.Worktree)
	}
}
