// Package app assembles the build runtime from a loaded configuration.
package app

import (
	"context"
	"log/slog"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/storybuilder/internal/checkpoint"
	"git.home.luguber.info/inful/storybuilder/internal/config"
	"git.home.luguber.info/inful/storybuilder/internal/events"
	"git.home.luguber.info/inful/storybuilder/internal/eventstore"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
	"git.home.luguber.info/inful/storybuilder/internal/metrics"
	"git.home.luguber.info/inful/storybuilder/internal/notify"
	"git.home.luguber.info/inful/storybuilder/internal/orchestrator"
	"git.home.luguber.info/inful/storybuilder/internal/qa"
	"git.home.luguber.info/inful/storybuilder/internal/workspace"
	"git.home.luguber.info/inful/storybuilder/internal/worktree"
)

// App holds the collaborators shared by the CLI and the daemon.
type App struct {
	Config       *config.Config
	Bus          *events.Bus
	Orchestrator *orchestrator.Orchestrator
	Checkpoints  *checkpoint.JSONStore
	Events       eventstore.Store // nil when persistence is disabled
	History      *eventstore.BuildHistoryProjection
	Registry     *prom.Registry
	Recorder     *metrics.PrometheusRecorder
	Publisher    *notify.NATSPublisher // nil unless NATS is enabled

	closers []func() error
}

// New wires the runtime described by cfg. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Registry: prom.NewRegistry()}
	a.Recorder = metrics.NewPrometheusRecorder(a.Registry)

	cp, err := checkpoint.NewJSONStore(cfg.Paths.Checkpoints)
	if err != nil {
		return nil, err
	}
	a.Checkpoints = cp

	if cfg.EventStore.Path != "" {
		store, err := eventstore.NewSQLiteStore(cfg.EventStore.Path)
		if err != nil {
			return nil, err
		}
		a.Events = store
		a.closers = append(a.closers, store.Close)
		a.Bus = events.NewBusWithEventStore(store)

		a.History = eventstore.NewBuildHistoryProjection(store, 0)
		if err := a.History.Rebuild(ctx); err != nil {
			slog.Warn("Failed to rebuild build history", logfields.Error(err))
		}
		a.Bus.SubscribeAll(a.History.Handler())
	} else {
		a.Bus = events.NewBus()
	}

	if cfg.NATS.Enabled {
		pub, err := notify.NewNATSPublisher(ctx, cfg.NATS)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Publisher = pub
		a.closers = append(a.closers, pub.Close)
		a.Bus.SubscribeAll(pub.Handle)
	}

	o := orchestrator.New(orchestrator.SettingsFromConfig(cfg), cp, a.Bus).
		WithRecorder(a.Recorder).
		WithExecutor(orchestrator.ExecutorFromConfig(cfg.Executor))
	if cfg.Paths.Repository != "" {
		ws := workspace.NewManager(cfg.Paths.Workspace)
		o.WithWorktreeProvider(worktree.NewGitProvider(cfg.Paths.Repository, ws)).
			WithMerger(orchestrator.MergerFromGit(worktree.NewGitMerger(cfg.Paths.Repository)))
	}
	if len(cfg.QA.Commands) > 0 {
		o.WithQualityGate(orchestrator.QualityGateFromCommands(qa.NewCommandGate(cfg.QA.Commands)))
	}
	a.Orchestrator = o
	return a, nil
}

// Close releases the event store and NATS connection in reverse order.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
