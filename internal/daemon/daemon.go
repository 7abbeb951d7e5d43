// Package daemon runs story builds as a long-lived service: a bounded build
// queue fed by the HTTP API, periodic resumes and a story file watcher.
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/api"
	"git.home.luguber.info/inful/storybuilder/internal/app"
	"git.home.luguber.info/inful/storybuilder/internal/config"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
	"git.home.luguber.info/inful/storybuilder/internal/metrics"
	"git.home.luguber.info/inful/storybuilder/internal/orchestrator"
	"git.home.luguber.info/inful/storybuilder/internal/services"
)

// Status represents the current state of the daemon.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Daemon owns the runtime and the services built on it.
type Daemon struct {
	app       *app.App
	queue     *BuildQueue
	scheduler *Scheduler
	watcher   *StoryWatcher // nil unless watching is enabled
	server    *api.Server
	services  *services.ServiceOrchestrator

	// runCtx outlives the bounded contexts services are started with.
	runCtx    context.Context
	status    atomic.Value // Status
	startTime time.Time
}

// New wires a daemon from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d, err := newDaemon(a)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return d, nil
}

func newDaemon(a *app.App) (*Daemon, error) {
	cfg := a.Config
	d := &Daemon{
		app:      a,
		queue:    NewBuildQueue(a.Orchestrator, cfg.Daemon.QueueSize, cfg.Daemon.Workers),
		services: services.NewServiceOrchestrator(),
	}
	d.status.Store(StatusStopped)

	sched, err := NewScheduler(d.queue)
	if err != nil {
		return nil, err
	}
	d.scheduler = sched
	for _, s := range cfg.Daemon.Schedules {
		if _, err := sched.ScheduleResume(s.StoryID, s.Every); err != nil {
			return nil, err
		}
	}

	if cfg.Daemon.Watch {
		w, err := NewStoryWatcher(cfg.Paths.Stories, d.queue)
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}

	live := api.NewEventSubscriber()
	a.Bus.SubscribeAll(live.Handle)
	deps := api.Deps{
		Submit: func(storyID string, resume bool, opts orchestrator.Options) (string, error) {
			return d.queue.Submit(storyID, resume, TriggerManual, opts)
		},
		Active:      a.Orchestrator,
		Events:      a.Events,
		Checkpoints: a.Checkpoints,
		Live:        live,
		Metrics:     metrics.HTTPHandler(a.Registry),
	}
	if a.History != nil {
		deps.History = a.History
	}
	d.server = api.NewServer(cfg.Daemon.HTTPAddr, deps)

	if err := d.registerServices(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) registerServices() error {
	queue := services.NewFuncService("queue",
		func(context.Context) error {
			d.queue.Start(d.runCtx)
			return nil
		},
		func(ctx context.Context) error {
			d.queue.Stop(ctx)
			return nil
		})
	scheduler := services.NewFuncService("scheduler",
		func(context.Context) error {
			d.scheduler.Start(d.runCtx)
			return nil
		},
		d.scheduler.Stop, "queue")
	server := services.NewFuncService("api",
		func(context.Context) error {
			go func() {
				if err := d.server.Start(); err != nil {
					slog.Error("HTTP API stopped", logfields.Error(err))
				}
			}()
			slog.Info("HTTP API listening", slog.String("addr", d.server.Addr))
			return nil
		},
		d.server.Shutdown, "queue")

	all := []services.ManagedService{queue, scheduler, server}
	if d.watcher != nil {
		watcher := services.NewFuncService("watcher",
			func(context.Context) error { return d.watcher.Start(d.runCtx) },
			d.watcher.Stop, "queue")
		all = append(all, watcher)
	}
	for _, s := range all {
		if err := d.services.RegisterService(s); err != nil {
			return err
		}
	}
	return nil
}

// Start launches every service. Queue workers and the watcher live until
// ctx ends or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	if d.GetStatus() == StatusRunning {
		return errors.DaemonError("daemon is already running").Build()
	}
	d.status.Store(StatusStarting)
	d.runCtx = ctx
	if err := d.services.StartAll(ctx); err != nil {
		d.status.Store(StatusError)
		return err
	}
	d.startTime = time.Now()
	d.status.Store(StatusRunning)
	slog.Info("Daemon started", slog.Int("workers", d.app.Config.Daemon.Workers))
	return nil
}

// Stop shuts the services down in reverse order and releases the runtime.
func (d *Daemon) Stop(ctx context.Context) error {
	d.status.Store(StatusStopping)
	err := d.services.StopAll(ctx)
	if cerr := d.app.Close(); cerr != nil && err == nil {
		err = cerr
	}
	d.status.Store(StatusStopped)
	slog.Info("Daemon stopped")
	return err
}

// Run starts the daemon, blocks until ctx ends, then stops it within
// shutdownTimeout.
func (d *Daemon) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := d.Start(ctx); err != nil {
		_ = d.app.Close()
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// GetStatus returns the current daemon status.
func (d *Daemon) GetStatus() Status {
	if s, ok := d.status.Load().(Status); ok {
		return s
	}
	return StatusStopped
}

// GetStartTime returns when the daemon last started.
func (d *Daemon) GetStartTime() time.Time { return d.startTime }

// Queue exposes the build queue.
func (d *Daemon) Queue() *BuildQueue { return d.queue }

// Handler exposes the HTTP API without listening.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }
