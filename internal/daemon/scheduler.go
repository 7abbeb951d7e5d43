package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
	"git.home.luguber.info/inful/storybuilder/internal/orchestrator"
)

// Enqueuer accepts build jobs.
type Enqueuer interface {
	Enqueue(job *BuildJob) error
}

// Scheduler wraps gocron to resume stories periodically.
type Scheduler struct {
	scheduler gocron.Scheduler
	enqueuer  Enqueuer
}

// NewScheduler creates a scheduler feeding enqueuer.
func NewScheduler(enqueuer Enqueuer) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryDaemon, "failed to create scheduler").Build()
	}
	return &Scheduler{scheduler: s, enqueuer: enqueuer}, nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start(_ context.Context) {
	slog.Info("Starting scheduler", logfields.Count(len(s.scheduler.Jobs())))
	s.scheduler.Start()
}

// Stop shuts the scheduler down, waiting for running tasks.
func (s *Scheduler) Stop(_ context.Context) error {
	slog.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// ScheduleEvery runs task at a fixed interval and returns the job id.
func (s *Scheduler) ScheduleEvery(name string, interval time.Duration, task func()) (string, error) {
	if interval <= 0 {
		return "", errors.ValidationError("schedule interval must be positive").
			WithContext("name", name).
			Build()
	}
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", errors.WrapError(err, errors.CategoryDaemon, "failed to create scheduled job").
			WithContext("name", name).
			Build()
	}
	return job.ID().String(), nil
}

// ScheduleResume periodically enqueues a resume build of storyID.
func (s *Scheduler) ScheduleResume(storyID string, interval time.Duration) (string, error) {
	return s.ScheduleEvery("resume-"+storyID, interval, func() { s.enqueueResume(storyID) })
}

func (s *Scheduler) enqueueResume(storyID string) {
	if s.enqueuer == nil {
		slog.Error("Scheduler enqueuer not set")
		return
	}
	job := NewJob(storyID, true, TriggerScheduled, orchestrator.Options{})
	slog.Info("Executing scheduled build", logfields.JobID(job.ID), logfields.StoryID(storyID))
	if err := s.enqueuer.Enqueue(job); err != nil {
		slog.Error("Failed to enqueue scheduled build",
			logfields.JobID(job.ID),
			logfields.StoryID(storyID),
			logfields.Error(err))
	}
}
