package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
	"git.home.luguber.info/inful/storybuilder/internal/orchestrator"
)

// Trigger records what caused a build job.
type Trigger string

const (
	TriggerManual    Trigger = "manual"    // CLI or API request
	TriggerScheduled Trigger = "scheduled" // periodic resume
	TriggerWatch     Trigger = "watch"     // story file changed
)

// JobStatus is the lifecycle state of a build job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Builder runs story builds. *orchestrator.Orchestrator satisfies it.
type Builder interface {
	Build(ctx context.Context, storyID string, opts orchestrator.Options) (*orchestrator.BuildResult, error)
	Resume(ctx context.Context, storyID string, opts orchestrator.Options) (*orchestrator.BuildResult, error)
}

// BuildJob is one queued build of a story.
type BuildJob struct {
	ID          string               `json:"id"`
	StoryID     string               `json:"storyId"`
	Resume      bool                 `json:"resume"`
	Trigger     Trigger              `json:"trigger"`
	Options     orchestrator.Options `json:"-"`
	Status      JobStatus            `json:"status"`
	CreatedAt   time.Time            `json:"createdAt"`
	StartedAt   *time.Time           `json:"startedAt,omitempty"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
	Duration    time.Duration        `json:"duration,omitempty"`
	Phase       string               `json:"phase,omitempty"`
	ReportPath  string               `json:"reportPath,omitempty"`
	Error       string               `json:"error,omitempty"`

	cancel context.CancelFunc
}

// NewJob creates a queued job with a fresh id.
func NewJob(storyID string, resume bool, trigger Trigger, opts orchestrator.Options) *BuildJob {
	return &BuildJob{
		ID:        uuid.NewString(),
		StoryID:   storyID,
		Resume:    resume,
		Trigger:   trigger,
		Options:   opts,
		Status:    JobQueued,
		CreatedAt: time.Now(),
	}
}

// BuildQueue runs build jobs on a fixed pool of workers.
type BuildQueue struct {
	jobs        chan *BuildJob
	workers     int
	maxSize     int
	builder     Builder
	mu          sync.RWMutex
	active      map[string]*BuildJob
	history     []*BuildJob
	historySize int
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewBuildQueue creates a queue holding up to maxSize pending jobs.
func NewBuildQueue(builder Builder, maxSize, workers int) *BuildQueue {
	if maxSize <= 0 {
		maxSize = 32
	}
	if workers <= 0 {
		workers = 2
	}
	return &BuildQueue{
		jobs:        make(chan *BuildJob, maxSize),
		workers:     workers,
		maxSize:     maxSize,
		builder:     builder,
		active:      make(map[string]*BuildJob),
		historySize: 50,
		stopChan:    make(chan struct{}),
	}
}

// Start launches the workers. They exit when ctx ends or Stop is called.
func (bq *BuildQueue) Start(ctx context.Context) {
	slog.Info("Starting build queue", slog.Int("workers", bq.workers), slog.Int("max_size", bq.maxSize))
	for i := range bq.workers {
		bq.wg.Add(1)
		go bq.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Stop cancels running jobs and waits for the workers to exit.
func (bq *BuildQueue) Stop(ctx context.Context) {
	bq.stopOnce.Do(func() {
		slog.Info("Stopping build queue")
		close(bq.stopChan)

		bq.mu.Lock()
		for _, job := range bq.active {
			if job.cancel != nil {
				job.cancel()
			}
		}
		bq.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		bq.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Build queue stopped")
	case <-ctx.Done():
		slog.Warn("Build queue stop timed out", logfields.Error(ctx.Err()))
	}
}

// Enqueue adds job to the queue without blocking.
func (bq *BuildQueue) Enqueue(job *BuildJob) error {
	if job == nil || job.StoryID == "" {
		return errors.ValidationError("build job requires a story id").Build()
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	select {
	case <-bq.stopChan:
		return errors.DaemonError("build queue is stopped").Build()
	default:
	}

	job.Status = JobQueued
	select {
	case bq.jobs <- job:
		slog.Info("Build job enqueued",
			logfields.JobID(job.ID),
			logfields.StoryID(job.StoryID),
			slog.String("trigger", string(job.Trigger)),
			slog.Bool("resume", job.Resume))
		return nil
	default:
		return errors.DaemonError("build queue is full").
			WithContext("max_size", bq.maxSize).
			Retryable().
			Build()
	}
}

// Submit enqueues a new job for storyID and returns its id.
func (bq *BuildQueue) Submit(storyID string, resume bool, trigger Trigger, opts orchestrator.Options) (string, error) {
	job := NewJob(storyID, resume, trigger, opts)
	if err := bq.Enqueue(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Length returns the number of pending jobs.
func (bq *BuildQueue) Length() int { return len(bq.jobs) }

// Active returns snapshots of the running jobs.
func (bq *BuildQueue) Active() []BuildJob {
	bq.mu.RLock()
	defer bq.mu.RUnlock()
	out := make([]BuildJob, 0, len(bq.active))
	for _, job := range bq.active {
		out = append(out, job.snapshot())
	}
	return out
}

// History returns snapshots of finished jobs, oldest first.
func (bq *BuildQueue) History() []BuildJob {
	bq.mu.RLock()
	defer bq.mu.RUnlock()
	out := make([]BuildJob, len(bq.history))
	for i, job := range bq.history {
		out[i] = job.snapshot()
	}
	return out
}

func (j *BuildJob) snapshot() BuildJob {
	c := *j
	c.cancel = nil
	return c
}

func (bq *BuildQueue) worker(ctx context.Context, workerID string) {
	defer bq.wg.Done()
	slog.Debug("Build worker started", logfields.Worker(workerID))

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Build worker stopped by context", logfields.Worker(workerID))
			return
		case <-bq.stopChan:
			slog.Debug("Build worker stopped by stop signal", logfields.Worker(workerID))
			return
		case job := <-bq.jobs:
			if job != nil {
				bq.processJob(ctx, job, workerID)
			}
		}
	}
}

func (bq *BuildQueue) processJob(ctx context.Context, job *BuildJob, workerID string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	bq.mu.Lock()
	job.cancel = cancel
	job.StartedAt = &start
	job.Status = JobRunning
	bq.active[job.ID] = job
	bq.mu.Unlock()

	slog.Info("Build job started", logfields.JobID(job.ID), logfields.StoryID(job.StoryID), logfields.Worker(workerID))

	var (
		res *orchestrator.BuildResult
		err error
	)
	if job.Resume {
		res, err = bq.builder.Resume(jobCtx, job.StoryID, job.Options)
	} else {
		res, err = bq.builder.Build(jobCtx, job.StoryID, job.Options)
	}

	end := time.Now()
	bq.mu.Lock()
	job.CompletedAt = &end
	job.Duration = end.Sub(start)
	switch {
	case err != nil:
		job.Status = JobFailed
		job.Error = err.Error()
	case res.Success:
		job.Status = JobCompleted
		job.ReportPath = res.ReportPath
	default:
		job.Status = JobFailed
		if errors.HasCategory(res.Err, errors.CategoryStopped) {
			job.Status = JobCanceled
		}
		job.Phase = string(res.Phase)
		job.ReportPath = res.ReportPath
		if res.Err != nil {
			job.Error = res.Err.Error()
		}
	}
	delete(bq.active, job.ID)
	bq.addToHistory(job)
	status := job.Status
	bq.mu.Unlock()

	if status == JobCompleted {
		slog.Info("Build job completed", logfields.JobID(job.ID), logfields.StoryID(job.StoryID), logfields.Duration(job.Duration))
		return
	}
	slog.Error("Build job failed",
		logfields.JobID(job.ID),
		logfields.StoryID(job.StoryID),
		slog.String("status", string(status)),
		logfields.Duration(job.Duration),
		slog.String("error", job.Error))
}

// addToHistory appends job and keeps the newest historySize entries.
// Callers hold bq.mu.
func (bq *BuildQueue) addToHistory(job *BuildJob) {
	bq.history = append(bq.history, job)
	if len(bq.history) > bq.historySize {
		bq.history = append([]*BuildJob(nil), bq.history[len(bq.history)-bq.historySize:]...)
	}
}
