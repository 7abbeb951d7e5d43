package eventstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/events"
)

const (
	buildStatusRunning   = "running"
	buildStatusCompleted = "completed"
	buildStatusFailed    = "failed"
)

// BuildSummary is a read model summarizing one build attempt of a story.
type BuildSummary struct {
	BuildID           string        `json:"build_id"`
	StoryID           string        `json:"story_id"`
	Status            string        `json:"status"`
	StartedAt         time.Time     `json:"started_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	Duration          time.Duration `json:"duration,omitempty"`
	PhasesCompleted   int           `json:"phases_completed"`
	SubtasksCompleted int           `json:"subtasks_completed"`
	SubtasksFailed    int           `json:"subtasks_failed"`
	ErrorPhase        string        `json:"error_phase,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	ReportPath        string        `json:"report_path,omitempty"`
}

// BuildHistoryProjection maintains an in-memory view of build history
// reconstructed from the events in a Store.
type BuildHistoryProjection struct {
	mu      sync.RWMutex
	store   Store
	builds  map[string]*BuildSummary
	history []*BuildSummary // finished builds, newest first
	maxSize int
}

// NewBuildHistoryProjection creates a projection backed by store.
func NewBuildHistoryProjection(store Store, maxHistorySize int) *BuildHistoryProjection {
	if maxHistorySize <= 0 {
		maxHistorySize = 100
	}
	return &BuildHistoryProjection{
		store:   store,
		builds:  make(map[string]*BuildSummary),
		maxSize: maxHistorySize,
	}
}

// Rebuild reconstructs the projection from every stored event.
func (p *BuildHistoryProjection) Rebuild(ctx context.Context) error {
	evs, err := p.store.GetRange(ctx, time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.builds = make(map[string]*BuildSummary)
	p.history = nil
	for _, e := range evs {
		p.applyLocked(e)
	}
	sort.SliceStable(p.history, func(i, j int) bool {
		return p.history[i].StartedAt.After(p.history[j].StartedAt)
	})
	return nil
}

// Apply processes a single event.
func (p *BuildHistoryProjection) Apply(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyLocked(e)
}

func (p *BuildHistoryProjection) applyLocked(e Event) {
	if e.BuildID() == "" {
		return
	}
	summary, ok := p.builds[e.BuildID()]
	if !ok {
		summary = &BuildSummary{
			BuildID:   e.BuildID(),
			StoryID:   e.StoryID(),
			Status:    buildStatusRunning,
			StartedAt: e.Timestamp(),
		}
		p.builds[e.BuildID()] = summary
	}

	var payload struct {
		Phase string `json:"phase"`
		Error string `json:"error"`
		Path  string `json:"path"`
	}
	_ = json.Unmarshal(e.Payload(), &payload)

	switch events.Name(e.Type()) {
	case events.BuildQueued:
		summary.StartedAt = e.Timestamp()
	case events.PhaseCompleted:
		summary.PhasesCompleted++
	case events.SubtaskCompleted:
		summary.SubtasksCompleted++
	case events.SubtaskFailed:
		summary.SubtasksFailed++
	case events.ReportGenerated:
		summary.ReportPath = payload.Path
	case events.BuildCompleted:
		p.finishLocked(summary, e.Timestamp(), buildStatusCompleted)
	case events.BuildFailed:
		summary.ErrorPhase = payload.Phase
		summary.ErrorMessage = payload.Error
		p.finishLocked(summary, e.Timestamp(), buildStatusFailed)
	}
}

func (p *BuildHistoryProjection) finishLocked(s *BuildSummary, at time.Time, status string) {
	s.CompletedAt = &at
	s.Duration = at.Sub(s.StartedAt)
	s.Status = status

	for _, h := range p.history {
		if h.BuildID == s.BuildID {
			return
		}
	}
	p.history = append([]*BuildSummary{s}, p.history...)
	if len(p.history) > p.maxSize {
		for _, dropped := range p.history[p.maxSize:] {
			delete(p.builds, dropped.BuildID)
		}
		p.history = p.history[:p.maxSize]
	}
}

// GetHistory returns finished builds, newest first.
func (p *BuildHistoryProjection) GetHistory() []BuildSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]BuildSummary, len(p.history))
	for i, s := range p.history {
		out[i] = *s
	}
	return out
}

// GetStoryHistory returns the finished builds of one story, newest first.
func (p *BuildHistoryProjection) GetStoryHistory(storyID string) []BuildSummary {
	var out []BuildSummary
	for _, s := range p.GetHistory() {
		if s.StoryID == storyID {
			out = append(out, s)
		}
	}
	return out
}

// GetBuild returns a copy of the summary for buildID.
func (p *BuildHistoryProjection) GetBuild(buildID string) (BuildSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.builds[buildID]
	if !ok {
		return BuildSummary{}, false
	}
	return *s, true
}

// Handler returns a bus handler that keeps the projection current as
// events are published.
func (p *BuildHistoryProjection) Handler() events.Handler {
	return func(_ context.Context, e events.Event) error {
		payload, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		p.Apply(&BaseEvent{
			EventStoryID:   e.StoryID,
			EventBuildID:   e.BuildID,
			EventType:      string(e.Name),
			EventTimestamp: e.Time,
			EventPayload:   payload,
		})
		return nil
	}
}
