package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/storybuilder/internal/checkpoint"
	"git.home.luguber.info/inful/storybuilder/internal/eventstore"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/orchestrator"
	"git.home.luguber.info/inful/storybuilder/internal/story"
)

// BuildRequest is the body of POST /builds.
type BuildRequest struct {
	StoryID        string `json:"storyId"`
	Resume         bool   `json:"resume,omitempty"`
	DryRun         bool   `json:"dryRun,omitempty"`
	UseWorktree    *bool  `json:"useWorktree,omitempty"`
	MaxIterations  int    `json:"maxIterations,omitempty"`
	GlobalTimeout  string `json:"globalTimeout,omitempty"`
	SubtaskTimeout string `json:"subtaskTimeout,omitempty"`
}

func (req BuildRequest) options() (orchestrator.Options, error) {
	opts := orchestrator.Options{
		DryRun:        req.DryRun,
		UseWorktree:   req.UseWorktree,
		MaxIterations: req.MaxIterations,
	}
	var err error
	if opts.GlobalTimeout, err = parseDuration("globalTimeout", req.GlobalTimeout); err != nil {
		return opts, err
	}
	if opts.SubtaskTimeout, err = parseDuration("subtaskTimeout", req.SubtaskTimeout); err != nil {
		return opts, err
	}
	return opts, nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.WrapError(err, errors.CategoryValidation, "invalid duration").
			WithContext("field", field).
			Build()
	}
	return d, nil
}

// SubmittedBuild is the response of POST /builds.
type SubmittedBuild struct {
	JobID   string `json:"jobId"`
	StoryID string `json:"storyId"`
	Resume  bool   `json:"resume"`
}

// StoryStatus is the response of GET /builds/{story}/status.
type StoryStatus struct {
	StoryID    string                    `json:"storyId"`
	Active     *orchestrator.ActiveBuild `json:"active,omitempty"`
	Checkpoint *checkpoint.ResumeInfo    `json:"checkpoint,omitempty"`
	History    []eventstore.BuildSummary `json:"history,omitempty"`
}

// StoredEvent is one persisted event as returned by GET /builds/{story}/events.
type StoredEvent struct {
	ID      int64           `json:"id"`
	BuildID string          `json:"buildId,omitempty"`
	Name    string          `json:"name"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (s *Server) handleActiveBuilds(w http.ResponseWriter, r *http.Request) {
	if s.deps.Active == nil {
		s.success(w, http.StatusOK, []orchestrator.ActiveBuild{})
		return
	}
	s.success(w, http.StatusOK, s.deps.Active.ActiveBuilds())
}

func (s *Server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	if s.deps.Submit == nil {
		s.fail(w, r, errors.DaemonError("build submission is not available").Build())
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.fail(w, r, errors.WrapError(err, errors.CategoryValidation, "failed to read request body").Build())
		return
	}
	var req BuildRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(w, r, errors.WrapError(err, errors.CategoryValidation, "invalid JSON body").Build())
		return
	}
	req.StoryID = strings.TrimSpace(req.StoryID)
	if err := story.ValidateID(req.StoryID); err != nil {
		s.fail(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	jobID, err := s.deps.Submit(req.StoryID, req.Resume, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.success(w, http.StatusAccepted, SubmittedBuild{JobID: jobID, StoryID: req.StoryID, Resume: req.Resume})
}

func (s *Server) handleBuildEvents(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "story")
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamEvents(w, r, storyID)
		return
	}
	if s.deps.Events == nil {
		s.fail(w, r, errors.NotFoundError("event store is not configured").Build())
		return
	}
	evs, err := s.deps.Events.GetByStoryID(r.Context(), storyID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]StoredEvent, 0, len(evs))
	for _, e := range evs {
		se := StoredEvent{ID: e.ID(), BuildID: e.BuildID(), Name: e.Type(), Time: e.Timestamp()}
		if p := e.Payload(); len(p) > 0 && json.Valid(p) {
			se.Data = p
		}
		out = append(out, se)
	}
	s.success(w, http.StatusOK, out)
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "story")
	st := StoryStatus{StoryID: storyID}

	if s.deps.Active != nil {
		for _, ab := range s.deps.Active.ActiveBuilds() {
			if ab.StoryID == storyID {
				st.Active = &ab
				break
			}
		}
	}
	if s.deps.Checkpoints != nil {
		info, err := s.deps.Checkpoints.ResumeBuild(r.Context(), storyID)
		switch {
		case err == nil:
			st.Checkpoint = info
		case !errors.HasCategory(err, errors.CategoryNotFound):
			s.fail(w, r, err)
			return
		}
	}
	if s.deps.History != nil {
		st.History = s.deps.History.GetStoryHistory(storyID)
	}

	if st.Active == nil && st.Checkpoint == nil && len(st.History) == 0 {
		s.fail(w, r, errors.NotFoundError("no builds recorded for story").
			WithContext("story_id", storyID).
			Build())
		return
	}
	s.success(w, http.StatusOK, st)
}
