package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/story"
)

// DefaultStuckThreshold is the number of recorded failures after which a
// subtask is reported as stuck.
const DefaultStuckThreshold = 3

// JSONStore keeps one JSON file per story in a directory. Every mutation is
// written through with a temp-file-then-rename replace.
type JSONStore struct {
	dir            string
	mu             sync.Mutex
	states         map[string]*State
	stuckThreshold int
	now            func() time.Time
}

// NewJSONStore creates the directory if needed and returns a store over it.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.WrapError(err, errors.CategoryCheckpoint, "failed to create checkpoint directory").
			WithContext("path", dir).
			Build()
	}
	return &JSONStore{
		dir:            dir,
		states:         make(map[string]*State),
		stuckThreshold: DefaultStuckThreshold,
		now:            time.Now,
	}, nil
}

// WithStuckThreshold overrides DefaultStuckThreshold.
func (s *JSONStore) WithStuckThreshold(n int) *JSONStore {
	if n > 0 {
		s.stuckThreshold = n
	}
	return s
}

func (s *JSONStore) path(storyID string) string {
	return filepath.Join(s.dir, storyID+".json")
}

// LoadOrCreateState returns a copy of the persisted state, or a fresh pending one.
func (s *JSONStore) LoadOrCreateState(_ context.Context, storyID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stateLocked(storyID)
	if err != nil {
		return nil, err
	}
	return cloneState(st), nil
}

// StartSubtask marks subtaskID as in progress.
func (s *JSONStore) StartSubtask(_ context.Context, storyID, subtaskID string) error {
	return s.mutate(storyID, func(st *State, now time.Time) {
		st.Status = StatusRunning
		st.CurrentSubtask = subtaskID
		st.Checkpoints = append(st.Checkpoints, Checkpoint{Kind: KindSubtaskStarted, SubtaskID: subtaskID, At: now})
	})
}

// CompleteSubtask records subtaskID as completed. Repeated completion is a no-op
// for the completed list.
func (s *JSONStore) CompleteSubtask(_ context.Context, storyID, subtaskID string) error {
	return s.mutate(storyID, func(st *State, now time.Time) {
		if !st.IsCompleted(subtaskID) {
			st.CompletedSubtasks = append(st.CompletedSubtasks, subtaskID)
		}
		if st.CurrentSubtask == subtaskID {
			st.CurrentSubtask = ""
		}
		st.Checkpoints = append(st.Checkpoints, Checkpoint{Kind: KindSubtaskCompleted, SubtaskID: subtaskID, At: now})
	})
}

// RecordFailure appends a failure for subtaskID. The subtask is stuck once its
// failure count reaches the stuck threshold.
func (s *JSONStore) RecordFailure(_ context.Context, storyID, subtaskID string, cause error) (Failure, bool, error) {
	var (
		f     Failure
		stuck bool
	)
	err := s.mutate(storyID, func(st *State, now time.Time) {
		if st.Failures == nil {
			st.Failures = make(map[string][]Failure)
		}
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		f = Failure{SubtaskID: subtaskID, Attempt: len(st.Failures[subtaskID]) + 1, Error: msg, At: now}
		st.Failures[subtaskID] = append(st.Failures[subtaskID], f)
		st.LastError = msg
		st.Checkpoints = append(st.Checkpoints, Checkpoint{Kind: KindSubtaskFailed, SubtaskID: subtaskID, At: now})
		stuck = len(st.Failures[subtaskID]) >= s.stuckThreshold
	})
	return f, stuck, err
}

// CompleteBuild marks the story build as completed.
func (s *JSONStore) CompleteBuild(_ context.Context, storyID string) error {
	return s.mutate(storyID, func(st *State, now time.Time) {
		st.Status = StatusCompleted
		st.CurrentSubtask = ""
		st.LastError = ""
		st.Checkpoints = append(st.Checkpoints, Checkpoint{Kind: KindBuildCompleted, At: now})
	})
}

// FailBuild marks the story build as failed with cause.
func (s *JSONStore) FailBuild(_ context.Context, storyID string, cause error) error {
	return s.mutate(storyID, func(st *State, now time.Time) {
		st.Status = StatusFailed
		if cause != nil {
			st.LastError = cause.Error()
		}
		st.Checkpoints = append(st.Checkpoints, Checkpoint{Kind: KindBuildFailed, At: now})
	})
}

// SetArtifacts records where the plan and worktree of the current build live.
func (s *JSONStore) SetArtifacts(_ context.Context, storyID, planPath, worktreePath string) error {
	return s.mutate(storyID, func(st *State, _ time.Time) {
		if planPath != "" {
			st.PlanPath = planPath
		}
		st.WorktreePath = worktreePath
	})
}

// ResetProgress clears the completed set and failure history of storyID.
// The checkpoint trail is kept.
func (s *JSONStore) ResetProgress(_ context.Context, storyID string) error {
	return s.mutate(storyID, func(st *State, _ time.Time) {
		st.CompletedSubtasks = []string{}
		st.Failures = nil
		st.CurrentSubtask = ""
		st.LastError = ""
	})
}

// ResumeBuild returns the information needed to continue storyID. A story
// without persisted state yields NotFound.
func (s *JSONStore) ResumeBuild(_ context.Context, storyID string) (*ResumeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := story.ValidateID(storyID); err != nil {
		return nil, err
	}
	if _, cached := s.states[storyID]; !cached {
		if _, err := os.Stat(s.path(storyID)); os.IsNotExist(err) {
			return nil, errors.NotFoundError("no checkpoint for story").
				WithContext("story_id", storyID).
				Build()
		}
	}
	st, err := s.stateLocked(storyID)
	if err != nil {
		return nil, err
	}

	info := &ResumeInfo{
		StoryID:           st.StoryID,
		Status:            st.Status,
		PlanPath:          st.PlanPath,
		WorktreePath:      st.WorktreePath,
		CompletedSubtasks: append([]string(nil), st.CompletedSubtasks...),
	}
	if n := len(st.Checkpoints); n > 0 {
		last := st.Checkpoints[n-1]
		info.LastCheckpoint = &last
	}
	return info, nil
}

// SaveState writes the cached state of storyID to disk.
func (s *JSONStore) SaveState(_ context.Context, storyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stateLocked(storyID)
	if err != nil {
		return err
	}
	return s.saveLocked(st)
}

// FormatStatus renders a human-readable summary of storyID's progress.
func (s *JSONStore) FormatStatus(_ context.Context, storyID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stateLocked(storyID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Story:     %s\n", st.StoryID)
	fmt.Fprintf(&b, "Status:    %s\n", st.Status)
	fmt.Fprintf(&b, "Completed: %d subtasks\n", len(st.CompletedSubtasks))
	if st.CurrentSubtask != "" {
		fmt.Fprintf(&b, "Current:   %s\n", st.CurrentSubtask)
	}
	if len(st.Failures) > 0 {
		ids := make([]string, 0, len(st.Failures))
		for id := range st.Failures {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		b.WriteString("Failures:\n")
		for _, id := range ids {
			marker := ""
			if len(st.Failures[id]) >= s.stuckThreshold {
				marker = " (stuck)"
			}
			fmt.Fprintf(&b, "  %s: %d%s\n", id, len(st.Failures[id]), marker)
		}
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", st.LastError)
	}
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "Updated:   %s\n", st.UpdatedAt.Format(time.RFC3339))
	}
	return b.String(), nil
}

func (s *JSONStore) mutate(storyID string, fn func(st *State, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stateLocked(storyID)
	if err != nil {
		return err
	}
	now := s.now()
	fn(st, now)
	st.UpdatedAt = now
	return s.saveLocked(st)
}

func (s *JSONStore) stateLocked(storyID string) (*State, error) {
	if err := story.ValidateID(storyID); err != nil {
		return nil, err
	}
	if st, ok := s.states[storyID]; ok {
		return st, nil
	}

	st := &State{StoryID: storyID, Status: StatusPending, CompletedSubtasks: []string{}}
	data, err := os.ReadFile(s.path(storyID))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, st); err != nil {
			return nil, errors.WrapError(err, errors.CategoryCheckpoint, "corrupt checkpoint file").
				WithContext("path", s.path(storyID)).
				Build()
		}
	case !os.IsNotExist(err):
		return nil, errors.WrapError(err, errors.CategoryCheckpoint, "failed to read checkpoint").
			WithContext("path", s.path(storyID)).
			Build()
	}
	s.states[storyID] = st
	return st, nil
}

func (s *JSONStore) saveLocked(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to encode checkpoint").Build()
	}
	path := s.path(st.StoryID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.WrapError(err, errors.CategoryCheckpoint, "failed to write checkpoint").
			WithContext("path", tmp).
			Build()
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.WrapError(err, errors.CategoryCheckpoint, "failed to replace checkpoint").
			WithContext("path", path).
			Build()
	}
	return nil
}

func cloneState(st *State) *State {
	out := *st
	out.Checkpoints = append([]Checkpoint(nil), st.Checkpoints...)
	out.CompletedSubtasks = append([]string{}, st.CompletedSubtasks...)
	if st.Failures != nil {
		out.Failures = make(map[string][]Failure, len(st.Failures))
		for k, v := range st.Failures {
			out.Failures[k] = append([]Failure(nil), v...)
		}
	}
	return &out
}
