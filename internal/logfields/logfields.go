package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyStoryID    = "story_id"
	KeyBuildID    = "build_id"
	KeyPhase      = "phase"
	KeySubtaskID  = "subtask_id"
	KeyAttempt    = "attempt"
	KeyJobID      = "job_id"
	KeyWorker     = "worker"
	KeyDurationMS = "duration_ms"
	KeyPath       = "path"
	KeyCount      = "count"
	KeyError      = "error"
)

func StoryID(id string) slog.Attr   { return slog.String(KeyStoryID, id) }
func BuildID(id string) slog.Attr   { return slog.String(KeyBuildID, id) }
func Phase(name string) slog.Attr   { return slog.String(KeyPhase, name) }
func SubtaskID(id string) slog.Attr { return slog.String(KeySubtaskID, id) }
func Attempt(n int) slog.Attr       { return slog.Int(KeyAttempt, n) }
func JobID(id string) slog.Attr     { return slog.String(KeyJobID, id) }
func Worker(w string) slog.Attr     { return slog.String(KeyWorker, w) }
func Path(p string) slog.Attr       { return slog.String(KeyPath, p) }
func Count(n int) slog.Attr         { return slog.Int(KeyCount, n) }

// Duration renders d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(KeyDurationMS, d.Milliseconds())
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
