// Package observability carries build identity through contexts and logs with it.
package observability

import (
	"context"
	"log/slog"
)

// LogContext holds the identifiers attached to every log line of a build.
type LogContext struct {
	BuildID   string
	StoryID   string
	Phase     string
	SubtaskID string
}

type logContextKeyType string

const logContextKey logContextKeyType = "log-context"

// WithBuildID adds a build ID to the context.
func WithBuildID(ctx context.Context, buildID string) context.Context {
	lc := GetContext(ctx)
	lc.BuildID = buildID
	return context.WithValue(ctx, logContextKey, lc)
}

// WithStoryID adds a story ID to the context.
func WithStoryID(ctx context.Context, storyID string) context.Context {
	lc := GetContext(ctx)
	lc.StoryID = storyID
	return context.WithValue(ctx, logContextKey, lc)
}

// WithPhase adds the current lifecycle phase to the context.
func WithPhase(ctx context.Context, phase string) context.Context {
	lc := GetContext(ctx)
	lc.Phase = phase
	return context.WithValue(ctx, logContextKey, lc)
}

// WithSubtaskID adds the subtask being executed to the context.
func WithSubtaskID(ctx context.Context, subtaskID string) context.Context {
	lc := GetContext(ctx)
	lc.SubtaskID = subtaskID
	return context.WithValue(ctx, logContextKey, lc)
}

// GetContext returns the LogContext stored in ctx, or a zero value.
func GetContext(ctx context.Context) LogContext {
	if ctx == nil {
		return LogContext{}
	}
	if lc, ok := ctx.Value(logContextKey).(LogContext); ok {
		return lc
	}
	return LogContext{}
}

func contextAttrs(ctx context.Context) []slog.Attr {
	lc := GetContext(ctx)
	attrs := make([]slog.Attr, 0, 4)
	if lc.BuildID != "" {
		attrs = append(attrs, slog.String("build.id", lc.BuildID))
	}
	if lc.StoryID != "" {
		attrs = append(attrs, slog.String("story.id", lc.StoryID))
	}
	if lc.Phase != "" {
		attrs = append(attrs, slog.String("phase", lc.Phase))
	}
	if lc.SubtaskID != "" {
		attrs = append(attrs, slog.String("subtask.id", lc.SubtaskID))
	}
	return attrs
}

func logAttrs(ctx context.Context, level slog.Level, msg string, attrs []slog.Attr) {
	all := append(contextAttrs(ctx), attrs...)
	slog.LogAttrs(ctx, level, msg, all...)
}

// InfoContext logs an info message with context information.
func InfoContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAttrs(ctx, slog.LevelInfo, msg, attrs)
}

// WarnContext logs a warning message with context information.
func WarnContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAttrs(ctx, slog.LevelWarn, msg, attrs)
}

// ErrorContext logs an error message with context information.
func ErrorContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAttrs(ctx, slog.LevelError, msg, attrs)
}

// DebugContext logs a debug message with context information.
func DebugContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAttrs(ctx, slog.LevelDebug, msg, attrs)
}
