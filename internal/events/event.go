package events

import (
	"context"
	"time"
)

// Event is a single lifecycle notification. Data holds the event-specific
// fields (phase, subtaskId, attempt, error, path, ...).
type Event struct {
	Name    Name           `json:"name"`
	StoryID string         `json:"storyId"`
	BuildID string         `json:"buildId,omitempty"`
	Time    time.Time      `json:"time"`
	Data    map[string]any `json:"data,omitempty"`
}

// New builds an event stamped with the current time.
func New(name Name, storyID string, data map[string]any) Event {
	return Event{Name: name, StoryID: storyID, Time: time.Now(), Data: data}
}

// String returns the value stored under key in Data, or "".
func (e Event) String(key string) string {
	if s, ok := e.Data[key].(string); ok {
		return s
	}
	return ""
}

// Int returns the integer stored under key in Data, or 0.
func (e Event) Int(key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Emitter receives lifecycle events. Emit must not block for long and never fails the caller.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e Event)

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Discard is an Emitter that drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, Event) {})
