package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/events"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
)

// streamIdleTimeout closes a live stream that has been silent this long.
const streamIdleTimeout = 60 * time.Second

// EventSubscriber fans live bus events out to per-story subscribers.
type EventSubscriber struct {
	subscribers map[string][]chan events.Event
	mu          sync.RWMutex
}

// NewEventSubscriber creates an empty subscriber registry.
func NewEventSubscriber() *EventSubscriber {
	return &EventSubscriber{subscribers: make(map[string][]chan events.Event)}
}

// Subscribe returns a channel receiving the events of storyID and a function
// that unsubscribes and closes it.
func (es *EventSubscriber) Subscribe(storyID string) (<-chan events.Event, func()) {
	es.mu.Lock()
	defer es.mu.Unlock()

	ch := make(chan events.Event, 32)
	es.subscribers[storyID] = append(es.subscribers[storyID], ch)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			es.mu.Lock()
			defer es.mu.Unlock()
			subs := es.subscribers[storyID]
			for i, sub := range subs {
				if sub == ch {
					es.subscribers[storyID] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
			if len(es.subscribers[storyID]) == 0 {
				delete(es.subscribers, storyID)
			}
		})
	}
	return ch, unsubscribe
}

// Publish delivers e to the subscribers of its story without blocking.
func (es *EventSubscriber) Publish(e events.Event) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	for _, ch := range es.subscribers[e.StoryID] {
		select {
		case ch <- e:
		default:
			slog.Warn("Event channel full, dropping event", logfields.StoryID(e.StoryID), slog.String("event", string(e.Name)))
		}
	}
}

// Handle is Publish shaped as a bus handler.
func (es *EventSubscriber) Handle(_ context.Context, e events.Event) error {
	es.Publish(e)
	return nil
}

// SubscriberCount returns the number of live subscriptions for storyID.
func (es *EventSubscriber) SubscriberCount(storyID string) int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.subscribers[storyID])
}

func terminal(e events.Event) bool {
	return e.Name == events.BuildCompleted || e.Name == events.BuildFailed
}

// streamEvents serves live events of storyID as server-sent events until the
// build finishes, the client leaves or the stream goes idle.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, storyID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, unsubscribe := s.deps.Live.Subscribe(storyID)
	defer unsubscribe()

	slog.Info("Build event stream opened", logfields.StoryID(storyID))
	s.sendSSE(w, "connected", map[string]string{"storyId": storyID})

	idle := time.NewTimer(streamIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-r.Context().Done():
			slog.Info("Build event stream closed (client disconnect)", logfields.StoryID(storyID))
			return
		case <-idle.C:
			s.sendSSE(w, "timeout", map[string]string{"storyId": storyID})
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.sendSSE(w, string(e.Name), e)
			if terminal(e) {
				return
			}
			idle.Reset(streamIdleTimeout)
		}
	}
}

func (s *Server) sendSSE(w http.ResponseWriter, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal SSE event", logfields.Error(err))
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
