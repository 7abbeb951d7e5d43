package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"git.home.luguber.info/inful/storybuilder/internal/logfields"
)

// EventStore is the subset of eventstore.Store the bus persists to.
type EventStore interface {
	Append(ctx context.Context, storyID, buildID, eventType string, payload []byte, metadata map[string]string) error
}

// Handler processes an Event; a returned error is reported by Publish.
type Handler func(ctx context.Context, e Event) error

// Bus is a synchronous pub/sub event bus with optional persistence.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Name][]Handler
	wildcard    []Handler
	eventStore  EventStore
}

// NewBus creates a bus without persistence.
func NewBus() *Bus { return &Bus{subscribers: map[Name][]Handler{}} }

// NewBusWithEventStore creates a bus that persists every event before delivery.
func NewBusWithEventStore(store EventStore) *Bus {
	b := NewBus()
	b.eventStore = store
	return b
}

// Subscribe registers a handler for a single event name.
func (b *Bus) Subscribe(name Name, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.subscribers[name] = append(b.subscribers[name], h)
	b.mu.Unlock()
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.wildcard = append(b.wildcard, h)
	b.mu.Unlock()
}

// Publish persists e (when a store is configured) and delivers it to all
// handlers in registration order. Every handler runs; their errors are joined.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if b.eventStore != nil {
		if err := b.persist(ctx, e); err != nil {
			slog.WarnContext(ctx, "Failed to persist event",
				slog.String("event", string(e.Name)),
				logfields.StoryID(e.StoryID),
				logfields.Error(err))
		}
	}

	b.mu.RLock()
	hs := make([]Handler, 0, len(b.subscribers[e.Name])+len(b.wildcard))
	hs = append(hs, b.subscribers[e.Name]...)
	hs = append(hs, b.wildcard...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes e and logs handler failures instead of returning them.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if err := b.Publish(ctx, e); err != nil {
		slog.WarnContext(ctx, "Event handler failed",
			slog.String("event", string(e.Name)),
			logfields.StoryID(e.StoryID),
			logfields.Error(err))
	}
}

func (b *Bus) persist(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	return b.eventStore.Append(ctx, e.StoryID, e.BuildID, string(e.Name), payload, nil)
}
