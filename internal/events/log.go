package events

import (
	"context"
	"sync"
)

// Log is an append-only, concurrency-safe record of emitted events.
type Log struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends e to the log.
func (l *Log) Emit(_ context.Context, e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

// Handle is Emit shaped as a bus Handler.
func (l *Log) Handle(ctx context.Context, e Event) error {
	l.Emit(ctx, e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Names returns the recorded event names in order.
func (l *Log) Names() []Name {
	evs := l.Events()
	names := make([]Name, len(evs))
	for i, e := range evs {
		names[i] = e.Name
	}
	return names
}

// Filter returns the recorded events with the given name.
func (l *Log) Filter(name Name) []Event {
	var out []Event
	for _, e := range l.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events with the given name were recorded.
func (l *Log) Count(name Name) int {
	return len(l.Filter(name))
}

// Multi fans an event out to several emitters.
type Multi []Emitter

// Emit forwards e to every non-nil emitter.
func (m Multi) Emit(ctx context.Context, e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(ctx, e)
		}
	}
}
