// Package eventstore persists build lifecycle events and derives read models from them.
package eventstore

import (
	"context"
	"time"
)

// Store defines the interface for persisting and retrieving events.
type Store interface {
	// Append adds a new event to the store.
	Append(ctx context.Context, storyID, buildID, eventType string, payload []byte, metadata map[string]string) error

	// GetByBuildID retrieves all events of one build attempt in insertion order.
	GetByBuildID(ctx context.Context, buildID string) ([]Event, error)

	// GetByStoryID retrieves all events of every build of a story in insertion order.
	GetByStoryID(ctx context.Context, storyID string) ([]Event, error)

	// GetRange retrieves events within a time range.
	GetRange(ctx context.Context, start, end time.Time) ([]Event, error)

	// Close closes the store and releases resources.
	Close() error
}
