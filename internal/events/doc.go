// Package events defines the closed set of build lifecycle events and the
// bus that delivers them to subscribers and the event store.
package events
