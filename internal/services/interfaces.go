// Package services manages the start and stop order of the daemon's
// long-running components.
package services

import (
	"context"
	"time"
)

// ManagedService is a component with a lifecycle.
type ManagedService interface {
	// Name identifies the service in logs and dependency lists.
	Name() string

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	Health() HealthStatus

	// Dependencies names the services that must be started first.
	Dependencies() []string
}

// HealthStatus is the reported health of a service.
type HealthStatus struct {
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	CheckAt time.Time `json:"check_at"`
}

// Healthy returns a healthy status stamped now.
func Healthy() HealthStatus {
	return HealthStatus{Status: "healthy", CheckAt: time.Now()}
}

// Unhealthy returns an unhealthy status carrying message.
func Unhealthy(message string) HealthStatus {
	return HealthStatus{Status: "unhealthy", Message: message, CheckAt: time.Now()}
}
