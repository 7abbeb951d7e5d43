package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
)

// ServiceStatus is the lifecycle state of a registered service.
type ServiceStatus string

const (
	StatusNotStarted ServiceStatus = "not_started"
	StatusStarting   ServiceStatus = "starting"
	StatusRunning    ServiceStatus = "running"
	StatusStopping   ServiceStatus = "stopping"
	StatusStopped    ServiceStatus = "stopped"
	StatusFailed     ServiceStatus = "failed"
)

// ServiceInfo describes a registered service.
type ServiceInfo struct {
	Name         string        `json:"name"`
	Status       ServiceStatus `json:"status"`
	Health       HealthStatus  `json:"health"`
	Dependencies []string      `json:"dependencies"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	StoppedAt    *time.Time    `json:"stopped_at,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// ServiceOrchestrator starts services in dependency order and stops them in reverse.
type ServiceOrchestrator struct {
	services   map[string]ManagedService
	status     map[string]ServiceStatus
	startedAt  map[string]time.Time
	stoppedAt  map[string]time.Time
	lastErrors map[string]error
	mu         sync.RWMutex

	startTimeout time.Duration
	stopTimeout  time.Duration
}

// NewServiceOrchestrator creates an empty orchestrator.
func NewServiceOrchestrator() *ServiceOrchestrator {
	return &ServiceOrchestrator{
		services:     make(map[string]ManagedService),
		status:       make(map[string]ServiceStatus),
		startedAt:    make(map[string]time.Time),
		stoppedAt:    make(map[string]time.Time),
		lastErrors:   make(map[string]error),
		startTimeout: 30 * time.Second,
		stopTimeout:  10 * time.Second,
	}
}

// WithTimeouts configures the per-service start and stop timeouts.
func (so *ServiceOrchestrator) WithTimeouts(start, stop time.Duration) *ServiceOrchestrator {
	so.startTimeout = start
	so.stopTimeout = stop
	return so
}

// RegisterService adds service. Names must be unique and non-empty.
func (so *ServiceOrchestrator) RegisterService(service ManagedService) error {
	so.mu.Lock()
	defer so.mu.Unlock()

	name := service.Name()
	if name == "" {
		return errors.ValidationError("service name cannot be empty").Build()
	}
	if _, exists := so.services[name]; exists {
		return errors.ValidationError(fmt.Sprintf("service %s already registered", name)).Build()
	}

	so.services[name] = service
	so.status[name] = StatusNotStarted
	slog.Debug("Service registered", slog.String("service", name), slog.Any("dependencies", service.Dependencies()))
	return nil
}

// StartAll starts every service in dependency order. On failure the services
// already started are stopped again.
func (so *ServiceOrchestrator) StartAll(ctx context.Context) error {
	so.mu.Lock()
	defer so.mu.Unlock()

	order, err := so.calculateStartOrder()
	if err != nil {
		return errors.InternalError("failed to calculate service start order").WithCause(err).Build()
	}

	slog.Info("Starting services", logfields.Count(len(order)), slog.Any("order", order))
	for _, name := range order {
		if err := so.startService(ctx, name); err != nil {
			so.stopStartedServices(ctx, order)
			return err
		}
	}
	return nil
}

// StopAll stops every running service in reverse dependency order.
func (so *ServiceOrchestrator) StopAll(ctx context.Context) error {
	so.mu.Lock()
	defer so.mu.Unlock()

	order, err := so.calculateStartOrder()
	if err != nil {
		return errors.InternalError("failed to calculate service stop order").WithCause(err).Build()
	}

	slog.Info("Stopping services", logfields.Count(len(order)))
	var lastErr error
	for i := len(order) - 1; i >= 0; i-- {
		if err := so.stopService(ctx, order[i]); err != nil {
			lastErr = err
			slog.Error("Error stopping service", slog.String("service", order[i]), logfields.Error(err))
		}
	}
	if lastErr != nil {
		return errors.InternalError("some services failed to stop gracefully").WithCause(lastErr).Build()
	}
	return nil
}

// GetServiceInfo describes the named service.
func (so *ServiceOrchestrator) GetServiceInfo(name string) (ServiceInfo, bool) {
	so.mu.RLock()
	defer so.mu.RUnlock()
	return so.infoLocked(name)
}

// GetAllServiceInfo describes every service, sorted by name.
func (so *ServiceOrchestrator) GetAllServiceInfo() []ServiceInfo {
	so.mu.RLock()
	defer so.mu.RUnlock()

	infos := make([]ServiceInfo, 0, len(so.services))
	for _, name := range so.sortedNames() {
		if info, ok := so.infoLocked(name); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

func (so *ServiceOrchestrator) infoLocked(name string) (ServiceInfo, bool) {
	service, exists := so.services[name]
	if !exists {
		return ServiceInfo{}, false
	}
	info := ServiceInfo{
		Name:         name,
		Status:       so.status[name],
		Dependencies: service.Dependencies(),
		Health:       service.Health(),
	}
	if t, ok := so.startedAt[name]; ok {
		info.StartedAt = &t
	}
	if t, ok := so.stoppedAt[name]; ok {
		info.StoppedAt = &t
	}
	if err := so.lastErrors[name]; err != nil {
		info.LastError = err.Error()
	}
	return info, true
}

func (so *ServiceOrchestrator) sortedNames() []string {
	names := make([]string, 0, len(so.services))
	for name := range so.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// calculateStartOrder topologically sorts the services; ties resolve by name.
func (so *ServiceOrchestrator) calculateStartOrder() ([]string, error) {
	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	var order []string

	var visit func(string) error
	visit = func(name string) error {
		if visiting[name] {
			return fmt.Errorf("circular dependency detected involving service: %s", name)
		}
		if visited[name] {
			return nil
		}
		service, exists := so.services[name]
		if !exists {
			return fmt.Errorf("service not found: %s", name)
		}

		visiting[name] = true
		for _, dep := range service.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, name := range so.sortedNames() {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (so *ServiceOrchestrator) startService(ctx context.Context, name string) error {
	service := so.services[name]
	so.status[name] = StatusStarting

	startCtx, cancel := context.WithTimeout(ctx, so.startTimeout)
	defer cancel()

	start := time.Now()
	if err := service.Start(startCtx); err != nil {
		so.status[name] = StatusFailed
		so.lastErrors[name] = err
		return errors.InternalError(fmt.Sprintf("failed to start service %s", name)).WithCause(err).Build()
	}

	so.status[name] = StatusRunning
	so.startedAt[name] = start
	so.lastErrors[name] = nil
	slog.Info("Service started", slog.String("service", name), logfields.Duration(time.Since(start)))
	return nil
}

func (so *ServiceOrchestrator) stopService(ctx context.Context, name string) error {
	if so.status[name] != StatusRunning {
		return nil
	}
	service := so.services[name]
	so.status[name] = StatusStopping

	stopCtx, cancel := context.WithTimeout(ctx, so.stopTimeout)
	defer cancel()

	start := time.Now()
	if err := service.Stop(stopCtx); err != nil {
		so.status[name] = StatusFailed
		so.lastErrors[name] = err
		return err
	}

	so.status[name] = StatusStopped
	so.stoppedAt[name] = start
	slog.Info("Service stopped", slog.String("service", name), logfields.Duration(time.Since(start)))
	return nil
}

// stopStartedServices stops the running services of order in reverse.
func (so *ServiceOrchestrator) stopStartedServices(ctx context.Context, order []string) {
	for i := len(order) - 1; i >= 0; i-- {
		if err := so.stopService(ctx, order[i]); err != nil {
			slog.Error("Error stopping service during cleanup", slog.String("service", order[i]), logfields.Error(err))
		}
	}
}
