package services

import (
	"context"
	"sync/atomic"
)

// FuncService adapts start and stop functions to ManagedService.
type FuncService struct {
	name    string
	deps    []string
	start   func(ctx context.Context) error
	stop    func(ctx context.Context) error
	health  func() HealthStatus
	running atomic.Bool
}

// NewFuncService creates a service named name. Either function may be nil.
func NewFuncService(name string, start, stop func(ctx context.Context) error, deps ...string) *FuncService {
	return &FuncService{name: name, deps: deps, start: start, stop: stop}
}

// WithHealth overrides the default running/not-running health report.
func (f *FuncService) WithHealth(h func() HealthStatus) *FuncService {
	f.health = h
	return f
}

func (f *FuncService) Name() string { return f.name }

func (f *FuncService) Start(ctx context.Context) error {
	if f.start != nil {
		if err := f.start(ctx); err != nil {
			return err
		}
	}
	f.running.Store(true)
	return nil
}

func (f *FuncService) Stop(ctx context.Context) error {
	f.running.Store(false)
	if f.stop != nil {
		return f.stop(ctx)
	}
	return nil
}

func (f *FuncService) Health() HealthStatus {
	if !f.running.Load() {
		return Unhealthy("service not running")
	}
	if f.health != nil {
		return f.health()
	}
	return Healthy()
}

func (f *FuncService) Dependencies() []string { return f.deps }
