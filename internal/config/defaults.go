package config

import "time"

// DefaultApplier applies defaults for a specific configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

var defaultAppliers = []DefaultApplier{
	&PathsDefaultApplier{},
	&BuildDefaultApplier{},
	&RetryDefaultApplier{},
	&NATSDefaultApplier{},
	&DaemonDefaultApplier{},
}

func applyDefaults(cfg *Config) error {
	for _, a := range defaultAppliers {
		if err := a.ApplyDefaults(cfg); err != nil {
			return err
		}
	}
	return nil
}

// PathsDefaultApplier handles Paths defaults.
type PathsDefaultApplier struct{}

func (p *PathsDefaultApplier) Domain() string { return "paths" }

func (p *PathsDefaultApplier) ApplyDefaults(cfg *Config) error {
	setIfEmpty(&cfg.Paths.Stories, "./stories")
	setIfEmpty(&cfg.Paths.Plans, "./.storybuilder/plans")
	setIfEmpty(&cfg.Paths.Reports, "./.storybuilder/reports")
	setIfEmpty(&cfg.Paths.Checkpoints, "./.storybuilder/checkpoints")
	setIfEmpty(&cfg.Paths.Workspace, "./.storybuilder/worktrees")
	setIfEmpty(&cfg.Paths.Repository, ".")
	return nil
}

// BuildDefaultApplier handles Build defaults.
type BuildDefaultApplier struct{}

func (b *BuildDefaultApplier) Domain() string { return "build" }

func (b *BuildDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Build.MaxIterations <= 0 {
		cfg.Build.MaxIterations = 3
	}
	// Negative timeouts disable the limit.
	if cfg.Build.GlobalTimeout < 0 {
		cfg.Build.GlobalTimeout = 0
	}
	if cfg.Build.SubtaskTimeout < 0 {
		cfg.Build.SubtaskTimeout = 0
	}
	return nil
}

// RetryDefaultApplier handles Retry defaults.
type RetryDefaultApplier struct{}

func (r *RetryDefaultApplier) Domain() string { return "retry" }

func (r *RetryDefaultApplier) ApplyDefaults(cfg *Config) error {
	if m := NormalizeRetryBackoff(string(cfg.Retry.Mode)); m != "" {
		cfg.Retry.Mode = m
	} else {
		cfg.Retry.Mode = RetryBackoffLinear
	}
	if cfg.Retry.Initial <= 0 {
		cfg.Retry.Initial = 2 * time.Second
	}
	if cfg.Retry.Max <= 0 {
		cfg.Retry.Max = 30 * time.Second
	}
	return nil
}

// NATSDefaultApplier handles NATS defaults.
type NATSDefaultApplier struct{}

func (n *NATSDefaultApplier) Domain() string { return "nats" }

func (n *NATSDefaultApplier) ApplyDefaults(cfg *Config) error {
	setIfEmpty(&cfg.NATS.URL, "nats://127.0.0.1:4222")
	setIfEmpty(&cfg.NATS.Subject, "storybuilder.events")
	setIfEmpty(&cfg.NATS.KVBucket, "storybuilder-status")
	return nil
}

// DaemonDefaultApplier handles Daemon defaults.
type DaemonDefaultApplier struct{}

func (d *DaemonDefaultApplier) Domain() string { return "daemon" }

func (d *DaemonDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Daemon.Workers <= 0 {
		cfg.Daemon.Workers = 2
	}
	if cfg.Daemon.QueueSize <= 0 {
		cfg.Daemon.QueueSize = 32
	}
	setIfEmpty(&cfg.Daemon.HTTPAddr, ":8088")
	return nil
}

func setIfEmpty(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
