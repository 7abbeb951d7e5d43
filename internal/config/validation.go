package config

import (
	"fmt"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
)

// Validate checks invariants that defaults cannot repair.
func Validate(cfg *Config) error {
	if cfg.Retry.Initial > cfg.Retry.Max {
		return errors.ValidationError("retry.initial must not exceed retry.max").
			WithContext("initial", cfg.Retry.Initial.String()).
			WithContext("max", cfg.Retry.Max.String()).
			Build()
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return errors.ValidationError("nats.url is required when nats is enabled").Build()
	}
	seen := make(map[string]bool)
	for i, s := range cfg.Daemon.Schedules {
		if s.StoryID == "" {
			return errors.ValidationError(fmt.Sprintf("daemon.schedules[%d]: story is required", i)).Build()
		}
		if s.Every <= 0 {
			return errors.ValidationError(fmt.Sprintf("daemon.schedules[%d]: every must be positive", i)).
				WithContext("story_id", s.StoryID).
				Build()
		}
		if seen[s.StoryID] {
			return errors.ValidationError("duplicate schedule for story " + s.StoryID).Build()
		}
		seen[s.StoryID] = true
	}
	return nil
}
