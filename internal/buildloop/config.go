package buildloop

import (
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/config"
	"git.home.luguber.info/inful/storybuilder/internal/retry"
)

// DefaultMaxIterations bounds attempts per subtask when unset.
const DefaultMaxIterations = 3

// Config is the run-scoped configuration of a Loop.
type Config struct {
	MaxIterations       int           `json:"maxIterations"`
	GlobalTimeout       time.Duration `json:"globalTimeout"`
	SubtaskTimeout      time.Duration `json:"subtaskTimeout"`
	SelfCritiqueEnabled bool          `json:"selfCritiqueEnabled"`
	VerificationEnabled bool          `json:"verificationEnabled"`
	PauseOnFailure      bool          `json:"pauseOnFailure"`
	PlanDir             string        `json:"planDir,omitempty"`

	// Executor runs one attempt; nil selects a success stand-in.
	Executor Executor `json:"-"`
	// Backoff delays retries; nil retries immediately.
	Backoff *retry.Policy `json:"-"`
}

// ConfigFromSettings maps the build section of the configuration file.
func ConfigFromSettings(b config.BuildConfig, planDir string) Config {
	return Config{
		MaxIterations:       b.MaxIterations,
		GlobalTimeout:       b.GlobalTimeout,
		SubtaskTimeout:      b.SubtaskTimeout,
		SelfCritiqueEnabled: b.SelfCritique,
		VerificationEnabled: b.Verification,
		PauseOnFailure:      b.PauseOnFailure,
		PlanDir:             planDir,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	return c
}
