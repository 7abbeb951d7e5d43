package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
)

// Config represents the storybuilder configuration file.
type Config struct {
	Paths      PathsConfig      `yaml:"paths"`
	Build      BuildConfig      `yaml:"build"`
	Retry      RetryConfig      `yaml:"retry"`
	Executor   ExecutorConfig   `yaml:"executor"`
	QA         QAConfig         `yaml:"qa"`
	EventStore EventStoreConfig `yaml:"eventstore"`
	NATS       NATSConfig       `yaml:"nats"`
	Daemon     DaemonConfig     `yaml:"daemon"`
}

// PathsConfig locates the on-disk artifacts of a build.
type PathsConfig struct {
	Stories     string `yaml:"stories"`
	Plans       string `yaml:"plans"`
	Reports     string `yaml:"reports"`
	Checkpoints string `yaml:"checkpoints"`
	Workspace   string `yaml:"workspace"`
	Repository  string `yaml:"repository"` // source repository cloned into worktrees
}

// BuildConfig holds the default build options.
type BuildConfig struct {
	MaxIterations  int           `yaml:"max_iterations"`
	GlobalTimeout  time.Duration `yaml:"global_timeout"`
	SubtaskTimeout time.Duration `yaml:"subtask_timeout"`
	SelfCritique   bool          `yaml:"self_critique"`
	Verification   bool          `yaml:"verification"`
	PauseOnFailure bool          `yaml:"pause_on_failure"`
	UseWorktree    bool          `yaml:"use_worktree"`
	DryRun         bool          `yaml:"dry_run"`
}

// RetryConfig controls the delay between subtask attempts.
type RetryConfig struct {
	Mode    RetryBackoffMode `yaml:"mode"`
	Initial time.Duration    `yaml:"initial"`
	Max     time.Duration    `yaml:"max"`
}

// ExecutorConfig describes the external worker command run per attempt.
// An empty Command selects the built-in success stand-in.
type ExecutorConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// QAConfig lists shell commands run as the quality gate.
type QAConfig struct {
	Commands []string `yaml:"commands,omitempty"`
}

// EventStoreConfig configures the durable event log.
type EventStoreConfig struct {
	Path string `yaml:"path"` // empty disables persistence
}

// NATSConfig configures build notifications over NATS JetStream.
type NATSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Subject  string `yaml:"subject"`
	KVBucket string `yaml:"kv_bucket"`
}

// DaemonConfig configures the long-running build service.
type DaemonConfig struct {
	Workers   int              `yaml:"workers"`
	QueueSize int              `yaml:"queue_size"`
	HTTPAddr  string           `yaml:"http_addr"`
	Watch     bool             `yaml:"watch"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
}

// ScheduleConfig periodically resumes a story.
type ScheduleConfig struct {
	StoryID string        `yaml:"story"`
	Every   time.Duration `yaml:"every"`
}

// Load reads configPath, expands environment references and applies defaults.
func Load(configPath string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundError("configuration file not found").
				WithContext("path", configPath).
				Build()
		}
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to read config file").
			WithContext("path", configPath).
			Build()
	}

	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML configuration, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to unmarshal config").Build()
	}
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	_ = applyDefaults(&cfg)
	return &cfg
}

// Init writes a starter configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return errors.NewError(errors.CategoryAlreadyExists,
			fmt.Sprintf("configuration file already exists: %s (use --force to overwrite)", configPath)).
			Build()
	}
	if err := os.WriteFile(configPath, []byte(starterConfig), 0o600); err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "failed to write config file").
			WithContext("path", configPath).
			Build()
	}
	return nil
}

const starterConfig = `# storybuilder configuration
paths:
  stories: ./stories
  plans: ./.storybuilder/plans
  reports: ./.storybuilder/reports
  checkpoints: ./.storybuilder/checkpoints
  workspace: ./.storybuilder/worktrees
  repository: .

build:
  max_iterations: 3
  global_timeout: 1h
  subtask_timeout: 10m
  self_critique: true
  verification: true
  pause_on_failure: false
  use_worktree: false

retry:
  mode: linear
  initial: 2s
  max: 30s

executor:
  command: ${STORYBUILDER_EXECUTOR}
  args: []

qa:
  commands: []

eventstore:
  path: ./.storybuilder/events.db

nats:
  enabled: false
  url: nats://127.0.0.1:4222
  subject: storybuilder.events
  kv_bucket: storybuilder-status

daemon:
  workers: 2
  queue_size: 32
  http_addr: ":8088"
  watch: true
  schedules: []
`
