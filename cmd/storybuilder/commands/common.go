// Package commands implements the storybuilder command line.
package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/storybuilder/internal/app"
	"git.home.luguber.info/inful/storybuilder/internal/config"
)

// Global is shared state handed to every command.
type Global struct {
	Logger *slog.Logger
}

// CLI is the root command with the global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"storybuilder.yaml" env:"STORYBUILDER_CONFIG"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Build   BuildCmd   `cmd:"" help:"Build a story through every phase"`
	Resume  ResumeCmd  `cmd:"" help:"Resume an interrupted build from its checkpoint"`
	Plan    PlanCmd    `cmd:"" help:"Show or write the implementation plan of a story"`
	Status  StatusCmd  `cmd:"" help:"Show the checkpoint status of a story"`
	History HistoryCmd `cmd:"" help:"List finished builds from the event store"`
	Daemon  DaemonCmd  `cmd:"" help:"Run the build queue, scheduler and HTTP API"`
	Init    InitCmd    `cmd:"" help:"Write a starter configuration file"`
}

// AfterApply runs after flag parsing; setup logging once.
func (c *CLI) AfterApply() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(c.Verbose)})))
	return nil
}

// parseLogLevel honours --verbose first, then STORYBUILDER_LOG_LEVEL.
func parseLogLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch strings.ToLower(os.Getenv("STORYBUILDER_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig reads the configuration file, falling back to defaults when
// the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Debug("Configuration file not found, using defaults", slog.String("path", path))
		return config.Default(), nil
	}
	return config.Load(path)
}

// openApp loads the configuration and wires the runtime.
func openApp(ctx context.Context, root *CLI) (*app.App, error) {
	cfg, err := loadConfig(root.Config)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
