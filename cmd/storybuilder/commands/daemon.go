package commands

import (
	"log/slog"
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/daemon"
)

// DaemonCmd implements the 'daemon' command.
type DaemonCmd struct {
	Addr            string        `help:"HTTP listen address (overrides daemon.http_addr)"`
	Watch           bool          `help:"Build stories when their files change"`
	ShutdownTimeout time.Duration `name:"shutdown-timeout" help:"Grace period for running builds on shutdown" default:"30s"`
}

func (d *DaemonCmd) Run(_ *Global, root *CLI) error {
	cfg, err := loadConfig(root.Config)
	if err != nil {
		return err
	}
	if d.Addr != "" {
		cfg.Daemon.HTTPAddr = d.Addr
	}
	if d.Watch {
		cfg.Daemon.Watch = true
	}

	ctx, cancel := signalContext()
	defer cancel()

	dm, err := daemon.New(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("Starting daemon mode", slog.String("addr", cfg.Daemon.HTTPAddr), slog.Bool("watch", cfg.Daemon.Watch))
	if err := dm.Run(ctx, d.ShutdownTimeout); err != nil {
		return err
	}
	slog.Info("Daemon stopped successfully")
	return nil
}
