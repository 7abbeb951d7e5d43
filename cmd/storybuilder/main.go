package main

import (
	"log/slog"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/storybuilder/cmd/storybuilder/commands"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/version"
)

func main() {
	var cli commands.CLI
	ctx := kong.Parse(&cli,
		kong.Name("storybuilder"),
		kong.Description("Autonomous story build executor"),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
	)

	err := ctx.Run(&commands.Global{Logger: slog.Default()}, &cli)
	errors.NewCLIErrorAdapter(cli.Verbose, slog.Default()).HandleError(err)
}
