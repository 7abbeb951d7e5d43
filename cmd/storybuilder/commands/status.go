package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/checkpoint"
	"git.home.luguber.info/inful/storybuilder/internal/eventstore"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
)

// StatusCmd implements the 'status' command.
type StatusCmd struct {
	Story string `arg:"" help:"Story identifier"`
}

func (s *StatusCmd) Run(_ *Global, root *CLI) error {
	cfg, err := loadConfig(root.Config)
	if err != nil {
		return err
	}
	store, err := checkpoint.NewJSONStore(cfg.Paths.Checkpoints)
	if err != nil {
		return err
	}
	out, err := store.FormatStatus(context.Background(), s.Story)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

// HistoryCmd implements the 'history' command.
type HistoryCmd struct {
	Story string `arg:"" optional:"" help:"Only show builds of this story"`
	Limit int    `short:"n" help:"Maximum number of builds to show" default:"20"`
}

func (h *HistoryCmd) Run(_ *Global, root *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, root)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	if a.History == nil {
		return errors.ConfigError("build history needs eventstore.path to be configured").Build()
	}

	var builds []eventstore.BuildSummary
	if h.Story != "" {
		builds = a.History.GetStoryHistory(h.Story)
	} else {
		builds = a.History.GetHistory()
	}
	if h.Limit > 0 && len(builds) > h.Limit {
		builds = builds[:h.Limit]
	}
	return printHistory(os.Stdout, builds)
}

func printHistory(w io.Writer, builds []eventstore.BuildSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BUILD\tSTORY\tSTATUS\tSTARTED\tDURATION\tSUBTASKS\tERROR")
	for _, b := range builds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			b.BuildID,
			b.StoryID,
			b.Status,
			b.StartedAt.Format(time.RFC3339),
			b.Duration.Round(time.Millisecond),
			b.SubtasksCompleted,
			b.SubtasksCompleted+b.SubtasksFailed,
			b.ErrorMessage)
	}
	return tw.Flush()
}
