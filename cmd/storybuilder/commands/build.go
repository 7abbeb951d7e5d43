package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/buildloop"
	"git.home.luguber.info/inful/storybuilder/internal/events"
	"git.home.luguber.info/inful/storybuilder/internal/orchestrator"
)

// BuildFlags are the per-build overrides shared by build and resume.
type BuildFlags struct {
	DryRun         bool          `name:"dry-run" help:"Run every phase without executing subtasks"`
	MaxIterations  int           `name:"max-iterations" help:"Attempts per subtask (0 keeps the configured value)"`
	GlobalTimeout  time.Duration `name:"global-timeout" help:"Wall-clock limit for the execute phase"`
	SubtaskTimeout time.Duration `name:"subtask-timeout" help:"Limit for a single subtask attempt"`
	Worktree       string        `help:"Run in an isolated worktree (auto uses the configured default)" enum:"auto,on,off" default:"auto"`
	Events         bool          `help:"Print the event timeline after the build"`
}

func (f BuildFlags) options() orchestrator.Options {
	opts := orchestrator.Options{
		DryRun:         f.DryRun,
		MaxIterations:  f.MaxIterations,
		GlobalTimeout:  f.GlobalTimeout,
		SubtaskTimeout: f.SubtaskTimeout,
	}
	switch f.Worktree {
	case "on":
		v := true
		opts.UseWorktree = &v
	case "off":
		v := false
		opts.UseWorktree = &v
	}
	return opts
}

// BuildCmd implements the 'build' command.
type BuildCmd struct {
	Story string `arg:"" help:"Story identifier, e.g. S-12"`
	BuildFlags
}

func (b *BuildCmd) Run(_ *Global, root *CLI) error {
	return runBuild(root, b.Story, b.BuildFlags, false)
}

// ResumeCmd implements the 'resume' command.
type ResumeCmd struct {
	Story string `arg:"" help:"Story identifier"`
	BuildFlags
}

func (r *ResumeCmd) Run(_ *Global, root *CLI) error {
	return runBuild(root, r.Story, r.BuildFlags, true)
}

func runBuild(root *CLI, storyID string, flags BuildFlags, resume bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, root)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	timeline := &events.Log{}
	if flags.Events {
		a.Bus.SubscribeAll(timeline.Handle)
	}

	opts := flags.options()
	var res *orchestrator.BuildResult
	if resume {
		res, err = a.Orchestrator.Resume(ctx, storyID, opts)
	} else {
		res, err = a.Orchestrator.Build(ctx, storyID, opts)
	}
	if err != nil {
		return err
	}
	printResult(os.Stdout, res)
	if flags.Events {
		printTimeline(os.Stdout, timeline.Events())
	}
	if !res.Success {
		return res.Err
	}
	return nil
}

func printResult(w io.Writer, res *orchestrator.BuildResult) {
	status := "SUCCESS"
	if !res.Success {
		status = "FAILED in " + string(res.Phase)
	}
	fmt.Fprintf(w, "Build %s of %s: %s (%s)\n", res.BuildID, res.StoryID, status, buildloop.FormatDuration(res.Duration))
	if res.Stats != nil {
		fmt.Fprintf(w, "Subtasks: %d/%d completed, %d failed, %d skipped\n",
			res.Stats.CompletedSubtasks, res.Stats.TotalSubtasks, res.Stats.FailedSubtasks, res.Stats.SkippedSubtasks)
	}
	if res.ReportPath != "" {
		fmt.Fprintf(w, "Report: %s\n", res.ReportPath)
	}
}

func printTimeline(w io.Writer, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	start := evs[0].Time
	for _, e := range evs {
		line := fmt.Sprintf("%8s  %s", e.Time.Sub(start).Round(time.Millisecond), e.Name)
		if phase := e.String("phase"); phase != "" {
			line += " " + phase
		}
		if id := e.String("subtaskId"); id != "" {
			line += " " + id
		}
		fmt.Fprintln(w, line)
	}
}
