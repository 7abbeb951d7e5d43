package orchestrator

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"git.home.luguber.info/inful/storybuilder/internal/buildloop"
)

// GenerateReport renders the human-readable summary of a build.
func GenerateReport(bc *BuildContext, success bool) string {
	title := cases.Title(language.English)
	var b strings.Builder

	fmt.Fprintf(&b, "# Build Report: %s\n\n", bc.StoryID)
	if success {
		b.WriteString("**Status:** ✅ SUCCESS\n\n")
	} else {
		b.WriteString("**Status:** ❌ FAILED\n\n")
	}
	if bc.BuildID != "" {
		fmt.Fprintf(&b, "- Build: `%s`\n", bc.BuildID)
	}
	if !bc.StartTime.IsZero() {
		fmt.Fprintf(&b, "- Started: %s\n", bc.StartTime.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	if bc.PlanSource != "" {
		fmt.Fprintf(&b, "- Plan: %s", bc.PlanSource)
		if bc.PlanPath != "" {
			fmt.Fprintf(&b, " (%s)", bc.PlanPath)
		}
		b.WriteString("\n")
	}
	if bc.Worktree != nil {
		fmt.Fprintf(&b, "- Worktree: %s on `%s`\n", bc.Worktree.Path, bc.Worktree.Branch)
	}
	if bc.Options.DryRun {
		b.WriteString("- Mode: dry run\n")
	}

	b.WriteString("\n## Phases\n\n")
	b.WriteString("| Phase | Status | Duration |\n")
	b.WriteString("|-------|--------|----------|\n")
	for _, ph := range Phases() {
		// The report phase is still running while it renders.
		if ph == PhaseReport {
			continue
		}
		rec, ok := bc.Phases[ph]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", title.String(string(ph)), rec.Status, buildloop.FormatDuration(rec.Duration))
	}

	if bc.Result != nil {
		s := bc.Result.Stats
		b.WriteString("\n## Statistics\n\n")
		fmt.Fprintf(&b, "- Subtasks: %d/%d completed", s.CompletedSubtasks, s.TotalSubtasks)
		if s.SkippedSubtasks > 0 {
			fmt.Fprintf(&b, " (%d from a previous run)", s.SkippedSubtasks)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "- Failed subtasks: %d\n", s.FailedSubtasks)
		fmt.Fprintf(&b, "- Iterations: %d (%d successful, %d failed)\n",
			s.TotalIterations, s.SuccessfulIterations, s.FailedIterations)
		fmt.Fprintf(&b, "- Execution time: %s\n", bc.Result.DurationFormatted)
	}

	if len(bc.Errors) > 0 {
		b.WriteString("\n## Errors\n\n")
		for _, err := range bc.Errors {
			fmt.Fprintf(&b, "- %s\n", err)
		}
	}
	return b.String()
}
