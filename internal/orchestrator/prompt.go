package orchestrator

import (
	"fmt"
	"strings"

	"git.home.luguber.info/inful/storybuilder/internal/plan"
)

// BuildSubtaskPrompt renders the task description handed to an external
// worker. The output depends only on its arguments.
func BuildSubtaskPrompt(st plan.Subtask, iteration, maxIterations int, bc *BuildContext, prevErr error) string {
	var b strings.Builder

	storyID := ""
	if bc != nil {
		storyID = bc.StoryID
	}
	fmt.Fprintf(&b, "# Subtask %s", st.ID)
	if storyID != "" {
		fmt.Fprintf(&b, " (story %s)", storyID)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Attempt %d of %d.\n\n", iteration, maxIterations)

	b.WriteString("## Task\n\n")
	b.WriteString(strings.TrimSpace(st.Description))
	b.WriteString("\n")

	if len(st.Files) > 0 {
		b.WriteString("\n## Files\n\n")
		for _, f := range st.Files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(st.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance criteria\n\n")
		for _, c := range st.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if iteration > 1 {
		b.WriteString("\n## Previous attempt failed\n\n")
		if prevErr != nil {
			b.WriteString(prevErr.Error())
			b.WriteString("\n")
		}
		b.WriteString("Review the failure before making further changes.\n")
	}

	if st.Verification != "" {
		b.WriteString("\n## Verification\n\n")
		fmt.Fprintf(&b, "Run `%s` and report \"verification passed\" when it succeeds.\n", st.Verification)
	}

	b.WriteString("\nReport every file you change as `modified <path>`.\n")
	return b.String()
}
