package orchestrator

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/storybuilder/internal/buildloop"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
	"git.home.luguber.info/inful/storybuilder/internal/observability"
	"git.home.luguber.info/inful/storybuilder/internal/plan"
)

// Environment variables exported to the worker command.
const (
	EnvStoryID   = "STORYBUILDER_STORY_ID"
	EnvSubtaskID = "STORYBUILDER_SUBTASK_ID"
	EnvAttempt   = "STORYBUILDER_ATTEMPT"
)

// CommandExecutor delegates subtask attempts to an external worker process.
// The rendered prompt is written to the process's stdin and its combined
// output is classified to decide the outcome.
type CommandExecutor struct {
	Command string
	Args    []string
	Env     map[string]string
}

// For returns the executor bound to one build.
func (c CommandExecutor) For(bc *BuildContext) buildloop.Executor {
	return func(ctx context.Context, st plan.Subtask, a buildloop.Attempt) (buildloop.ExecResult, error) {
		maxIterations := a.Config.MaxIterations
		prompt := BuildSubtaskPrompt(st, a.Iteration, maxIterations, bc, a.PreviousError)

		cmd := exec.CommandContext(ctx, c.Command, c.Args...)
		cmd.Dir = a.RootPath
		cmd.Stdin = strings.NewReader(prompt)
		cmd.Env = append(os.Environ(),
			EnvStoryID+"="+bc.StoryID,
			EnvSubtaskID+"="+st.ID,
			EnvAttempt+"="+strconv.Itoa(a.Iteration),
		)
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		observability.DebugContext(ctx, "Running worker command",
			logfields.SubtaskID(st.ID), logfields.Attempt(a.Iteration))
		runErr := cmd.Run()
		output := out.String()
		res := buildloop.ExecResult{
			Stdout:        output,
			FilesModified: ExtractModifiedFiles(output),
		}
		if runErr != nil {
			res.Err = errors.WrapError(runErr, errors.CategoryExecutor, "worker command failed").
				WithContext("command", c.Command).
				WithContext("subtask_id", st.ID).
				Build()
			return res, nil
		}
		res.Success = ValidateSubtaskResult(output, st)
		if !res.Success {
			res.Err = errors.SubtaskError("worker output reports failure").
				WithContext("subtask_id", st.ID).
				Build()
		}
		return res, nil
	}
}
