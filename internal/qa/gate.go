// Package qa runs the configured quality-gate commands against a build's
// working directory.
package qa

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"os/exec"
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
)

// CommandResult is the outcome of one gate command.
type CommandResult struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exitCode"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result aggregates every command that ran.
type Result struct {
	Passed   bool            `json:"passed"`
	Commands []CommandResult `json:"commands"`
}

// CommandGate runs shell commands in order and stops at the first failure.
type CommandGate struct {
	commands []string
	shell    string
}

// NewCommandGate returns a gate over commands, each run with `sh -c`.
func NewCommandGate(commands []string) *CommandGate {
	return &CommandGate{commands: commands, shell: "sh"}
}

// Run executes the commands in dir. A failing command yields a validation
// error alongside the partial result.
func (g *CommandGate) Run(ctx context.Context, dir string) (*Result, error) {
	res := &Result{Passed: true}
	for _, command := range g.commands {
		start := time.Now()
		cmd := exec.CommandContext(ctx, g.shell, "-c", command)
		cmd.Dir = dir
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		err := cmd.Run()
		cr := CommandResult{Command: command, Output: out.String(), Duration: time.Since(start)}
		if err != nil {
			cr.ExitCode = -1
			var exitErr *exec.ExitError
			if stderrors.As(err, &exitErr) {
				cr.ExitCode = exitErr.ExitCode()
			}
		}
		res.Commands = append(res.Commands, cr)

		if err != nil {
			res.Passed = false
			slog.WarnContext(ctx, "Quality gate command failed",
				slog.String("command", command),
				slog.Int("exit_code", cr.ExitCode),
				logfields.Duration(cr.Duration))
			return res, errors.WrapError(err, errors.CategoryValidation, "quality gate failed").
				WithContext("command", command).
				WithContext("exit_code", cr.ExitCode).
				Build()
		}
		slog.DebugContext(ctx, "Quality gate command passed", slog.String("command", command), logfields.Duration(cr.Duration))
	}
	return res, nil
}
