package buildloop

import (
	"context"
	"fmt"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/plan"
)

// Attempt describes one invocation of the executor for a subtask.
type Attempt struct {
	Iteration     int    // 1-based
	Config        Config // the loop configuration
	RootPath      string // working directory of the build
	PreviousError error  // failure of the prior attempt, nil on the first
}

// ExecResult is what an executor reports for one attempt.
type ExecResult struct {
	Success       bool
	Err           error
	FilesModified []string
	Stdout        string
}

// Executor performs one attempt of a subtask. A returned error is treated
// exactly like a result with Success false.
type Executor func(ctx context.Context, st plan.Subtask, a Attempt) (ExecResult, error)

// invoke runs one attempt, enforcing SubtaskTimeout and converting panics
// and reported failures into errors.
func (l *Loop) invoke(ctx context.Context, st plan.Subtask, a Attempt) (ExecResult, error) {
	exec := l.cfg.Executor
	if exec == nil {
		return ExecResult{Success: true}, nil
	}

	if l.cfg.SubtaskTimeout <= 0 {
		return callSafely(ctx, exec, st, a)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.SubtaskTimeout)
	defer cancel()

	type outcome struct {
		res ExecResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := callSafely(attemptCtx, exec, st, a)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return ExecResult{}, errors.WrapError(ctx.Err(), errors.CategoryStopped, "attempt canceled").Build()
		}
		return ExecResult{}, errors.TimeoutError("subtask attempt timed out").
			WithContext("subtask_id", st.ID).
			WithContext("timeout", l.cfg.SubtaskTimeout.String()).
			WithContext("attempt", a.Iteration).
			Build()
	}
}

func callSafely(ctx context.Context, exec Executor, st plan.Subtask, a Attempt) (res ExecResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.ExecutorError(fmt.Sprintf("executor panicked: %v", r)).
				WithContext("subtask_id", st.ID).
				Build()
		}
	}()

	res, err = exec(ctx, st, a)
	if err != nil {
		return res, err
	}
	if !res.Success {
		if res.Err != nil {
			return res, res.Err
		}
		return res, errors.SubtaskError("executor reported failure").
			WithContext("subtask_id", st.ID).
			Build()
	}
	return res, nil
}
