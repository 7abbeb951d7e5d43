// Package buildloop runs the subtasks of a plan sequentially, retrying each
// failed subtask up to a bound and recording progress in a checkpoint store.
//
// Pause, Stop and the global timeout are cooperative: they are polled at
// subtask boundaries and never interrupt an executor call in progress. The
// per-attempt SubtaskTimeout, in contrast, is enforced by racing every
// executor call against a context deadline.
package buildloop
