// Package orchestrator drives a story through the build lifecycle:
// init, worktree, plan, execute, qa, merge, cleanup and report.
//
// At most one build per story is in flight. A failing phase skips the
// remaining phases except report, so every attempt leaves a report behind.
package orchestrator
