package buildloop

import (
	"fmt"
	"strings"
	"time"
)

// FormatDuration renders d as "45s", "2m 5s" or "1h 2m 5s". Sub-second
// remainders are truncated, so zero renders as "0s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// FormatStatus renders a human-readable snapshot of the loop. It is safe to
// call from any goroutine, during or after a run.
func (l *Loop) FormatStatus() string {
	l.mu.Lock()
	running, paused := l.running, l.paused
	current := l.currentSubtask
	stats := l.stats
	var elapsed time.Duration
	if !l.startTime.IsZero() {
		elapsed = l.now().Sub(l.startTime)
	}
	l.mu.Unlock()

	state := "idle"
	switch {
	case paused:
		state = "paused"
	case running:
		state = "running"
	}

	var b strings.Builder
	b.WriteString("Build Loop Status\n")
	b.WriteString("=================\n")
	fmt.Fprintf(&b, "State:    %s\n", state)
	fmt.Fprintf(&b, "Elapsed:  %s\n", FormatDuration(elapsed))

	pct := 0
	if stats.TotalSubtasks > 0 {
		pct = stats.CompletedSubtasks * 100 / stats.TotalSubtasks
	}
	fmt.Fprintf(&b, "Progress: %d/%d subtasks (%d%%)\n", stats.CompletedSubtasks, stats.TotalSubtasks, pct)
	if current != "" {
		fmt.Fprintf(&b, "Current:  %s\n", current)
	}

	b.WriteString("\nStatistics\n")
	fmt.Fprintf(&b, "  Completed subtasks: %d\n", stats.CompletedSubtasks)
	fmt.Fprintf(&b, "  Failed subtasks:    %d\n", stats.FailedSubtasks)
	if stats.SkippedSubtasks > 0 {
		fmt.Fprintf(&b, "  Skipped subtasks:   %d\n", stats.SkippedSubtasks)
	}
	fmt.Fprintf(&b, "  Iterations:         %d (%d successful, %d failed)\n",
		stats.TotalIterations, stats.SuccessfulIterations, stats.FailedIterations)

	if l.IsTimedOut() {
		b.WriteString("\nTIMEOUT: global time budget exceeded\n")
	}
	return b.String()
}
