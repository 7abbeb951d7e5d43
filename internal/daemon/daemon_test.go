package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/storybuilder/internal/config"
	"git.home.luguber.info/inful/storybuilder/internal/orchestrator"
)

const storyDoc = `---
title: Search
---
# Search

## Tasks

- [ ] Index titles
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.Stories = filepath.Join(root, "stories")
	cfg.Paths.Plans = filepath.Join(root, "plans")
	cfg.Paths.Reports = filepath.Join(root, "reports")
	cfg.Paths.Checkpoints = filepath.Join(root, "checkpoints")
	cfg.Paths.Workspace = filepath.Join(root, "worktrees")
	cfg.Paths.Repository = ""
	cfg.EventStore.Path = filepath.Join(root, "events.db")
	cfg.Build.MaxIterations = 1
	cfg.Daemon.HTTPAddr = "127.0.0.1:0"
	cfg.Daemon.Workers = 1
	require.NoError(t, os.MkdirAll(cfg.Paths.Stories, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.Stories, "S-5.md"), []byte(storyDoc), 0o600))
	return cfg
}

func TestDaemonRunsQueuedBuilds(t *testing.T) {
	d, err := New(t.Context(), testConfig(t))
	require.NoError(t, err)

	require.NoError(t, d.Start(t.Context()))
	assert.Equal(t, StatusRunning, d.GetStatus())
	assert.False(t, d.GetStartTime().IsZero())

	_, err = d.Queue().Submit("S-5", false, TriggerManual, orchestrator.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(d.Queue().History()) == 1 }, 5*time.Second, 20*time.Millisecond)
	job := d.Queue().History()[0]
	assert.Equal(t, JobCompleted, job.Status, job.Error)
	assert.FileExists(t, job.ReportPath)

	require.Error(t, d.Start(t.Context()), "second start is rejected")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(stopCtx))
	assert.Equal(t, StatusStopped, d.GetStatus())
}

func TestDaemonAPISubmitsToQueue(t *testing.T) {
	d, err := New(t.Context(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	req := httptest.NewRequest(http.MethodPost, "/builds", strings.NewReader(`{"storyId":"S-5","dryRun":true}`))
	w := httptest.NewRecorder()
	d.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, 1, d.Queue().Length())

	w = httptest.NewRecorder()
	d.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDaemonRejectsInvalidSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.Schedules = []config.ScheduleConfig{{StoryID: "S-5"}}
	_, err := New(t.Context(), cfg)
	require.Error(t, err)
}
