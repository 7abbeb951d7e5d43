package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, dir string) *fakeEnqueuer {
	t.Helper()
	fe := &fakeEnqueuer{}
	w, err := NewStoryWatcher(dir, fe)
	require.NoError(t, err)
	w.WithDebounce(50 * time.Millisecond)
	require.NoError(t, w.Start(t.Context()))
	t.Cleanup(func() { _ = w.Stop(t.Context()) })
	return fe
}

func TestStoryWatcherDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	fe := startWatcher(t, dir)

	path := filepath.Join(dir, "S-1-login-form.md")
	require.NoError(t, os.WriteFile(path, []byte("# v1\n"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("# v2\n"), 0o600))

	require.Eventually(t, func() bool { return len(fe.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	jobs := fe.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, "S-1", jobs[0].StoryID)
	assert.False(t, jobs[0].Resume)
	assert.Equal(t, TriggerWatch, jobs[0].Trigger)
}

func TestStoryWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	fe := startWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	assert.Never(t, func() bool { return len(fe.snapshot()) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestStoryWatcherWatchesSubdirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "epic-a")
	require.NoError(t, os.MkdirAll(sub, 0o750))
	fe := startWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "S-9.md"), []byte("# S-9\n"), 0o600))
	require.Eventually(t, func() bool { return len(fe.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "S-9", fe.snapshot()[0].StoryID)
}
