package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerCreateAndRemove(t *testing.T) {
	base := t.TempDir()
	mgr := NewManager(base)

	path, err := mgr.Create("S-1")
	require.NoError(t, err)
	assert.Equal(t, base, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "S-1-"))

	require.NoError(t, os.MkdirAll(path, 0o750))
	listed, err := mgr.List("S-1")
	require.NoError(t, err)
	assert.Equal(t, []string{path}, listed)

	require.NoError(t, mgr.Remove(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestManagerRejectsCollisionAndEscapes(t *testing.T) {
	base := t.TempDir()
	mgr := NewManager(base)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mgr.now = func() time.Time { return fixed }

	path, err := mgr.Create("S/2")
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), "S_2-")
	require.NoError(t, os.MkdirAll(path, 0o750))

	_, err = mgr.Create("S/2")
	require.Error(t, err)

	require.Error(t, mgr.Remove(filepath.Dir(base)))
	require.Error(t, mgr.Remove(base))
	require.NoError(t, mgr.Remove(""))
}

func TestManagerCreateRequiresStory(t *testing.T) {
	_, err := NewManager(t.TempDir()).Create("")
	require.Error(t, err)
}
