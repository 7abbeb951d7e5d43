package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
)

// Manager allocates per-story working directories below a base directory.
type Manager struct {
	baseDir string
	now     func() time.Time
}

// NewManager creates a manager rooted at baseDir (the OS temp dir when empty).
func NewManager(baseDir string) *Manager {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Manager{baseDir: baseDir, now: time.Now}
}

// BaseDir returns the directory all workspaces are created in.
func (m *Manager) BaseDir() string { return m.baseDir }

// Create makes a fresh timestamped directory for storyID and returns its path.
// The directory itself is not created so that it can be used as a clone target.
func (m *Manager) Create(storyID string) (string, error) {
	if storyID == "" {
		return "", errors.ValidationError("story id is required").Build()
	}
	if err := os.MkdirAll(m.baseDir, 0o750); err != nil {
		return "", errors.WrapError(err, errors.CategoryFileSystem, "failed to create workspace base directory").
			WithContext("path", m.baseDir).
			Build()
	}

	name := fmt.Sprintf("%s-%s", sanitize(storyID), m.now().Format("20060102-150405.000"))
	path := filepath.Join(m.baseDir, name)
	if _, err := os.Stat(path); err == nil {
		return "", errors.NewError(errors.CategoryAlreadyExists, "workspace already exists").
			WithContext("path", path).
			Build()
	}

	slog.Debug("Allocated workspace", logfields.StoryID(storyID), logfields.Path(path))
	return path, nil
}

// Remove deletes a workspace previously returned by Create. Paths outside
// the base directory are refused.
func (m *Manager) Remove(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.baseDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return errors.ValidationError("path is not inside the workspace directory").
			WithContext("path", path).
			Build()
	}
	if err := os.RemoveAll(path); err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "failed to remove workspace").
			WithContext("path", path).
			Build()
	}
	slog.Info("Removed workspace", logfields.Path(path))
	return nil
}

// List returns the workspace directories that currently exist for storyID.
func (m *Manager) List(storyID string) ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "failed to list workspaces").Build()
	}
	prefix := sanitize(storyID) + "-"
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			out = append(out, filepath.Join(m.baseDir, e.Name()))
		}
	}
	return out, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, id)
}
