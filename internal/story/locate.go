package story

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateID rejects story ids that are empty or could escape a directory
// when joined into a file name.
func ValidateID(id string) error {
	if id == "" {
		return errors.ValidationError("story id is required").Build()
	}
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return errors.ValidationError("invalid story id").
			WithContext("story_id", id).
			Build()
	}
	return nil
}

// Locate finds the story file for id under root. The root directory is
// searched first, then each immediate subdirectory. A file matches when it is
// named <id>.md or starts with "<id>-" and has a .md extension.
func Locate(root, id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return "", errors.NotFoundError("story directory not found").
			WithContext("path", root).
			WithContext("story_id", id).
			Build()
	}

	if p := matchIn(root, entries, id); p != "" {
		return p, nil
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		sub, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		if p := matchIn(dir, sub, id); p != "" {
			return p, nil
		}
	}

	return "", errors.NotFoundError("story not found").
		WithContext("story_id", id).
		WithContext("path", root).
		Build()
}

func matchIn(dir string, entries []os.DirEntry, id string) string {
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.EqualFold(filepath.Ext(name), ".md") {
			continue
		}
		if name == id+".md" || strings.HasPrefix(name, id+"-") {
			return filepath.Join(dir, name)
		}
	}
	return ""
}

// IDFromPath derives a story id from a story file name: the base name without
// extension, truncated at the first "-" followed by a non-digit.
// "S-12-login-form.md" yields "S-12".
func IDFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.Split(base, "-")
	id := parts[0]
	for _, p := range parts[1:] {
		if p == "" || p[0] < '0' || p[0] > '9' {
			break
		}
		id += "-" + p
	}
	return id
}
