// Package story locates and parses story documents: Markdown files with
// optional YAML frontmatter whose checkbox lines describe the work to do.
package story

import (
	"bufio"
	"bytes"
	"os"
	"strings"

	"github.com/inful/mdfp"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
)

// Story is a parsed story document.
type Story struct {
	ID          string
	Path        string
	Title       string
	Fields      map[string]any // frontmatter
	Body        []byte
	Fingerprint string
}

// Load reads and parses the story file at path.
func Load(id, path string) (*Story, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "failed to read story").
			WithContext("path", path).
			Build()
	}
	s, err := Parse(id, data)
	if err != nil {
		return nil, err
	}
	s.Path = path
	return s, nil
}

// Parse splits frontmatter from the body and computes the content fingerprint.
func Parse(id string, content []byte) (*Story, error) {
	fm, body, err := split(content)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryValidation, "invalid story frontmatter").
			WithContext("story_id", id).
			Build()
	}

	fields := map[string]any{}
	if len(fm) > 0 {
		if err := yaml.Unmarshal(fm, &fields); err != nil {
			return nil, errors.WrapError(err, errors.CategoryValidation, "invalid story frontmatter").
				WithContext("story_id", id).
				Build()
		}
		if fields == nil {
			fields = map[string]any{}
		}
	}

	s := &Story{ID: id, Fields: fields, Body: body}
	s.Title = s.resolveTitle()
	s.Fingerprint = fingerprint(fm, body)
	return s, nil
}

func (s *Story) resolveTitle() string {
	if t, ok := s.Fields["title"].(string); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	sc := bufio.NewScanner(bytes.NewReader(s.Body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return s.ID
}

// fingerprint hashes the frontmatter (minus any stored fingerprint) and body.
func fingerprint(fm, body []byte) string {
	var kept []string
	for _, line := range strings.Split(strings.TrimRight(string(fm), "\n"), "\n") {
		if strings.HasPrefix(line, mdfp.FingerprintField+":") {
			continue
		}
		kept = append(kept, line)
	}
	return mdfp.CalculateFingerprintFromParts(strings.Join(kept, "\n"), string(body))
}
