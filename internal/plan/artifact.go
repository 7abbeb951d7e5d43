package plan

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
)

// Path returns the default JSON artifact path for storyID below dir.
func Path(dir, storyID string) string {
	return filepath.Join(dir, storyID+"-plan.json")
}

// Find returns the first existing artifact for storyID below dir, trying
// <id>-plan.json, <id>-plan.yaml and <id>-plan.yml in that order.
func Find(dir, storyID string) (string, bool) {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		p := filepath.Join(dir, storyID+"-plan"+ext)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// Load reads a plan artifact, choosing the decoder by file extension, and validates it.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundError("plan not found").WithContext("path", path).Build()
		}
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "failed to read plan").
			WithContext("path", path).
			Build()
	}

	var p Plan
	if isYAML(path) {
		err = yaml.Unmarshal(data, &p)
	} else {
		err = json.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryValidation, "failed to decode plan").
			WithContext("path", path).
			Build()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Save writes p to path atomically, encoding by file extension.
func Save(path string, p *Plan) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(p)
	} else {
		data, err = json.MarshalIndent(p, "", "  ")
	}
	if err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to encode plan").Build()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "failed to create plan directory").
			WithContext("path", filepath.Dir(path)).
			Build()
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "failed to write plan").
			WithContext("path", tmp).
			Build()
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.WrapError(err, errors.CategoryFileSystem, "failed to replace plan").
			WithContext("path", path).
			Build()
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
