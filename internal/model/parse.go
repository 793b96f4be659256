package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseModel parses a single operational model from YAML bytes.
func ParseModel(data []byte) (*OperationalModel, error) {
	var m OperationalModel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseModels parses one or more operational models from YAML bytes.
// Accepts either a YAML list or a single model document.
func ParseModels(data []byte) ([]*OperationalModel, error) {
	var models []*OperationalModel
	if err := yaml.Unmarshal(data, &models); err != nil {
		m, singleErr := ParseModel(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse models: %w", err)
		}
		return []*OperationalModel{m}, nil
	}

	for _, m := range models {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	return models, nil
}

// LoadDir parses every .yaml/.yml file under dir (recursively) and returns
// the combined model set. Any invalid model fails the whole load.
func LoadDir(dir string) ([]*OperationalModel, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read model directory %s: %w", dir, err)
	}

	var all []*OperationalModel
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		models, err := ParseModels(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		all = append(all, models...)
	}
	return all, nil
}
