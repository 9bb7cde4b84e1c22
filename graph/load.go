package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a workflow document from disk. The parse format follows the
// file extension: .yaml/.yml parse as YAML, everything else as JSON.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	return Parse(data, isYAMLPath(path))
}

// Parse decodes a workflow document from raw bytes.
func Parse(data []byte, asYAML bool) (*Graph, error) {
	if asYAML {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data = converted
	}

	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	return &g, nil
}

// isYAMLPath returns true if the file path has a YAML extension.
func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON converts YAML bytes to JSON bytes through an untyped
// round-trip: YAML -> map[string]any -> JSON. yaml.v3 decodes mappings
// with string keys, so the intermediate value is JSON-compatible.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}
