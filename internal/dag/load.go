package dag

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseGraph decodes a YAML (or JSON, a YAML subset) workflow definition.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse workflow graph: %w", err)
	}
	if len(g.Steps) == 0 {
		return nil, fmt.Errorf("parse workflow graph: no steps defined")
	}
	return &g, nil
}

// LoadGraph reads a workflow definition file.
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow graph: %w", err)
	}
	return ParseGraph(data)
}
