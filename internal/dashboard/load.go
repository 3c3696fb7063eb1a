package dashboard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

// Parse decodes a dashboard from JSON, or from YAML when isYAML is set.
// Both the bare model and Grafana's {"dashboard": {...}} envelope are accepted.
func Parse(raw []byte, isYAML bool) (*Model, error) {
	if isYAML {
		converted, err := yaml.YAMLToJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("convert dashboard yaml: %w", err)
		}
		raw = converted
	}

	var envelope struct {
		Dashboard json.RawMessage `json:"dashboard"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Dashboard) > 0 {
		raw = envelope.Dashboard
	}

	m := &Model{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("parse dashboard: %w", err)
	}
	if strings.TrimSpace(m.UID) == "" {
		return nil, fmt.Errorf("parse dashboard: uid is required")
	}
	m.init()
	return m, nil
}

// LoadFile reads a dashboard file, choosing the decoder from the extension.
func LoadFile(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dashboard: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	return Parse(raw, ext == ".yaml" || ext == ".yml")
}
