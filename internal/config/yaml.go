package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toStrictJSON turns the config file's bytes into JSON regardless of source
// format, so one strict decoder (DisallowUnknownFields) covers both YAML
// and JSON files.
func toStrictJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	out, err := json.Marshal(jsonSafe(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// jsonSafe rewrites YAML's map[any]any keys into strings so the document
// can round-trip through encoding/json.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = jsonSafe(val)
		}
		return m
	case map[string]any:
		for k, val := range x {
			x[k] = jsonSafe(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = jsonSafe(val)
		}
		return x
	}
	return v
}
