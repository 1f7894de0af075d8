package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// The config file may be yaml or json. Both funnel through one strict JSON
// decode (DisallowUnknownFields) so a typo in an engine or platform key is
// rejected identically in either format: yaml input is converted to JSON
// bytes first.
//
// Format is chosen by extension (.yaml/.yml/.json), with a content sniff as
// the fallback so a json file under an odd name still parses.
func toStrictJSON(path string, data []byte) ([]byte, error) {
	if !isYAMLFile(path, data) {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	j, err := json.Marshal(stringifyKeys(v))
	if err != nil {
		return nil, fmt.Errorf("config %s: not representable as json: %w", filepath.Base(path), err)
	}
	return j, nil
}

func isYAMLFile(path string, data []byte) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	case ".json":
		return false
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[')
}

// stringifyKeys rewrites yaml maps so every key is a string; json.Marshal
// rejects map[any]any, which yaml produces for non-scalar key forms.
func stringifyKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringifyKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringifyKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringifyKeys(x[i])
		}
		return x
	default:
		return in
	}
}
