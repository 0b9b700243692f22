package cmd

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/cycjobs/pkg/toolapi"
)

// splitPair splits "key=value". The key must be non-empty.
func splitPair(pair string) (string, string, error) {
	key, value, ok := strings.Cut(pair, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", fmt.Errorf("expected key=value, got %q", pair)
	}
	return key, value, nil
}

// decodeScalar reads a flag value as a YAML scalar or flow sequence, so
// 3 is an int, true a bool and [a,b] a list. Anything else stays a string.
func decodeScalar(value string) any {
	var v any
	if err := yaml.Unmarshal([]byte(value), &v); err != nil {
		return value
	}
	switch v.(type) {
	case nil, map[string]any:
		return value
	}
	return v
}

// parseRawArgs turns --arg key=value pairs into a script argument map.
func parseRawArgs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		out[key] = decodeScalar(value)
	}
	return out, nil
}

// parseToolParams turns --param key=value pairs into tool params, using the
// declared param types so sequences and paths are never reinterpreted.
// List params accept comma-separated values.
func parseToolParams(tool *toolapi.Tool, pairs []string) (map[string]any, error) {
	types := make(map[string]toolapi.ParamType, len(tool.Params))
	for _, p := range tool.Params {
		types[p.Name] = p.Type
	}

	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		switch types[key] {
		case toolapi.ParamString, toolapi.ParamFile, toolapi.ParamSequence:
			out[key] = value
		case toolapi.ParamFiles, toolapi.ParamSequences:
			out[key] = splitList(value)
		default:
			if key == toolapi.JobNameParam {
				out[key] = value
			} else {
				out[key] = decodeScalar(value)
			}
		}
	}
	return out, nil
}

func splitList(value string) []any {
	parts := strings.Split(value, ",")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
