package config

import (
	"path/filepath"
	"strings"

	"taskloop/pkg/yamljson"
)

// coerceToJSONBytes converts YAML config to JSON bytes so we can re-use the strict
// JSON decoder (DisallowUnknownFields) for both formats.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}
	j, err := yamljson.Convert(data)
	if err != nil {
		return nil, "yaml", err
	}
	return j, "yaml", nil
}
