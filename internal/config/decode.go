package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

var ErrTrailingData = errors.New("invalid config: trailing data")

// sections maps each top-level key to the field it fills. Decoding a section
// at a time lets errors name the section they came from.
func (c *Config) sections() map[string]any {
	return map[string]any{
		"logging":  &c.Logging,
		"machine":  &c.Machine,
		"offload":  &c.Offload,
		"drain":    &c.Drain,
		"trace":    &c.Trace,
		"workload": &c.Workload,
		"storage":  &c.Storage,
		"debug":    &c.Debug,
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// decode parses a config file body. YAML is turned into JSON per section so
// both formats share the strict decoder that rejects unknown keys.
func decode(path string, b []byte) (*Config, error) {
	format, split := "json", splitJSON
	if isYAML(path) {
		format, split = "yaml", splitYAML
	}
	raw, err := split(b)
	if err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}

	var cfg Config
	dst := cfg.sections()
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		field, ok := dst[name]
		if !ok {
			return nil, fmt.Errorf("%s config: unknown section %q", format, name)
		}
		dec := json.NewDecoder(bytes.NewReader(raw[name]))
		dec.DisallowUnknownFields()
		if err := dec.Decode(field); err != nil {
			return nil, fmt.Errorf("%s config: %s: %w", format, name, err)
		}
	}
	return &cfg, nil
}

func splitJSON(b []byte) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	var out map[string]json.RawMessage
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	// A second value, even a valid one, is rejected.
	var rest json.RawMessage
	switch err := dec.Decode(&rest); {
	case err == io.EOF:
		return out, nil
	case err == nil:
		return nil, ErrTrailingData
	default:
		return nil, fmt.Errorf("%w: %v", ErrTrailingData, err)
	}
}

// splitYAML accepts a single document. An empty file is an empty config.
func splitYAML(b []byte) (map[string]json.RawMessage, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return nil, ErrTrailingData
		}
		return nil, fmt.Errorf("%w: %v", ErrTrailingData, err)
	}

	out := make(map[string]json.RawMessage, len(doc))
	for name, v := range doc {
		j, err := json.Marshal(jsonable(v))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = j
	}
	return out, nil
}

// jsonable rewrites non-string YAML map keys (yes, 1, ...) as strings.
func jsonable(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = jsonable(e)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = jsonable(e)
		}
		return m
	case []any:
		for i, e := range x {
			x[i] = jsonable(e)
		}
		return x
	}
	return v
}
