package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is the settings file encoding.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks the format from a file extension. Anything that isn't .toml
// is treated as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Load reads, parses and validates the settings file at path. The returned
// Settings has defaults applied.
func Load(path string) (*Settings, error) {
	//nolint:gosec // path comes from ResolvePaths or the --config flag
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	s, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes data, applies defaults and validates. Unknown keys are an
// error so that typos in the file don't silently fall back to defaults.
func Parse(data []byte, format Format) (*Settings, error) {
	var raw Settings
	switch format {
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	default:
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, fmt.Errorf("parse yaml: empty document")
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}

	s := raw.withDefaults()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &s, nil
}

// Encode serializes s in the given format.
func Encode(s *Settings, format Format) ([]byte, error) {
	if format == FormatTOML {
		var buf bytes.Buffer
		enc := toml.NewEncoder(&buf)
		if err := enc.Encode(s); err != nil {
			return nil, fmt.Errorf("encode toml: %w", err)
		}
		return buf.Bytes(), nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}

// Mutate applies fn to a fresh copy of the settings at path and writes the
// result back atomically (temp file + rename in the same directory). The
// file is left untouched when fn or validation fails. Watchers observe the
// rename as a single write.
func Mutate(path string, fn func(*Settings) error) (*Settings, error) {
	current, err := Load(path)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, fmt.Errorf("mutate settings: %w", err)
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("mutated settings invalid: %w", err)
	}

	data, err := Encode(next, FormatOf(path))
	if err != nil {
		return nil, err
	}
	if err := WriteFileAtomic(path, data, 0o600); err != nil {
		return nil, err
	}
	return next, nil
}

// WriteFileAtomic writes data to a temp file beside path and renames it over
// path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *Settings) Clone() *Settings {
	out := *s
	out.Agents = make(map[string]Agent, len(s.Agents))
	for k, v := range s.Agents {
		if v.Contract.MaxRetries != nil {
			n := *v.Contract.MaxRetries
			v.Contract.MaxRetries = &n
		}
		v.Contract.Backoff = append([]Duration(nil), v.Contract.Backoff...)
		out.Agents[k] = v
	}
	if s.Teams != nil {
		out.Teams = make(map[string]Team, len(s.Teams))
		for k, v := range s.Teams {
			v.Agents = append([]string(nil), v.Agents...)
			out.Teams[k] = v
		}
	}
	if s.Providers != nil {
		out.Providers = make(map[string]Provider, len(s.Providers))
		for k, v := range s.Providers {
			v.Args = append([]string(nil), v.Args...)
			out.Providers[k] = v
		}
	}
	if s.Routing.Intents != nil {
		out.Routing.Intents = make(map[string]string, len(s.Routing.Intents))
		for k, v := range s.Routing.Intents {
			out.Routing.Intents[k] = v
		}
	}
	out.Sovereign.ProtectedFiles = append([]string(nil), s.Sovereign.ProtectedFiles...)
	out.Schedules = append([]Schedule(nil), s.Schedules...)
	return &out
}
