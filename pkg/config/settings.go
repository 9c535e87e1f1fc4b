// Package config loads the service's flat key/value settings. Values come from a
// YAML file and may be overridden by environment variables, so the same image can
// be configured from a mounted file, from the container environment, or both.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to the upper-cased key when looking for an environment
// override, e.g. database_host is overridden by CLIMA_DATABASE_HOST.
const EnvPrefix = "CLIMA_"

var (
	// ErrMissingKey is returned when a required key is absent or empty.
	ErrMissingKey = errors.New("required setting not defined")
	// ErrInvalidValue is returned when a value cannot be parsed as the expected type.
	ErrInvalidValue = errors.New("setting is not valid")
)

// Settings is a flat key/value configuration source.
type Settings map[string]string

// Load reads the YAML file at path and applies environment overrides. An empty
// path skips the file and uses the environment alone.
func Load(path string) (Settings, error) {
	s := Settings{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
		}
		parsed, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
		}
		s = parsed
	}
	s.ApplyEnv(os.LookupEnv)
	return s, nil
}

// Parse decodes a flat YAML mapping. Scalar values of any type are kept in their
// textual form; nested mappings and sequences are rejected.
func Parse(raw []byte) (Settings, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	s := make(Settings, len(doc))
	for key, node := range doc {
		if node.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("%w: %s must be a scalar value", ErrInvalidValue, key)
		}
		s[key] = node.Value
	}
	return s, nil
}

// ApplyEnv overrides known keys, and adds any required keys, from the environment.
// lookup is usually os.LookupEnv.
func (s Settings) ApplyEnv(lookup func(string) (string, bool)) {
	keys := make(map[string]struct{}, len(s)+len(RequiredKeys))
	for k := range s {
		keys[k] = struct{}{}
	}
	for _, k := range RequiredKeys {
		keys[k] = struct{}{}
	}
	for _, k := range OptionalKeys {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if v, ok := lookup(EnvPrefix + strings.ToUpper(k)); ok {
			s[k] = v
		}
	}
}

// Validate checks that every required key is present and that numeric keys parse.
// All problems are reported together.
func (s Settings) Validate() error {
	var errs []error
	for _, k := range RequiredKeys {
		if _, err := s.Required(k); err != nil {
			errs = append(errs, err)
		}
	}
	for _, k := range []string{KeyDatabasePort, KeyMQTTPort} {
		if _, ok := s[k]; ok {
			if _, err := s.Port(k); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Required returns the value for key or ErrMissingKey.
func (s Settings) Required(key string) (string, error) {
	v := strings.TrimSpace(s[key])
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	return v, nil
}

// Port returns the required key parsed as a TCP port.
func (s Settings) Port(key string) (uint16, error) {
	v, err := s.Required(key)
	if err != nil {
		return 0, err
	}
	p, err := strconv.ParseUint(v, 10, 16)
	if err != nil || p == 0 {
		return 0, fmt.Errorf("%w: %s=%q is not a port number", ErrInvalidValue, key, v)
	}
	return uint16(p), nil
}

// String returns the value for key, or def if it is unset.
func (s Settings) String(key, def string) string {
	if v, ok := s[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the value for key as an int, or def if it is unset.
func (s Settings) Int(key string, def int) (int, error) {
	v, ok := s[key]
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidValue, key, v)
	}
	return i, nil
}

// Bool returns the value for key as a bool, or def if it is unset.
func (s Settings) Bool(key string, def bool) (bool, error) {
	v, ok := s[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidValue, key, v)
	}
	return b, nil
}

// Keys returns the defined keys in sorted order.
func (s Settings) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
