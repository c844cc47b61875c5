// Package settings persists the per-board profile: serial parameters, pack
// geometry, ADC sampling options and the calibration tables. The profile is
// a flat YAML document keyed by name so firmware-side additions survive a
// load/save cycle even when this code does not know the key.
package settings

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Store is a concurrency-safe key/value view of one settings file.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
	path   string
}

// Defaults returns the factory profile for a standard 18s4p test board.
func Defaults() map[string]any {
	return map[string]any{
		"serial_port":    "",
		"serial_baud":    115200,
		"serial_timeout": 1.0,
		"serial_retries": 3,
		"cells_series":   18,
		"cells_parallel": 4,
		"adc_samples":    16,
		"adc_frequency":  1000,
	}
}

// Load reads the profile from a YAML file and applies environment variable
// overrides. Falls back to defaults if the file is missing or unreadable.
func Load(path string) *Store {
	s := &Store{values: Defaults(), path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[settings] no settings at %s, using defaults", path)
	} else {
		var loaded map[string]any
		if err := yaml.Unmarshal(data, &loaded); err != nil {
			log.Printf("[settings] error parsing %s: %v, using defaults", path, err)
		} else {
			for k, v := range loaded {
				s.values[k] = v
			}
			log.Printf("[settings] loaded %d values from %s", len(loaded), path)
		}
	}

	s.applyEnvOverrides()
	return s
}

// applyEnvOverrides reads environment variables and overrides profile values.
// Supported: BOARD_PORT, BOARD_BAUD, BOARD_TIMEOUT, BOARD_RETRIES
func (s *Store) applyEnvOverrides() {
	if v := os.Getenv("BOARD_PORT"); v != "" {
		s.values["serial_port"] = v
	}
	if v := os.Getenv("BOARD_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.values["serial_baud"] = n
		}
	}
	if v := os.Getenv("BOARD_TIMEOUT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			s.values["serial_timeout"] = n
		}
	}
	if v := os.Getenv("BOARD_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.values["serial_retries"] = n
		}
	}
}

// Lookup returns the raw stored value for a key.
func (s *Store) Lookup(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Set stores a value under a key. The change is in memory only until Save.
func (s *Store) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// String returns a string value, or def if the key is absent or not a string.
func (s *Store) String(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key].(string); ok {
		return v
	}
	return def
}

// Int returns an integer value. YAML and JSON decoders disagree on numeric
// types, so ints, floats and numeric strings are all accepted.
func (s *Store) Int(key string, def int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if p, err := strconv.Atoi(n); err == nil {
			return p
		}
	}
	return def
}

// Float returns a float value with the same coercions as Int.
func (s *Store) Float(key string, def float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if p, err := strconv.ParseFloat(n, 64); err == nil {
			return p
		}
	}
	return def
}

// Seconds reads a float number of seconds and returns it as a Duration.
func (s *Store) Seconds(key string, def float64) time.Duration {
	secs := s.Float(key, def)
	return time.Duration(secs * float64(time.Second))
}

// Save writes the profile back to its YAML file.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.path == "" {
		return fmt.Errorf("settings: no file path to save to")
	}
	data, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("settings: write %s: %w", s.path, err)
	}
	log.Printf("[settings] saved %d values to %s", len(s.values), s.path)
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}
