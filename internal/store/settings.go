package store

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileSettings is a Settings backed by a single YAML document. The whole
// document is rewritten on every change.
type FileSettings struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// OpenFileSettings loads path, treating a missing file as empty.
func OpenFileSettings(path string) (*FileSettings, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating settings directory: %w", err)
	}

	s := &FileSettings{path: path, values: make(map[string]string)}

	b, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	if err := yaml.Unmarshal(b, &s.values); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}
	return s, nil
}

// Path returns the settings file location.
func (s *FileSettings) Path() string {
	return s.path
}

func (s *FileSettings) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *FileSettings) Set(key, value string) error {
	if err := checkName(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := maps.Clone(s.values)
	next[key] = value
	if err := s.write(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *FileSettings) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil
	}
	next := maps.Clone(s.values)
	delete(next, key)
	if err := s.write(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *FileSettings) write(values map[string]string) error {
	b, err := yaml.Marshal(values)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, b, 0o600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

// MemorySettings is an in-memory Settings.
type MemorySettings struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemorySettings() *MemorySettings {
	return &MemorySettings{values: make(map[string]string)}
}

func (s *MemorySettings) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemorySettings) Set(key, value string) error {
	if err := checkName(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemorySettings) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
