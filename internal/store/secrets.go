package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSecretStore keeps each secret in its own 0600 file inside a 0700
// directory.
type FileSecretStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileSecretStore creates dir if needed and tightens its permissions.
func NewFileSecretStore(dir string) (*FileSecretStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating secret directory: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("securing secret directory: %w", err)
	}
	return &FileSecretStore{dir: dir}, nil
}

func (s *FileSecretStore) path(tag string) (string, error) {
	if err := checkName(tag); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, tag), nil
}

func (s *FileSecretStore) Save(tag string, data []byte) error {
	p, err := s.path(tag)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(p, data, 0o600); err != nil {
		return fmt.Errorf("saving secret %s: %w", tag, err)
	}
	return nil
}

func (s *FileSecretStore) Load(tag string) ([]byte, error) {
	p, err := s.path(tag)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(p) //nolint:gosec // Path is built from a validated tag.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading secret %s: %w", tag, err)
	}
	return b, nil
}

// Delete removes the secret. Deleting a missing tag is not an error.
func (s *FileSecretStore) Delete(tag string) error {
	p, err := s.path(tag)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting secret %s: %w", tag, err)
	}
	return nil
}

// MemorySecretStore is an in-memory SecretStore.
type MemorySecretStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{m: make(map[string][]byte)}
}

func (s *MemorySecretStore) Save(tag string, data []byte) error {
	if err := checkName(tag); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[tag] = append([]byte(nil), data...)
	return nil
}

func (s *MemorySecretStore) Load(tag string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[tag]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MemorySecretStore) Delete(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, tag)
	return nil
}
