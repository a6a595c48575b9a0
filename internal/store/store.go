// Package store provides the two persistence capabilities the tunnel needs:
// a confidentiality-protected blob store for private key material, and a
// plain key/value settings store for everything else.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrNotFound is returned by SecretStore.Load when the tag has no value.
var ErrNotFound = errors.New("store: not found")

// SecretStore holds secret blobs keyed by a fixed tag.
type SecretStore interface {
	Save(tag string, data []byte) error
	Load(tag string) ([]byte, error)
	Delete(tag string) error
}

// Settings holds plain string values keyed by name.
type Settings interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func checkName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("store: invalid name %q", name)
	}
	return nil
}

// DefaultDir returns the state directory.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/sshforward.
func DefaultDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sshforward"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "sshforward"), nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if tmp != "" {
			_ = os.Remove(tmp)
		}
	}()

	if err := f.Chmod(perm); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	tmp = ""
	return nil
}
