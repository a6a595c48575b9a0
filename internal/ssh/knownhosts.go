package ssh

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy selects how the server's host key is trusted.
type HostKeyPolicy string

const (
	// HostKeyAcceptAny trusts whatever key the server presents.
	HostKeyAcceptAny HostKeyPolicy = "accept-any"
	// HostKeyTOFU records unknown hosts in known_hosts and rejects changed keys.
	HostKeyTOFU HostKeyPolicy = "tofu"
)

// ParseHostKeyPolicy parses a policy name. Empty selects HostKeyAcceptAny.
func ParseHostKeyPolicy(s string) (HostKeyPolicy, error) {
	switch p := HostKeyPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return HostKeyAcceptAny, nil
	case HostKeyAcceptAny, HostKeyTOFU:
		return p, nil
	default:
		return "", fmt.Errorf("unknown host key policy %q (want %s or %s)", s, HostKeyAcceptAny, HostKeyTOFU)
	}
}

// NewHostKeyCallback returns the ssh.HostKeyCallback for policy. path is the
// known_hosts file and is only used by HostKeyTOFU.
func NewHostKeyCallback(policy HostKeyPolicy, path string) (ssh.HostKeyCallback, error) {
	switch policy {
	case HostKeyAcceptAny, "":
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // Accept-any is the configured trust model.
	case HostKeyTOFU:
		if path == "" {
			return nil, errors.New("tofu host key policy requires a known_hosts path")
		}
		return newTOFUCallback(path)
	default:
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}
}

// newTOFUCallback verifies host keys against the known_hosts file at path,
// automatically adding unknown hosts on first connection (trust on first
// use / TOFU).
//
// The parent directory and file are created if they don't exist.
func newTOFUCallback(path string) (ssh.HostKeyCallback, error) {
	// Ensure the directory exists.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}

	// Create the file if it doesn't exist.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return nil, fmt.Errorf("creating known_hosts file: %w", err)
		}
		_ = f.Close()
	}

	hostKeyCallback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	// Keys accepted by this callback since the file was loaded; knownhosts.New
	// doesn't see our own appends.
	var (
		mu    sync.Mutex
		added = make(map[string]ssh.PublicKey)
	)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := hostKeyCallback(hostname, remote, key)
		if err == nil {
			return nil
		}

		// Check if this is a "key not found" error (unknown host).
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}

		// If Want is non-empty, the host exists but with a different key.
		// This is a potential MITM attack - reject it.
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("host key mismatch for %s (possible MITM attack): %w", hostname, err)
		}

		normalizedHost := knownhosts.Normalize(hostname)

		mu.Lock()
		defer mu.Unlock()

		if prev, ok := added[normalizedHost]; ok {
			if string(prev.Marshal()) == string(key.Marshal()) {
				return nil
			}
			return fmt.Errorf("host key mismatch for %s (possible MITM attack)", hostname)
		}

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return fmt.Errorf("opening known_hosts for writing: %w", err)
		}
		defer f.Close()

		line := knownhosts.Line([]string{normalizedHost}, key)
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("writing to known_hosts: %w", err)
		}
		added[normalizedHost] = key

		log.Printf("ssh: added host key for %s to %s", hostname, path)
		return nil
	}, nil
}
