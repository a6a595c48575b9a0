package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// ParseAuthorizedKeys parses authorized_keys content. Blank lines and
// comments are skipped.
func ParseAuthorizedKeys(data []byte) ([]ssh.PublicKey, error) {
	var keys []ssh.PublicKey
	rest := data
	for len(bytes.TrimSpace(rest)) > 0 {
		key, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return nil, fmt.Errorf("parsing authorized keys: %w", err)
		}
		keys = append(keys, key)
		rest = next
	}
	if len(keys) == 0 {
		return nil, errors.New("no authorized keys")
	}
	return keys, nil
}

// LoadAuthorizedKeys reads and parses an authorized_keys file.
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading authorized keys: %w", err)
	}
	return ParseAuthorizedKeys(data)
}

// PublicKeyAuth returns a PublicKeyCallback that accepts username when it
// presents one of keys. An empty username accepts any user.
func PublicKeyAuth(username string, keys []ssh.PublicKey) func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allowed[string(k.Marshal())] = struct{}{}
	}
	return func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		if username != "" && conn.User() != username {
			return nil, errors.New("unknown user")
		}
		if _, ok := allowed[string(key.Marshal())]; !ok {
			return nil, errors.New("unauthorized key")
		}
		return &ssh.Permissions{
			Extensions: map[string]string{"pubkey-fp": ssh.FingerprintSHA256(key)},
		}, nil
	}
}

// LoadHostKey reads and parses an OpenSSH private key file for use as a
// server host key.
func LoadHostKey(path string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}

	return signer, nil
}

// GenerateHostKey generates a random Ed25519 host key.
func GenerateHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}
