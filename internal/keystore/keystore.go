// Package keystore manages the single Ed25519 key pair used to authenticate
// the tunnel's SSH session.
//
// The private half lives in a store.SecretStore and never leaves this
// package except as an ssh.Signer or a raw seed handed to the session
// dialer. The public half is kept in plain settings as an OpenSSH
// authorized_keys line. Both halves are written together or not at all.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/sshforward/internal/store"
	"github.com/die-net/sshforward/internal/tunnelerr"
)

const (
	PrivateKeyTag  = "sshPrivateKey.ed25519"
	PublicKeyName  = "sshPublicKey.ed25519"
	DefaultComment = "opencode-ios"

	keyType = "ssh-ed25519"
)

// KeyPair is a freshly generated key. PrivateKey is the 32-byte Ed25519
// seed.
type KeyPair struct {
	PrivateKey    []byte
	PublicKeyLine string
}

// KeyStore generates, persists and rotates the key pair.
type KeyStore struct {
	secrets  store.SecretStore
	settings store.Settings
	comment  string
	rand     io.Reader

	// mu serializes writers; ensure calls are collapsed by sf first.
	mu sync.Mutex
	sf singleflight.Group
}

// New returns a KeyStore over the given stores.
func New(secrets store.SecretStore, settings store.Settings) *KeyStore {
	return &KeyStore{
		secrets:  secrets,
		settings: settings,
		comment:  DefaultComment,
		rand:     rand.Reader,
	}
}

// GenerateKeyPair creates a new key pair without persisting it.
func (k *KeyStore) GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(k.rand)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return KeyPair{
		PrivateKey:    priv.Seed(),
		PublicKeyLine: MarshalPublicKeyLine(pub, k.comment),
	}, nil
}

// EnsureKeyPair returns the stored public key line, generating and
// persisting a new pair if either half is missing.
func (k *KeyStore) EnsureKeyPair() (string, error) {
	v, err, _ := k.sf.Do("ensure", func() (any, error) {
		k.mu.Lock()
		defer k.mu.Unlock()
		return k.ensureLocked()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (k *KeyStore) ensureLocked() (string, error) {
	if line, ok := k.PublicKey(); ok {
		if _, err := k.LoadPrivateKey(); err == nil {
			return line, nil
		} else if !errors.Is(err, tunnelerr.ErrKeyNotFound) {
			return "", err
		}
	}

	kp, err := k.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	if err := k.SavePrivateKey(kp.PrivateKey); err != nil {
		return "", err
	}
	if err := k.SavePublicKey(kp.PublicKeyLine); err != nil {
		// Don't leave a private key without its advertised public half.
		_ = k.secrets.Delete(PrivateKeyTag)
		return "", err
	}
	return kp.PublicKeyLine, nil
}

// RotateKey deletes the current pair and generates a new one. The delete
// has completed before generation starts.
func (k *KeyStore) RotateKey() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.deleteLocked(); err != nil {
		return "", fmt.Errorf("rotate: %w", err)
	}
	return k.ensureLocked()
}

// SavePrivateKey stores a raw Ed25519 seed.
func (k *KeyStore) SavePrivateKey(seed []byte) error {
	if len(seed) != ed25519.SeedSize {
		return tunnelerr.New(tunnelerr.InvalidKeyFormat, fmt.Sprintf("seed is %d bytes", len(seed)), nil)
	}
	if err := k.secrets.Save(PrivateKeyTag, seed); err != nil {
		return fmt.Errorf("saving private key: %w", err)
	}
	return nil
}

// LoadPrivateKey returns the raw seed, or a KeyNotFound error.
func (k *KeyStore) LoadPrivateKey() ([]byte, error) {
	seed, err := k.secrets.Load(PrivateKeyTag)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, tunnelerr.New(tunnelerr.KeyNotFound, "", err)
		}
		return nil, fmt.Errorf("loading private key: %w", err)
	}
	return seed, nil
}

func (k *KeyStore) SavePublicKey(line string) error {
	if err := k.settings.Set(PublicKeyName, line); err != nil {
		return fmt.Errorf("saving public key: %w", err)
	}
	return nil
}

// PublicKey returns the stored public key line, if any.
func (k *KeyStore) PublicKey() (string, bool) {
	line, ok := k.settings.Get(PublicKeyName)
	if !ok || line == "" {
		return "", false
	}
	return line, true
}

// HasKeyPair reports whether both halves are present.
func (k *KeyStore) HasKeyPair() bool {
	if _, ok := k.PublicKey(); !ok {
		return false
	}
	_, err := k.LoadPrivateKey()
	return err == nil
}

// DeleteKeyPair removes both halves.
func (k *KeyStore) DeleteKeyPair() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.deleteLocked()
}

func (k *KeyStore) deleteLocked() error {
	// Public half first: once it is gone nothing advertises the old key.
	if err := k.settings.Delete(PublicKeyName); err != nil {
		return fmt.Errorf("deleting public key: %w", err)
	}
	if err := k.secrets.Delete(PrivateKeyTag); err != nil {
		return fmt.Errorf("deleting private key: %w", err)
	}
	return nil
}

// Signer parses the stored private key into an ssh.Signer.
func (k *KeyStore) Signer() (ssh.Signer, error) {
	seed, err := k.LoadPrivateKey()
	if err != nil {
		return nil, err
	}
	return SignerFromSeed(seed)
}

// Fingerprint returns the SHA256 fingerprint of the stored public key.
func (k *KeyStore) Fingerprint() (string, error) {
	line, ok := k.PublicKey()
	if !ok {
		return "", tunnelerr.New(tunnelerr.KeyNotFound, "", nil)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", tunnelerr.New(tunnelerr.InvalidKeyFormat, "public key", err)
	}
	return ssh.FingerprintSHA256(pub), nil
}

// SignerFromSeed builds an ssh.Signer from a raw 32-byte Ed25519 seed.
func SignerFromSeed(seed []byte) (ssh.Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, tunnelerr.New(tunnelerr.InvalidKeyFormat, fmt.Sprintf("seed is %d bytes", len(seed)), nil)
	}
	signer, err := ssh.NewSignerFromKey(ed25519.NewKeyFromSeed(seed))
	if err != nil {
		return nil, tunnelerr.New(tunnelerr.InvalidKeyFormat, "", err)
	}
	return signer, nil
}

// MarshalPublicKeyLine renders pub in OpenSSH authorized_keys form:
//
//	"ssh-ed25519 " + base64(string("ssh-ed25519") || string(pub)) + " " + comment
//
// where string(x) is a uint32 big-endian length followed by x.
func MarshalPublicKeyLine(pub ed25519.PublicKey, comment string) string {
	blob := make([]byte, 0, 4+len(keyType)+4+len(pub))
	blob = appendSSHString(blob, []byte(keyType))
	blob = appendSSHString(blob, pub)
	return keyType + " " + base64.StdEncoding.EncodeToString(blob) + " " + comment
}

func appendSSHString(b, s []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(s))) //nolint:gosec // Key material is tiny.
	return append(b, s...)
}
