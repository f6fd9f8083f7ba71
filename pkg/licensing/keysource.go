package licensing

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/ssh"
)

// StaticKeySource serves a fixed key. Used by tests and embedded deployments.
type StaticKeySource struct {
	Key ed25519.PrivateKey
}

// SigningKey returns the configured key.
func (s StaticKeySource) SigningKey(ctx context.Context) (ed25519.PrivateKey, error) {
	if s.Key == nil {
		return nil, &SigningError{Err: errors.New("no signing key configured")}
	}
	return s.Key, nil
}

// FileKeySource reads the signing key from a PKCS#8 PEM or OpenSSH private
// key file. The parsed key is cached until Reload is called.
type FileKeySource struct {
	Path       string
	Passphrase []byte

	mu  sync.Mutex
	key ed25519.PrivateKey
}

// NewFileKeySource returns a key source for path. The file is read lazily.
func NewFileKeySource(path string, passphrase []byte) *FileKeySource {
	return &FileKeySource{Path: path, Passphrase: passphrase}
}

// SigningKey returns the cached key, loading it on first use. A read failure
// is returned as-is; unparseable key material is a *SigningError.
func (f *FileKeySource) SigningKey(ctx context.Context) (ed25519.PrivateKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.key != nil {
		return f.key, nil
	}
	key, err := f.Load()
	if err != nil {
		return nil, err
	}
	f.key = key
	return key, nil
}

// Load reads and parses the key file without touching the cached key.
func (f *FileKeySource) Load() (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	key, err := ParsePrivateKey(data, f.Passphrase)
	if err != nil {
		return nil, &SigningError{Err: err}
	}
	return key, nil
}

// Set replaces the cached key, typically with one returned by Load.
func (f *FileKeySource) Set(key ed25519.PrivateKey) {
	f.mu.Lock()
	f.key = key
	f.mu.Unlock()
}

// Reload drops the cached key so the next SigningKey call rereads the file.
func (f *FileKeySource) Reload() {
	f.mu.Lock()
	f.key = nil
	f.mu.Unlock()
}

// ParsePrivateKey decodes an Ed25519 private key from PKCS#8 PEM or the
// OpenSSH private key format. passphrase is only used for encrypted OpenSSH
// keys.
func ParsePrivateKey(data, passphrase []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing key is not PEM encoded")
	}

	if block.Type == "PRIVATE KEY" {
		key, err := jwt.ParseEdPrivateKeyFromPEM(data)
		if err != nil {
			return nil, err
		}
		return key.(ed25519.PrivateKey), nil
	}

	var raw any
	var err error
	if len(passphrase) > 0 {
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase(data, passphrase)
	} else {
		raw, err = ssh.ParseRawPrivateKey(data)
	}
	if err != nil {
		return nil, err
	}

	switch key := raw.(type) {
	case ed25519.PrivateKey:
		return key, nil
	case *ed25519.PrivateKey:
		return *key, nil
	default:
		return nil, fmt.Errorf("signing key is %T, want ed25519", raw)
	}
}

// ParsePublicKeys decodes every Ed25519 public key in data. Both PEM
// ("PUBLIC KEY" blocks) and OpenSSH authorized_keys lines are accepted, so a
// single file can list several keys during a rotation.
func ParsePublicKeys(data []byte) ([]ed25519.PublicKey, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		return parsePEMPublicKeys(trimmed)
	}
	return parseAuthorizedKeys(trimmed)
}

func parsePEMPublicKeys(data []byte) ([]ed25519.PublicKey, error) {
	var keys []ed25519.PublicKey
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "PUBLIC KEY" {
			continue
		}
		key, err := jwt.ParseEdPublicKeyFromPEM(pem.EncodeToMemory(block))
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		keys = append(keys, key.(ed25519.PublicKey))
	}
	if len(keys) == 0 {
		return nil, ErrNoTrustedKeys
	}
	return keys, nil
}

func parseAuthorizedKeys(data []byte) ([]ed25519.PublicKey, error) {
	var keys []ed25519.PublicKey
	rest := data
	for len(bytes.TrimSpace(rest)) > 0 {
		pub, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return nil, fmt.Errorf("failed to parse authorized key: %w", err)
		}
		rest = next

		cpk, ok := pub.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %s", pub.Type())
		}
		edKey, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key type %s is not ed25519", pub.Type())
		}
		keys = append(keys, edKey)
	}
	if len(keys) == 0 {
		return nil, ErrNoTrustedKeys
	}
	return keys, nil
}

// LoadKeySet reads and merges the public keys in every file.
func LoadKeySet(paths ...string) (*KeySet, error) {
	var pubs []ed25519.PublicKey
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read trusted keys: %w", err)
		}
		keys, err := ParsePublicKeys(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		pubs = append(pubs, keys...)
	}
	return NewKeySet(pubs...)
}
