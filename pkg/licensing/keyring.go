package licensing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sync/atomic"
)

// TrustedKey is a public key licenses may be signed with.
type TrustedKey struct {
	ID     string
	Public ed25519.PublicKey
}

// KeyID returns a short fingerprint of pub, used in logs and health output.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// KeySet is an immutable set of trusted keys. A new set is built for every
// rotation; an existing set is never modified.
type KeySet struct {
	keys []TrustedKey
}

// NewKeySet builds a set from public keys. Duplicate keys are collapsed.
func NewKeySet(pubs ...ed25519.PublicKey) (*KeySet, error) {
	set := &KeySet{}
	seen := make(map[string]bool, len(pubs))
	for i, pub := range pubs {
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %d: ed25519 public key must be %d bytes, got %d", i, ed25519.PublicKeySize, len(pub))
		}
		id := KeyID(pub)
		if seen[id] {
			continue
		}
		seen[id] = true
		set.keys = append(set.keys, TrustedKey{ID: id, Public: slices.Clone(pub)})
	}
	if len(set.keys) == 0 {
		return nil, ErrNoTrustedKeys
	}
	return set, nil
}

// keyCheckPayload is signed to check a private key against a set.
var keyCheckPayload = []byte("cluso-license/v1:key-check")

// Accepts returns an error unless licenses signed with key verify under s.
func (s *KeySet) Accepts(key ed25519.PrivateKey) error {
	signer, err := NewSigner(key)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(keyCheckPayload)
	if err != nil {
		return err
	}
	if _, ok := s.Verify(keyCheckPayload, sig); !ok {
		return fmt.Errorf("signing key %s is not trusted", KeyID(key.Public().(ed25519.PublicKey)))
	}
	return nil
}

// Len returns the number of trusted keys.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// IDs returns the fingerprints of the trusted keys in insertion order.
func (s *KeySet) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, len(s.keys))
	for i, k := range s.keys {
		ids[i] = k.ID
	}
	return ids
}

// Verify checks sig against every trusted key and returns the ID of the
// first key that validates it.
func (s *KeySet) Verify(payload, sig []byte) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, k := range s.keys {
		if VerifySignature(payload, sig, k.Public) {
			return k.ID, true
		}
	}
	return "", false
}

// Keyring holds the current KeySet. Readers always observe a complete set:
// rotation replaces the pointer, never the contents.
type Keyring struct {
	current atomic.Pointer[KeySet]
}

// NewKeyring returns a keyring trusting set.
func NewKeyring(set *KeySet) (*Keyring, error) {
	k := &Keyring{}
	if err := k.Rotate(set); err != nil {
		return nil, err
	}
	return k, nil
}

// Current returns the active set.
func (k *Keyring) Current() *KeySet {
	return k.current.Load()
}

// Rotate atomically replaces the active set. An empty set is rejected.
func (k *Keyring) Rotate(set *KeySet) error {
	if set.Len() == 0 {
		return ErrNoTrustedKeys
	}
	k.current.Store(set)
	return nil
}
