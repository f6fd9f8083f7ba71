package licensing

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer signs canonical record payloads with an Ed25519 private key.
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner wraps key. It fails with *SigningError when the key is not a
// usable Ed25519 private key.
func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, &SigningError{Err: fmt.Errorf("ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))}
	}
	return &Signer{key: key}, nil
}

// Sign returns the signature of payload.
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, &SigningError{Err: errors.New("no signing key")}
	}
	sig, err := jwt.SigningMethodEdDSA.Sign(string(payload), s.key)
	if err != nil {
		return nil, &SigningError{Err: err}
	}
	return sig, nil
}

// Public returns the verification key matching the signer.
func (s *Signer) Public() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// SignRecord sets r.Signature over the record's canonical encoding.
func (s *Signer) SignRecord(r *Record) error {
	sig, err := s.Sign(r.CanonicalBytes())
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// VerifySignature reports whether sig is a valid signature of payload under
// pub. It never panics: wrong key sizes, truncated signatures and garbage
// input all yield false.
func VerifySignature(payload, sig []byte, pub ed25519.PublicKey) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return jwt.SigningMethodEdDSA.Verify(string(payload), sig, pub) == nil
}
