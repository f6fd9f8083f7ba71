package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// KeyPrefix marks static API keys so they are not mistaken for JWTs.
const KeyPrefix = "lk_"

var ErrAPIKeyNotFound = errors.New("API key not found")

// APIKey binds a static key to a caller.
type APIKey struct {
	Key    string `yaml:"key" json:"-"`
	Caller string `yaml:"caller" json:"caller"`
	Role   string `yaml:"role" json:"role"`
}

// APIKeyValidator authenticates long-lived machine callers by static key.
// Only HMAC hashes of the keys are held in memory.
type APIKeyValidator struct {
	hmacSecret []byte
	keys       map[string]Claims
	mu         sync.RWMutex
}

// NewAPIKeyValidator creates a validator for keys. secret keys the HMAC.
func NewAPIKeyValidator(secret string, keys ...APIKey) (*APIKeyValidator, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}
	v := &APIKeyValidator{
		hmacSecret: []byte(secret),
		keys:       make(map[string]Claims, len(keys)),
	}
	for _, k := range keys {
		if err := v.Add(k); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Add registers k.
func (v *APIKeyValidator) Add(k APIKey) error {
	if !strings.HasPrefix(k.Key, KeyPrefix) || len(k.Key) < len(KeyPrefix)+16 {
		return fmt.Errorf("API key for %q must start with %q and carry at least 16 characters", k.Caller, KeyPrefix)
	}
	if k.Caller == "" {
		return ErrEmptyCaller
	}
	if !validRoles[k.Role] {
		return fmt.Errorf("%w: %q", ErrInvalidRole, k.Role)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[v.hash(k.Key)] = Claims{Caller: k.Caller, Role: k.Role}
	return nil
}

// ValidateToken looks up key. Implements TokenValidator interface.
func (v *APIKeyValidator) ValidateToken(_ context.Context, key string) (*Claims, error) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return nil, ErrInvalidToken
	}
	hash := v.hash(key)

	v.mu.RLock()
	defer v.mu.RUnlock()
	for stored, claims := range v.keys {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(hash)) == 1 {
			c := claims
			return &c, nil
		}
	}
	return nil, ErrAPIKeyNotFound
}

// Name returns the validator name for logging/debugging.
func (v *APIKeyValidator) Name() string {
	return "api-key"
}

func (v *APIKeyValidator) hash(key string) string {
	mac := hmac.New(sha256.New, v.hmacSecret)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}
