package licensing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dd0wney/cluso-license/pkg/ids"
)

// Store keeps licenses, revocations and renewal claims in memory. With a data
// directory it also saves them to licenses.json after every write.
// It implements LicenseStore, RevocationStore and IDAllocator.
type Store struct {
	dataDir     string
	licenses    map[string]*Record
	revocations map[string]revocation
	renewals    map[string]string // predecessor ID -> successor ID
	mu          sync.RWMutex
}

type revocation struct {
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
}

type storeFile struct {
	Licenses    []json.RawMessage     `json:"licenses"`
	Revocations map[string]revocation `json:"revocations"`
	Renewals    map[string]string     `json:"renewals"`
}

// NewMemoryStore creates a store that never touches disk.
func NewMemoryStore() *Store {
	return &Store{
		licenses:    make(map[string]*Record),
		revocations: make(map[string]revocation),
		renewals:    make(map[string]string),
	}
}

// NewStore creates a new license store saved under dataDir
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	s := NewMemoryStore()
	s.dataDir = dataDir

	// Load existing licenses
	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

// AllocateID returns a fresh ULID-based license ID.
func (s *Store) AllocateID(ctx context.Context) (string, error) {
	return ids.NewLicenseID(), nil
}

// ClaimPredecessor records successorID as the only renewal of predecessorID.
func (s *Store) ClaimPredecessor(ctx context.Context, predecessorID, successorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.renewals[predecessorID]; ok {
		return fmt.Errorf("%w: %s renewed by %s", ErrPredecessorClaimed, predecessorID, existing)
	}
	s.renewals[predecessorID] = successorID

	if err := s.save(); err != nil {
		delete(s.renewals, predecessorID)
		return err
	}
	return nil
}

// Put stores a license. Records are immutable, so writing an existing ID
// with different content is rejected.
func (s *Store) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.licenses[rec.ID]; ok {
		if string(existing.CanonicalBytes()) != string(rec.CanonicalBytes()) {
			return fmt.Errorf("license %s already stored with different claims", rec.ID)
		}
		return nil
	}
	s.licenses[rec.ID] = rec.Clone()

	if err := s.save(); err != nil {
		delete(s.licenses, rec.ID)
		return err
	}
	return nil
}

// Get retrieves a license by ID
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.licenses[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// ListBySubject returns every license bound to subject, newest first.
func (s *Store) ListBySubject(ctx context.Context, subject string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*Record
	for _, rec := range s.licenses {
		if rec.Subject == subject {
			records = append(records, rec.Clone())
		}
	}
	slices.SortFunc(records, func(a, b *Record) int {
		if c := b.IssuedAt.Compare(a.IssuedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return records, nil
}

// Successor returns the ID of the license that renewed predecessorID.
func (s *Store) Successor(ctx context.Context, predecessorID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.renewals[predecessorID]
	return id, ok
}

// IsRevoked reports whether id has been revoked.
func (s *Store) IsRevoked(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.revocations[id]
	return ok, nil
}

// Revoke marks id as revoked. Revoking twice keeps the first reason.
func (s *Store) Revoke(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.revocations[id]; ok {
		return nil
	}
	s.revocations[id] = revocation{Reason: reason, RevokedAt: time.Now().UTC()}

	if err := s.save(); err != nil {
		delete(s.revocations, id)
		return err
	}
	return nil
}

// Len returns the number of stored licenses.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.licenses)
}

// save persists the store to disk. Callers hold the write lock.
func (s *Store) save() error {
	if s.dataDir == "" {
		return nil
	}

	file := storeFile{
		Licenses:    make([]json.RawMessage, 0, len(s.licenses)),
		Revocations: s.revocations,
		Renewals:    s.renewals,
	}
	for _, rec := range s.licenses {
		raw, err := Encode(rec)
		if err != nil {
			return err
		}
		file.Licenses = append(file.Licenses, raw)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	// Write to a temp file first so a crash never leaves a torn file
	path := filepath.Join(s.dataDir, "licenses.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// load reads the store from disk
func (s *Store) load() error {
	path := filepath.Join(s.dataDir, "licenses.json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No licenses yet
		}
		return err
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for _, raw := range file.Licenses {
		rec, err := Decode(raw)
		if err != nil {
			return fmt.Errorf("failed to load license: %w", err)
		}
		s.licenses[rec.ID] = rec
	}
	for id, rev := range file.Revocations {
		s.revocations[id] = rev
	}
	for pred, succ := range file.Renewals {
		s.renewals[pred] = succ
	}

	return nil
}

// Ping checks if store is accessible (always succeeds for file-based store)
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for file-based store
func (s *Store) Close() error {
	return nil
}
