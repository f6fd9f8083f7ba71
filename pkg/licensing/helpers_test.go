package licensing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestKey(t testing.TB) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return priv
}

func newTestPolicy(t testing.TB) *Policy {
	t.Helper()
	p, err := NewPolicy([]string{"pro", "basic", "analytics"}, 90*24*time.Hour, 7*24*time.Hour, 3*24*time.Hour)
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	return p
}

// countingRecorder records calls for assertions.
type countingRecorder struct {
	mu            sync.Mutex
	issued        int
	renewed       int
	revoked       int
	invariants    int
	outcomes      map[string]int
	collaborators map[string]int
	persisted     int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: map[string]int{}, collaborators: map[string]int{}}
}

func (r *countingRecorder) LicenseIssued(bool) { r.mu.Lock(); r.issued++; r.mu.Unlock() }
func (r *countingRecorder) LicenseRenewed()    { r.mu.Lock(); r.renewed++; r.mu.Unlock() }
func (r *countingRecorder) LicenseRevoked()    { r.mu.Lock(); r.revoked++; r.mu.Unlock() }
func (r *countingRecorder) InvariantViolation() {
	r.mu.Lock()
	r.invariants++
	r.mu.Unlock()
}
func (r *countingRecorder) LicenseVerified(outcome string) {
	r.mu.Lock()
	r.outcomes[outcome]++
	r.mu.Unlock()
}
func (r *countingRecorder) CollaboratorFailure(op string) {
	r.mu.Lock()
	r.collaborators[op]++
	r.mu.Unlock()
}
func (r *countingRecorder) PersistDuration(time.Duration, error) {
	r.mu.Lock()
	r.persisted++
	r.mu.Unlock()
}

func (r *countingRecorder) collaborator(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collaborators[op]
}

// capturePublisher keeps every published event.
type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// waitFor returns the published event types once at least n have arrived.
// Lifecycle events follow the store's confirmation asynchronously.
func (p *capturePublisher) waitFor(t testing.TB, n int) []EventType {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := p.types()
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(time.Millisecond)
	}
}

// blockingPublisher holds every event until release is closed.
type blockingPublisher struct {
	release chan struct{}
}

func (b blockingPublisher) Publish(ctx context.Context, ev Event) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failingRevocations fails every lookup.
type failingRevocations struct{}

func (failingRevocations) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("revocation backend unreachable")
}

func (failingRevocations) Revoke(context.Context, string, string) error {
	return errors.New("revocation backend unreachable")
}

// failingStore rejects every write.
type failingStore struct {
	*Store
}

func (failingStore) Put(context.Context, *Record) error {
	return errors.New("disk full")
}

// blockingStore holds writes until release is closed.
type blockingStore struct {
	*Store
	release chan struct{}
}

func (b blockingStore) Put(ctx context.Context, rec *Record) error {
	select {
	case <-b.release:
		return b.Store.Put(ctx, rec)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// manualClock is a settable clock starting at testEpoch.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: testEpoch}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type allowAll struct{}

func (allowAll) CanRenew(context.Context, string, string) (bool, error) { return true, nil }

type testEnv struct {
	key       ed25519.PrivateKey
	store     *Store
	keyring   *Keyring
	clock     *manualClock
	recorder  *countingRecorder
	publisher *capturePublisher
	svc       *Service
}

type envOption func(*Dependencies)

func newTestEnv(t testing.TB, opts ...envOption) *testEnv {
	t.Helper()

	key := newTestKey(t)
	set, err := NewKeySet(key.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("NewKeySet() error = %v", err)
	}
	keyring, err := NewKeyring(set)
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}

	env := &testEnv{
		key:       key,
		store:     NewMemoryStore(),
		keyring:   keyring,
		clock:     newManualClock(),
		recorder:  newCountingRecorder(),
		publisher: &capturePublisher{},
	}

	deps := Dependencies{
		Policy:      newTestPolicy(t),
		Keyring:     keyring,
		Keys:        StaticKeySource{Key: key},
		IDs:         env.store,
		Store:       env.store,
		Revocations: env.store,
		Authorizer:  NewOwnerAuthorizer(env.store, "admin"),
		Events:      env.publisher,
		Recorder:    env.recorder,
		Clock:       env.clock.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	svc, err := NewService(deps)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Close(ctx)
	})
	env.svc = svc
	return env
}

// issue creates a license and waits for it to be persisted.
func (e *testEnv) issue(t testing.TB, req CreateRequest) *Record {
	t.Helper()
	issued, err := e.svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := issued.Pending.Wait(context.Background()); err != nil {
		t.Fatalf("Pending.Wait() error = %v", err)
	}
	return issued.Record
}

func (e *testEnv) wire(t testing.TB, rec *Record) []byte {
	t.Helper()
	data, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return data
}
