package licensing

import (
	"context"
	"crypto/ed25519"
	"time"
)

// IDAllocator hands out license IDs that never repeat, including across
// restarts. It also serializes renewals: ClaimPredecessor must succeed for at
// most one successor per predecessor and return ErrPredecessorClaimed for
// every later attempt.
type IDAllocator interface {
	AllocateID(ctx context.Context) (string, error)
	ClaimPredecessor(ctx context.Context, predecessorID, successorID string) error
}

// LicenseStore defines the interface for license persistence
type LicenseStore interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// Lister is implemented by stores that can enumerate a subject's licenses.
type Lister interface {
	ListBySubject(ctx context.Context, subject string) ([]*Record, error)
}

// RevocationChecker is the read side of revocation, consulted on every
// verification that passes the local checks.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, id string) (bool, error)
}

// RevocationStore adds the write side.
type RevocationStore interface {
	RevocationChecker
	Revoke(ctx context.Context, id, reason string) error
}

// Authorizer decides whether caller may renew the predecessor license.
type Authorizer interface {
	CanRenew(ctx context.Context, caller, predecessorID string) (bool, error)
}

// KeySource supplies the private signing key. Implementations never
// generate key material.
type KeySource interface {
	SigningKey(ctx context.Context) (ed25519.PrivateKey, error)
}

// EventPublisher receives license lifecycle events. Publishing is best
// effort and never affects the outcome of an operation.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Recorder collects pipeline metrics.
type Recorder interface {
	LicenseIssued(renewal bool)
	LicenseVerified(outcome string)
	LicenseRenewed()
	LicenseRevoked()
	InvariantViolation()
	CollaboratorFailure(op string)
	PersistDuration(d time.Duration, err error)
}

// Clock returns the current time.
type Clock func() time.Time

type nopRecorder struct{}

func (nopRecorder) LicenseIssued(bool)                  {}
func (nopRecorder) LicenseVerified(string)              {}
func (nopRecorder) LicenseRenewed()                     {}
func (nopRecorder) LicenseRevoked()                     {}
func (nopRecorder) InvariantViolation()                 {}
func (nopRecorder) CollaboratorFailure(string)          {}
func (nopRecorder) PersistDuration(time.Duration, error) {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
