package licensing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-license/pkg/logging"
)

// Dependencies wires the collaborators of the pipelines. Events, Recorder,
// Logger and Clock are optional.
type Dependencies struct {
	Policy      *Policy
	Keyring     *Keyring
	Keys        KeySource
	IDs         IDAllocator
	Store       LicenseStore
	Revocations RevocationStore
	Authorizer  Authorizer
	Events      EventPublisher
	Recorder    Recorder
	Logger      logging.Logger
	Clock       Clock

	// PersistTimeout bounds each background store write.
	PersistTimeout time.Duration
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Events == nil {
		d.Events = nopPublisher{}
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = logging.NewNopLogger()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.PersistTimeout <= 0 {
		d.PersistTimeout = DefaultPersistTimeout
	}
	return d
}

func (d Dependencies) requireIssuer() error {
	switch {
	case d.Policy == nil:
		return errors.New("licensing: policy is required")
	case d.Keys == nil:
		return errors.New("licensing: key source is required")
	case d.IDs == nil:
		return errors.New("licensing: id allocator is required")
	case d.Store == nil:
		return errors.New("licensing: license store is required")
	case d.Authorizer == nil:
		return errors.New("licensing: authorizer is required")
	}
	return nil
}

func (d Dependencies) requireVerifier() error {
	switch {
	case d.Keyring == nil || d.Keyring.Current().Len() == 0:
		return errors.New("licensing: keyring with at least one trusted key is required")
	case d.Revocations == nil:
		return errors.New("licensing: revocation store is required")
	}
	return nil
}

// Service is the entry point used by transports: the create, verify and
// combo pipelines plus revocation and key rotation.
type Service struct {
	issuer      *Issuer
	verifier    *Verifier
	policy      *Policy
	keyring     *Keyring
	store       LicenseStore
	revocations RevocationStore
	events      EventPublisher
	recorder    Recorder
	logger      logging.Logger
	clock       Clock
}

// NewService builds a service. All of Dependencies' required fields for both
// the issuer and the verifier must be set.
func NewService(deps Dependencies) (*Service, error) {
	deps = deps.withDefaults()
	issuer, err := NewIssuer(deps)
	if err != nil {
		return nil, err
	}
	verifier, err := NewVerifier(deps)
	if err != nil {
		return nil, err
	}
	return &Service{
		issuer:      issuer,
		verifier:    verifier,
		policy:      deps.Policy,
		keyring:     deps.Keyring,
		store:       deps.Store,
		revocations: deps.Revocations,
		events:      deps.Events,
		recorder:    deps.Recorder,
		logger:      deps.Logger.With(logging.Component("licensing")),
		clock:       deps.Clock,
	}, nil
}

// Create issues a license.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Issued, error) {
	return s.issuer.Create(ctx, req)
}

// Verify checks a presented license.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	return s.verifier.Verify(ctx, req)
}

// Get returns a stored license. ErrNotFound is returned unwrapped.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.recorder.CollaboratorFailure("get")
		return nil, collaboratorErr("get license", err)
	}
	return rec, nil
}

// ListBySubject returns the stored licenses bound to subject. The store must
// implement Lister.
func (s *Service) ListBySubject(ctx context.Context, subject string) ([]*Record, error) {
	lister, ok := s.store.(Lister)
	if !ok {
		return nil, errors.New("licensing: store cannot list licenses")
	}
	records, err := lister.ListBySubject(ctx, subject)
	if err != nil {
		s.recorder.CollaboratorFailure("list")
		return nil, collaboratorErr("list licenses", err)
	}
	return records, nil
}

// IsRevoked reports whether id has been revoked.
func (s *Service) IsRevoked(ctx context.Context, id string) (bool, error) {
	revoked, err := s.revocations.IsRevoked(ctx, id)
	if err != nil {
		s.recorder.CollaboratorFailure("revocation_lookup")
		return false, collaboratorErr("revocation lookup", err)
	}
	return revoked, nil
}

// Ping checks the license store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Revoke marks a stored license as revoked. Only persisted licenses can be
// revoked.
func (s *Service) Revoke(ctx context.Context, id, reason string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.revocations.Revoke(ctx, id, reason); err != nil {
		s.recorder.CollaboratorFailure("revoke")
		return collaboratorErr("revoke license", err)
	}
	s.recorder.LicenseRevoked()

	s.logger.Info("license revoked", logging.LicenseID(id), logging.String("reason", reason))
	ev := eventFor(EventRevoked, rec, s.clock())
	ev.Reason = reason
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("event publish failed", logging.LicenseID(id), logging.Error(err))
	}
	return nil
}

// RotateKeys atomically replaces the trusted key set.
func (s *Service) RotateKeys(set *KeySet) error {
	if err := s.keyring.Rotate(set); err != nil {
		return fmt.Errorf("key rotation rejected: %w", err)
	}
	s.logger.Info("trusted keys rotated", logging.Any("key_ids", set.IDs()))
	return nil
}

// TrustedKeyIDs returns the fingerprints of the active trusted keys.
func (s *Service) TrustedKeyIDs() []string {
	return s.keyring.Current().IDs()
}

// Policy returns the issuance policy.
func (s *Service) Policy() *Policy {
	return s.policy
}

// Close waits for in-flight persistence writes.
func (s *Service) Close(ctx context.Context) error {
	return s.issuer.Close(ctx)
}
