package licensing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dd0wney/cluso-license/pkg/logging"
)

// DefaultPersistTimeout bounds a single background store write.
const DefaultPersistTimeout = 10 * time.Second

var errIssuerClosed = errors.New("issuer is closed")

// CreateRequest asks for a new license. Exactly one of Duration and ExpiresAt
// must be set. Caller is the authenticated identity and only matters for
// renewals. Now overrides the clock as the issuance time reference.
type CreateRequest struct {
	Subject       string
	Scope         []string
	Duration      time.Duration
	ExpiresAt     time.Time
	PredecessorID string
	Caller        string
	Now           time.Time
}

// Issued is a freshly signed license and the handle of its persistence write.
type Issued struct {
	Record  *Record
	Pending *Pending
}

// Pending tracks a background store write. The license is usable as soon as
// it is returned, but it only counts as persisted once the store confirms.
type Pending struct {
	done chan struct{}
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) finish(err error) {
	p.err = err
	close(p.done)
}

// Done is closed when the write finishes, successfully or not.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the write finishes or ctx ends. A ctx timeout is an
// indeterminate result, not a failure of the write.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return &CollaboratorError{Op: "persist", Err: ctx.Err()}
	}
}

// Persisted reports whether the store has confirmed the write.
func (p *Pending) Persisted() bool {
	select {
	case <-p.done:
		return p.err == nil
	default:
		return false
	}
}

// Issuer runs the create pipeline.
type Issuer struct {
	policy         *Policy
	ids            IDAllocator
	store          LicenseStore
	keys           KeySource
	authz          Authorizer
	events         EventPublisher
	recorder       Recorder
	logger         logging.Logger
	clock          Clock
	persistTimeout time.Duration

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewIssuer builds an issuer from deps. Policy, Keys, IDs, Store and
// Authorizer are required.
func NewIssuer(deps Dependencies) (*Issuer, error) {
	deps = deps.withDefaults()
	if err := deps.requireIssuer(); err != nil {
		return nil, err
	}
	return &Issuer{
		policy:         deps.Policy,
		ids:            deps.IDs,
		store:          deps.Store,
		keys:           deps.Keys,
		authz:          deps.Authorizer,
		events:         deps.Events,
		recorder:       deps.Recorder,
		logger:         deps.Logger.With(logging.Component("issuer")),
		clock:          deps.Clock,
		persistTimeout: deps.PersistTimeout,
	}, nil
}

// Create validates req, signs a new record and dispatches its persistence.
// Validation failures are *ValidationError; collaborator failures are
// *CollaboratorError; unusable key material is *SigningError.
func (i *Issuer) Create(ctx context.Context, req CreateRequest) (*Issued, error) {
	if i.isClosed() {
		return nil, &CollaboratorError{Op: "create", Err: errIssuerClosed}
	}

	now := req.Now
	if now.IsZero() {
		now = i.clock()
	}
	now = stamp(now)

	scope, expiresAt, err := i.validate(req, now)
	if err != nil {
		return nil, err
	}

	if req.PredecessorID != "" {
		ok, err := i.authz.CanRenew(ctx, req.Caller, req.PredecessorID)
		if err != nil {
			i.recorder.CollaboratorFailure("authorize")
			return nil, collaboratorErr("authorize renewal", err)
		}
		if !ok {
			return nil, newValidationError(CodeRenewalUnauthorized,
				"caller %q may not renew license %s", req.Caller, req.PredecessorID)
		}
	}

	signer, err := i.signer(ctx)
	if err != nil {
		return nil, err
	}

	id, err := i.ids.AllocateID(ctx)
	if err != nil {
		i.recorder.CollaboratorFailure("allocate_id")
		return nil, collaboratorErr("allocate id", err)
	}
	if req.PredecessorID != "" {
		if err := i.ids.ClaimPredecessor(ctx, req.PredecessorID, id); err != nil {
			i.recorder.CollaboratorFailure("claim_predecessor")
			return nil, collaboratorErr("claim predecessor", err)
		}
	}

	rec := &Record{
		ID:            id,
		Subject:       req.Subject,
		Scope:         scope,
		IssuedAt:      now,
		ExpiresAt:     expiresAt,
		PredecessorID: req.PredecessorID,
	}
	if err := signer.SignRecord(rec); err != nil {
		i.logger.Error("signing failed", logging.LicenseID(id), logging.Error(err))
		return nil, err
	}

	i.recorder.LicenseIssued(rec.PredecessorID != "")
	i.logger.Info("license issued",
		logging.LicenseID(rec.ID),
		logging.Subject(rec.Subject),
		logging.String("predecessor_id", rec.PredecessorID),
		logging.Int64("expires_at", rec.ExpiresAt.Unix()),
	)

	return &Issued{Record: rec.Clone(), Pending: i.persist(ctx, rec)}, nil
}

// validate applies the request checks in order and returns the normalized
// scope and the expiry.
func (i *Issuer) validate(req CreateRequest, now time.Time) ([]string, time.Time, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return nil, time.Time{}, newValidationError(CodeSubjectRequired, "subject must not be empty")
	}

	scope := NormalizeScope(req.Scope)
	if len(scope) == 0 {
		return nil, time.Time{}, newValidationError(CodeScopeRequired, "scope must contain at least one entitlement")
	}
	for _, tag := range scope {
		if !i.policy.Recognizes(tag) {
			return nil, time.Time{}, newValidationError(CodeScopeUnrecognized, "unrecognized entitlement %q", tag)
		}
	}

	var lifetime time.Duration
	switch {
	case req.Duration != 0 && !req.ExpiresAt.IsZero():
		return nil, time.Time{}, newValidationError(CodeDurationConflict, "set either duration or expires_at, not both")
	case !req.ExpiresAt.IsZero():
		lifetime = stamp(req.ExpiresAt).Sub(now)
	case req.Duration != 0:
		lifetime = req.Duration.Truncate(time.Second)
	default:
		return nil, time.Time{}, newValidationError(CodeDurationInvalid, "duration or expires_at is required")
	}

	if lifetime < MinDuration {
		return nil, time.Time{}, newValidationError(CodeDurationInvalid, "validity must be at least %s", MinDuration)
	}
	if lifetime > i.policy.MaxDuration {
		return nil, time.Time{}, newValidationError(CodeDurationExceeded,
			"validity %s exceeds maximum %s", lifetime, i.policy.MaxDuration)
	}

	return scope, now.Add(lifetime), nil
}

func (i *Issuer) signer(ctx context.Context) (*Signer, error) {
	key, err := i.keys.SigningKey(ctx)
	if err != nil {
		var se *SigningError
		if errors.As(err, &se) {
			i.logger.Error("signing key unusable", logging.Error(err))
			return nil, se
		}
		i.recorder.CollaboratorFailure("signing_key")
		return nil, collaboratorErr("load signing key", err)
	}
	return NewSigner(key)
}

// persist writes rec in the background. The write outlives the request
// context but not the persist timeout.
func (i *Issuer) persist(ctx context.Context, rec *Record) *Pending {
	p := newPending()

	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		p.finish(collaboratorErr("persist license", errIssuerClosed))
		return p
	}
	i.inflight.Add(1)
	i.mu.RUnlock()

	go func() {
		defer i.inflight.Done()

		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.persistTimeout)
		defer cancel()

		start := time.Now()
		err := i.store.Put(wctx, rec.Clone())
		i.recorder.PersistDuration(time.Since(start), err)
		if err != nil {
			i.recorder.CollaboratorFailure("persist")
			i.logger.Warn("license persistence failed", logging.LicenseID(rec.ID), logging.Error(err))
			p.finish(collaboratorErr("persist license", err))
			return
		}

		p.finish(nil)

		typ := EventIssued
		if rec.PredecessorID != "" {
			typ = EventRenewed
		}
		if err := i.events.Publish(wctx, eventFor(typ, rec, i.clock())); err != nil {
			i.logger.Warn("event publish failed", logging.LicenseID(rec.ID), logging.Error(err))
		}
	}()

	return p
}

// Close stops accepting requests and waits for in-flight writes or ctx.
func (i *Issuer) Close(ctx context.Context) error {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Issuer) isClosed() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.closed
}
