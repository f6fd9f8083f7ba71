package licensing

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dd0wney/cluso-license/pkg/logging"
)

// VerifyRequest presents an encoded license on behalf of Subject. Now is the
// time reference; when zero the verifier's clock is used.
type VerifyRequest struct {
	License []byte
	Subject string
	Now     time.Time
}

// Verifier runs the verify pipeline.
type Verifier struct {
	keyring     *Keyring
	revocations RevocationChecker
	recorder    Recorder
	logger      logging.Logger
	clock       Clock
}

// NewVerifier builds a verifier from deps. Keyring and Revocations are
// required.
func NewVerifier(deps Dependencies) (*Verifier, error) {
	deps = deps.withDefaults()
	if err := deps.requireVerifier(); err != nil {
		return nil, err
	}
	return &Verifier{
		keyring:     deps.Keyring,
		revocations: deps.Revocations,
		recorder:    deps.Recorder,
		logger:      deps.Logger.With(logging.Component("verifier")),
		clock:       deps.Clock,
	}, nil
}

// Verify decodes and checks a presented license. Trust failures are reported
// as the result's Outcome with a nil error. A non-nil error is always a
// *CollaboratorError: the revocation state could not be determined and the
// license must be neither accepted nor denied.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	rec, err := Decode(req.License)
	if err != nil {
		return v.finish(VerifyResult{Outcome: OutcomeMalformed, Reason: err.Error()}), nil
	}
	return v.VerifyRecord(ctx, rec, req.Subject, req.Now)
}

// VerifyRecord runs the checks after decoding, in fixed order: signature,
// expiry, subject binding, revocation. The revocation store is only consulted
// for licenses that pass every local check.
func (v *Verifier) VerifyRecord(ctx context.Context, rec *Record, subject string, now time.Time) (VerifyResult, error) {
	if now.IsZero() {
		now = v.clock()
	}
	res := VerifyResult{Record: rec.Clone()}

	if _, ok := v.keyring.Current().Verify(rec.CanonicalBytes(), rec.Signature); !ok {
		res.Outcome = OutcomeInvalidSignature
		res.Reason = "signature does not match any trusted key"
		return v.finish(res), nil
	}

	if !rec.ExpiresAt.After(now) {
		res.Outcome = OutcomeExpired
		res.Reason = fmt.Sprintf("expired at %s", rec.ExpiresAt.Format(time.RFC3339))
		return v.finish(res), nil
	}

	outcome, reason, err := v.checkBinding(ctx, rec, subject)
	if err != nil {
		return VerifyResult{}, err
	}
	if outcome != OutcomeValid {
		res.Outcome = outcome
		res.Reason = reason
		return v.finish(res), nil
	}

	res.Outcome = OutcomeValid
	res.Scope = slices.Clone(rec.Scope)
	return v.finish(res), nil
}

// checkBinding runs the subject and revocation checks. Renewal of an expired
// license goes through it too, since Expired is reported before either check.
func (v *Verifier) checkBinding(ctx context.Context, rec *Record, subject string) (Outcome, string, error) {
	if rec.Subject != subject {
		return OutcomeSubjectMismatch, "license is bound to a different subject", nil
	}

	revoked, err := v.revocations.IsRevoked(ctx, rec.ID)
	if err != nil {
		v.recorder.CollaboratorFailure("revocation_lookup")
		v.logger.Warn("revocation lookup failed", logging.LicenseID(rec.ID), logging.Error(err))
		return OutcomeUnknown, "", collaboratorErr("revocation lookup", err)
	}
	if revoked {
		return OutcomeRevoked, "license has been revoked", nil
	}
	return OutcomeValid, "", nil
}

func (v *Verifier) finish(res VerifyResult) VerifyResult {
	v.recorder.LicenseVerified(res.Outcome.String())
	if res.Outcome != OutcomeValid {
		fields := []logging.Field{logging.Outcome(res.Outcome.String())}
		if res.Record != nil {
			fields = append(fields, logging.LicenseID(res.Record.ID))
		}
		v.logger.Debug("license rejected", fields...)
	}
	return res
}
