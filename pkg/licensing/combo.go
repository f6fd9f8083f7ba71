package licensing

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-license/pkg/logging"
)

// ComboKind selects the composition a ComboRequest runs.
type ComboKind string

const (
	ComboIssueThenVerify ComboKind = "issue_then_verify"
	ComboVerifyThenRenew ComboKind = "verify_then_renew"
)

// ComboRequest is a tagged union: Create is set for ComboIssueThenVerify,
// Verify for ComboVerifyThenRenew. Caller identifies who asks for a renewal.
type ComboRequest struct {
	Kind   ComboKind
	Create *CreateRequest
	Verify *VerifyRequest
	Caller string
}

// ComboResult reports what a combo did. Issued is the freshly signed license
// for issue-then-verify, and the successor when a renewal happened.
type ComboResult struct {
	Kind         ComboKind
	Verification VerifyResult
	Issued       *Issued
	Renewed      bool
}

func (r ComboRequest) validate() error {
	switch r.Kind {
	case ComboIssueThenVerify:
		if r.Create == nil || r.Verify != nil {
			return newValidationError(CodeInvalidCombo, "%s requires a create request only", r.Kind)
		}
	case ComboVerifyThenRenew:
		if r.Verify == nil || r.Create != nil {
			return newValidationError(CodeInvalidCombo, "%s requires a verify request only", r.Kind)
		}
	default:
		return newValidationError(CodeInvalidCombo, "unknown combo kind %q", r.Kind)
	}
	return nil
}

// Combo runs the requested composition, stopping at the first failure.
func (s *Service) Combo(ctx context.Context, req ComboRequest) (*ComboResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Kind == ComboIssueThenVerify {
		return s.issueThenVerify(ctx, *req.Create)
	}
	return s.verifyThenRenew(ctx, *req.Verify, req.Caller)
}

// issueThenVerify issues a license and immediately verifies its wire form at
// the issuance instant. Anything but Valid is an *InvariantError. When the
// self-check fails the result is still returned, since the license exists.
func (s *Service) issueThenVerify(ctx context.Context, req CreateRequest) (*ComboResult, error) {
	issued, err := s.issuer.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	rec := issued.Record
	out := &ComboResult{Kind: ComboIssueThenVerify, Issued: issued}

	wire, err := Encode(rec)
	if err != nil {
		return out, s.invariant(ctx, rec, OutcomeMalformed)
	}
	res, err := s.verifier.Verify(ctx, VerifyRequest{License: wire, Subject: rec.Subject, Now: rec.IssuedAt})
	if err != nil {
		return out, err
	}
	out.Verification = res
	if !res.Valid() {
		return out, s.invariant(ctx, rec, res.Outcome)
	}
	return out, nil
}

func (s *Service) invariant(ctx context.Context, rec *Record, outcome Outcome) error {
	s.recorder.InvariantViolation()
	s.logger.Error("issued license failed self-check",
		logging.LicenseID(rec.ID),
		logging.Outcome(outcome.String()),
		logging.Int("trusted_keys", s.keyring.Current().Len()),
	)
	ev := eventFor(EventInvariant, rec, s.clock())
	ev.Reason = outcome.String()
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("event publish failed", logging.LicenseID(rec.ID), logging.Error(err))
	}
	return &InvariantError{LicenseID: rec.ID, Outcome: outcome}
}

// verifyThenRenew verifies and, when the license is close to expiry or
// recently expired, issues a successor. Hard denials are returned unchanged.
// A time reference in req only shapes the reported verification; whether a
// renewal is due and the successor's issuance instant follow the service
// clock.
func (s *Service) verifyThenRenew(ctx context.Context, req VerifyRequest, caller string) (*ComboResult, error) {
	now := s.clock()
	if req.Now.IsZero() {
		req.Now = now
	}

	res, err := s.verifier.Verify(ctx, req)
	if err != nil {
		return nil, err
	}
	out := &ComboResult{Kind: ComboVerifyThenRenew, Verification: res}

	renew, err := s.shouldRenew(ctx, res, req.Subject, now)
	if err != nil || !renew {
		return out, err
	}

	pred := res.Record
	lifetime := min(pred.Lifetime(), s.policy.MaxDuration)
	if !stamp(now).Add(lifetime).After(pred.ExpiresAt) {
		return out, newValidationError(CodeRenewalNotLater,
			"successor of %s would not expire after %s", pred.ID, pred.ExpiresAt.Format(time.RFC3339))
	}

	issued, err := s.issuer.Create(ctx, CreateRequest{
		Subject:       pred.Subject,
		Scope:         pred.Scope,
		Duration:      lifetime,
		PredecessorID: pred.ID,
		Caller:        caller,
		Now:           now,
	})
	if err != nil {
		return out, fmt.Errorf("renew %s: %w", pred.ID, err)
	}

	s.recorder.LicenseRenewed()
	out.Issued = issued
	out.Renewed = true
	return out, nil
}

// shouldRenew applies the renewal window at now. Only a license whose
// signature checked out (Valid or Expired) qualifies. The subject and
// revocation checks have not run for an Expired result, so they run here.
func (s *Service) shouldRenew(ctx context.Context, res VerifyResult, subject string, now time.Time) (bool, error) {
	if res.Outcome != OutcomeValid && res.Outcome != OutcomeExpired {
		return false, nil
	}

	rec := res.Record
	if rec.ExpiresAt.After(now) {
		if rec.Remaining(now) >= s.policy.RenewalThreshold {
			return false, nil
		}
	} else if now.Sub(rec.ExpiresAt) > s.policy.GraceWindow {
		return false, nil
	}

	if res.Outcome == OutcomeValid {
		return true, nil
	}
	outcome, _, err := s.verifier.checkBinding(ctx, rec, subject)
	if err != nil {
		return false, err
	}
	return outcome == OutcomeValid, nil
}
