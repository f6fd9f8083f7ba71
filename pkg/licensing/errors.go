package licensing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a LicenseStore when no record has the requested ID.
	ErrNotFound = errors.New("license not found")

	// ErrPredecessorClaimed is returned by an IDAllocator when another renewal
	// already claimed the predecessor.
	ErrPredecessorClaimed = errors.New("predecessor already renewed")

	// ErrNoTrustedKeys is returned when a KeySet would be left empty.
	ErrNoTrustedKeys = errors.New("no trusted keys configured")
)

// Validation error codes. They are stable and part of the HTTP contract.
const (
	CodeSubjectRequired     = "subject_required"
	CodeScopeRequired       = "scope_required"
	CodeScopeUnrecognized   = "scope_unrecognized"
	CodeDurationConflict    = "duration_conflict"
	CodeDurationInvalid     = "duration_invalid"
	CodeDurationExceeded    = "duration_exceeded"
	CodeRenewalUnauthorized = "renewal_unauthorized"
	CodeRenewalNotLater     = "renewal_not_later"
	CodeInvalidCombo        = "invalid_combo"
)

// ValidationError represents a rejected request field. It is never retried.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newValidationError(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CollaboratorError wraps a failure of an external collaborator (store,
// allocator, revocation lookup, authorizer, key source). The outcome of the
// operation is indeterminate: callers must treat it as neither success nor
// a trust rejection.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// Indeterminate always reports true. It lets callers test the category
// through an interface without importing this package.
func (e *CollaboratorError) Indeterminate() bool {
	return true
}

// SigningError reports unusable signing key material. It is a fatal
// configuration error.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing failed: %v", e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// InvariantError reports that a freshly issued record did not verify. The
// signer and verifier disagree, so the process configuration is broken.
type InvariantError struct {
	LicenseID string
	Outcome   Outcome
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation: issued license %s verified as %s", e.LicenseID, e.Outcome)
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsIndeterminate reports whether err came from an external collaborator.
func IsIndeterminate(err error) bool {
	var ce *CollaboratorError
	return errors.As(err, &ce)
}

func collaboratorErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorError{Op: op, Err: err}
}
