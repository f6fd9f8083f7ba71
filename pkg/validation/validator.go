// Package validation bounds the shape of API request bodies before they
// reach the licensing pipelines. Semantic checks (recognized scopes, policy
// limits, renewal rights) belong to the pipelines and are not repeated here.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// validate is a singleton validator instance
	validate *validator.Validate

	// Validation constants
	MaxSubjectLength = 256
	MaxScopeTags     = 32
	MaxScopeLength   = 64
	MaxLicenseLength = 16 * 1024
	MaxReasonLength  = 512

	idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

func init() {
	validate = validator.New()
	validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	validate.RegisterValidation("license_id", func(fl validator.FieldLevel) bool {
		return idPattern.MatchString(fl.Field().String())
	})
}

// CreateLicenseRequest is the body of POST /v1/licenses. Duration is a Go
// duration string such as "720h".
type CreateLicenseRequest struct {
	Subject       string     `json:"subject" validate:"max=256"`
	Scope         []string   `json:"scope" validate:"max=32,dive,max=64"`
	Duration      string     `json:"duration,omitempty" validate:"omitempty,duration"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	PredecessorID string     `json:"predecessor_id,omitempty" validate:"omitempty,license_id"`
}

// VerifyLicenseRequest is the body of POST /v1/licenses/verify. License is
// the JSON envelope or its base64url token form.
type VerifyLicenseRequest struct {
	License string     `json:"license" validate:"required,max=16384"`
	Subject string     `json:"subject" validate:"max=256"`
	Now     *time.Time `json:"now,omitempty"`
}

// ComboLicenseRequest is the body of POST /v1/licenses/combo.
type ComboLicenseRequest struct {
	Kind   string                `json:"kind" validate:"required,oneof=issue_then_verify verify_then_renew"`
	Create *CreateLicenseRequest `json:"create,omitempty"`
	Verify *VerifyLicenseRequest `json:"verify,omitempty"`
}

// RevokeLicenseRequest is the body of POST /v1/licenses/{id}/revoke.
type RevokeLicenseRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

// ParsedDuration returns the requested duration, or zero when none was given.
func (r *CreateLicenseRequest) ParsedDuration() time.Duration {
	d, _ := time.ParseDuration(r.Duration)
	return d
}

// ValidateCreateRequest validates a create request body
func ValidateCreateRequest(req *CreateLicenseRequest) error {
	if req == nil {
		return errors.New("create request cannot be nil")
	}
	return formatValidationError(validate.Struct(req))
}

// ValidateVerifyRequest validates a verify request body
func ValidateVerifyRequest(req *VerifyLicenseRequest) error {
	if req == nil {
		return errors.New("verify request cannot be nil")
	}
	return formatValidationError(validate.Struct(req))
}

// ValidateComboRequest validates a combo request body including its nested
// payloads. Whether the payload matches the kind is decided by the pipeline.
func ValidateComboRequest(req *ComboLicenseRequest) error {
	if req == nil {
		return errors.New("combo request cannot be nil")
	}
	return formatValidationError(validate.Struct(req))
}

// ValidateRevokeRequest validates a revoke request body
func ValidateRevokeRequest(req *RevokeLicenseRequest) error {
	if req == nil {
		return errors.New("revoke request cannot be nil")
	}
	return formatValidationError(validate.Struct(req))
}

// ValidateLicenseID validates a license ID taken from a URL path.
func ValidateLicenseID(id string) error {
	if err := validate.Var(id, "required,license_id"); err != nil {
		return fmt.Errorf("license id %q is invalid", id)
	}
	return nil
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	// Return the first validation error in a user-friendly format
	for _, e := range validationErrs {
		field := e.Namespace()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "max":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, param)
		case "duration":
			return fmt.Errorf("%s: must be a positive duration such as \"720h\"", field)
		case "license_id":
			return fmt.Errorf("%s: must be 1-64 letters, digits, '_' or '-'", field)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}

	return err
}
