package api

import (
	"encoding/json"

	"github.com/dd0wney/cluso-license/pkg/audit"
	"github.com/dd0wney/cluso-license/pkg/licensing"
)

// LicenseResponse is returned for every newly signed license. License is the
// token form; Envelope is the same license as a JSON object.
type LicenseResponse struct {
	License   string            `json:"license"`
	Envelope  json.RawMessage   `json:"envelope"`
	Record    *licensing.Record `json:"record"`
	Persisted bool              `json:"persisted"`
}

// VerifyResponse reports a verification decision.
type VerifyResponse struct {
	Valid   bool              `json:"valid"`
	Outcome licensing.Outcome `json:"outcome"`
	Reason  string            `json:"reason,omitempty"`
	Scope   []string          `json:"scope,omitempty"`
	Record  *licensing.Record `json:"record,omitempty"`
}

// ComboResponse reports a combo run. License is set when a license was
// signed: always for issue_then_verify, on renewal for verify_then_renew.
type ComboResponse struct {
	Kind         licensing.ComboKind `json:"kind"`
	Verification VerifyResponse      `json:"verification"`
	License      *LicenseResponse    `json:"license,omitempty"`
	Renewed      bool                `json:"renewed"`
}

// RecordResponse is a stored license. Revoked is omitted when the
// revocation store could not be reached.
type RecordResponse struct {
	Record  *licensing.Record `json:"record"`
	Revoked *bool             `json:"revoked,omitempty"`
}

// ListResponse lists the licenses of one subject.
type ListResponse struct {
	Subject  string              `json:"subject"`
	Licenses []*licensing.Record `json:"licenses"`
	Count    int                 `json:"count"`
}

// RevokeResponse confirms a revocation.
type RevokeResponse struct {
	ID      string `json:"id"`
	Revoked bool   `json:"revoked"`
}

// AuditResponse lists audit events, oldest first.
type AuditResponse struct {
	Events []*audit.Event `json:"events"`
	Count  int            `json:"count"`
	Total  int64          `json:"total"`
}

// KeysResponse lists the trusted verification key IDs.
type KeysResponse struct {
	KeyIDs []string `json:"key_ids"`
}

func verifyResponse(res licensing.VerifyResult) VerifyResponse {
	return VerifyResponse{
		Valid:   res.Valid(),
		Outcome: res.Outcome,
		Reason:  res.Reason,
		Scope:   res.Scope,
		Record:  res.Record,
	}
}
