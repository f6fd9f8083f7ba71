package licensing

import (
	"encoding/json"
	"fmt"
)

// Outcome is the result of verifying a presented license. The zero value is
// OutcomeUnknown, which is never returned alongside a nil error.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeValid
	OutcomeMalformed
	OutcomeInvalidSignature
	OutcomeExpired
	OutcomeSubjectMismatch
	OutcomeRevoked
)

var outcomeNames = map[Outcome]string{
	OutcomeUnknown:          "unknown",
	OutcomeValid:            "valid",
	OutcomeMalformed:        "malformed",
	OutcomeInvalidSignature: "invalid_signature",
	OutcomeExpired:          "expired",
	OutcomeSubjectMismatch:  "subject_mismatch",
	OutcomeRevoked:          "revoked",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// MarshalJSON encodes the outcome by name.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON decodes an outcome name written by MarshalJSON.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("outcome must be a string: %w", err)
	}
	parsed, err := ParseOutcome(name)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ParseOutcome returns the outcome with the given name.
func ParseOutcome(name string) (Outcome, error) {
	for o, n := range outcomeNames {
		if n == name {
			return o, nil
		}
	}
	return OutcomeUnknown, fmt.Errorf("unknown outcome %q", name)
}

// HardDenial reports whether the outcome must never lead to a renewal.
func (o Outcome) HardDenial() bool {
	switch o {
	case OutcomeMalformed, OutcomeInvalidSignature, OutcomeSubjectMismatch, OutcomeRevoked:
		return true
	}
	return false
}

// VerifyResult is the decision for one VerifyRequest. Record is set for every
// outcome past decoding, so callers can inspect what was presented.
type VerifyResult struct {
	Outcome Outcome
	Reason  string
	Scope   []string
	Record  *Record
}

// Valid reports whether the license was accepted.
func (r VerifyResult) Valid() bool {
	return r.Outcome == OutcomeValid
}
