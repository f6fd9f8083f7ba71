package licensing

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const envelopeVersion = 1

// envelope is the wire form of a Record. Timestamps are Unix seconds and the
// signature is unpadded base64url.
type envelope struct {
	Version       int      `json:"v"`
	ID            string   `json:"id"`
	Subject       string   `json:"sub"`
	Scope         []string `json:"scope"`
	IssuedAt      int64    `json:"iat"`
	ExpiresAt     int64    `json:"exp"`
	PredecessorID string   `json:"prev,omitempty"`
	Signature     string   `json:"sig"`
}

// MalformedError describes why presented bytes are not a license.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed license: " + e.Reason
}

func malformed(format string, args ...any) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}

// Encode returns the JSON envelope of the record.
func Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil record")
	}
	return json.Marshal(envelope{
		Version:       envelopeVersion,
		ID:            r.ID,
		Subject:       r.Subject,
		Scope:         r.Scope,
		IssuedAt:      r.IssuedAt.Unix(),
		ExpiresAt:     r.ExpiresAt.Unix(),
		PredecessorID: r.PredecessorID,
		Signature:     base64.RawURLEncoding.EncodeToString(r.Signature),
	})
}

// EncodeToken returns the envelope as a single base64url string, suitable for
// headers, files and query parameters.
func EncodeToken(r *Record) (string, error) {
	raw, err := Encode(r)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses either a JSON envelope or a token produced by EncodeToken.
// Every failure is a *MalformedError. Decode does not check the signature.
func Decode(data []byte) (*Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, malformed("empty input")
	}
	if data[0] != '{' {
		raw := make([]byte, base64.RawURLEncoding.DecodedLen(len(data)))
		n, err := base64.RawURLEncoding.Decode(raw, data)
		if err != nil {
			return nil, malformed("token is not base64url: %v", err)
		}
		data = raw[:n]
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, malformed("invalid envelope: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, malformed("trailing data after envelope")
	}

	switch {
	case env.Version != envelopeVersion:
		return nil, malformed("unsupported version %d", env.Version)
	case env.ID == "":
		return nil, malformed("missing id")
	case env.Subject == "":
		return nil, malformed("missing subject")
	case len(env.Scope) == 0:
		return nil, malformed("missing scope")
	case env.IssuedAt <= 0 || env.ExpiresAt <= 0:
		return nil, malformed("timestamps must be positive")
	case env.ExpiresAt <= env.IssuedAt:
		return nil, malformed("expiry not after issuance")
	case env.Signature == "":
		return nil, malformed("missing signature")
	}
	for _, tag := range env.Scope {
		if tag == "" {
			return nil, malformed("empty scope tag")
		}
	}

	sig, err := base64.RawURLEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, malformed("signature is not base64url: %v", err)
	}

	return &Record{
		ID:            env.ID,
		Subject:       env.Subject,
		Scope:         env.Scope,
		IssuedAt:      time.Unix(env.IssuedAt, 0).UTC(),
		ExpiresAt:     time.Unix(env.ExpiresAt, 0).UTC(),
		PredecessorID: env.PredecessorID,
		Signature:     sig,
	}, nil
}
