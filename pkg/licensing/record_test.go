package licensing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

func sampleRecord() *Record {
	return &Record{
		ID:            "lic_01HZX",
		Subject:       "device-42",
		Scope:         []string{"analytics", "pro"},
		IssuedAt:      testEpoch,
		ExpiresAt:     testEpoch.Add(30 * 24 * time.Hour),
		PredecessorID: "lic_01HZW",
		Signature:     bytes.Repeat([]byte{7}, 64),
	}
}

func TestCanonicalBytes(t *testing.T) {
	rec := sampleRecord()

	got := string(rec.CanonicalBytes())
	want := "cluso-license/v1:" +
		"9:lic_01HZX," +
		"9:device-42," +
		"1:2," +
		"9:analytics," +
		"3:pro," +
		"10:1772366400," +
		"10:1774958400," +
		"9:lic_01HZW,"
	if got != want {
		t.Errorf("CanonicalBytes() =\n%s\nwant\n%s", got, want)
	}
}

func TestCanonicalBytes_ExcludesSignature(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	b.Signature = []byte("different")

	if !bytes.Equal(a.CanonicalBytes(), b.CanonicalBytes()) {
		t.Error("signature must not be part of the canonical encoding")
	}
}

func TestCanonicalBytes_FieldBoundaries(t *testing.T) {
	// Moving characters between adjacent fields must change the encoding
	a := sampleRecord()
	a.ID, a.Subject = "ab", "c"
	b := sampleRecord()
	b.ID, b.Subject = "a", "bc"

	if bytes.Equal(a.CanonicalBytes(), b.CanonicalBytes()) {
		t.Error("canonical encodings collide across field boundaries")
	}

	c := sampleRecord()
	c.Scope = []string{"a,b"}
	d := sampleRecord()
	d.Scope = []string{"a", "b"}
	if bytes.Equal(c.CanonicalBytes(), d.CanonicalBytes()) {
		t.Error("canonical encodings collide across scope tags")
	}
}

func TestRecordClone(t *testing.T) {
	rec := sampleRecord()
	clone := rec.Clone()

	clone.Scope[0] = "changed"
	clone.Signature[0] = 0

	if rec.Scope[0] != "analytics" {
		t.Error("Clone() shares the scope slice")
	}
	if rec.Signature[0] != 7 {
		t.Error("Clone() shares the signature slice")
	}

	var nilRec *Record
	if nilRec.Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}

func TestRecordLifetime(t *testing.T) {
	rec := sampleRecord()

	if got := rec.Lifetime(); got != 30*24*time.Hour {
		t.Errorf("Lifetime() = %v, want 720h", got)
	}
	if got := rec.Remaining(testEpoch.Add(29 * 24 * time.Hour)); got != 24*time.Hour {
		t.Errorf("Remaining() = %v, want 24h", got)
	}
	if got := rec.Remaining(rec.ExpiresAt.Add(time.Hour)); got >= 0 {
		t.Errorf("Remaining() after expiry = %v, want negative", got)
	}
	if !rec.HasScope("pro") || rec.HasScope("enterprise") {
		t.Error("HasScope() returned wrong result")
	}
}

func TestNormalizeScope(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{"nil", nil, []string{}},
		{"sorted", []string{"pro", "basic"}, []string{"basic", "pro"}},
		{"duplicates", []string{"pro", "pro", "basic", "pro"}, []string{"basic", "pro"}},
		{"whitespace", []string{" pro ", "", "  "}, []string{"pro"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := slices.Clone(tt.input)
			got := NormalizeScope(tt.input)
			if !slices.Equal(got, tt.want) {
				t.Errorf("NormalizeScope(%v) = %v, want %v", tt.input, got, tt.want)
			}
			if !slices.Equal(input, tt.input) {
				t.Error("NormalizeScope() modified its input")
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	rec := sampleRecord()

	data, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(string(data), `"sub":"device-42"`) {
		t.Errorf("envelope missing subject: %s", data)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(got.CanonicalBytes(), rec.CanonicalBytes()) {
		t.Error("decoded record has different claims")
	}
	if !bytes.Equal(got.Signature, rec.Signature) {
		t.Error("decoded record has different signature")
	}
	if got.IssuedAt.Location() != time.UTC {
		t.Error("decoded timestamps should be UTC")
	}
}

func TestEncodeToken(t *testing.T) {
	rec := sampleRecord()

	token, err := EncodeToken(rec)
	if err != nil {
		t.Fatalf("EncodeToken() error = %v", err)
	}
	if strings.ContainsAny(token, "{}\"=+/") {
		t.Errorf("token is not url-safe: %s", token)
	}

	got, err := Decode([]byte("  " + token + "\n"))
	if err != nil {
		t.Fatalf("Decode(token) error = %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("Decode(token).ID = %s, want %s", got.ID, rec.ID)
	}
}

func TestDecode_Malformed(t *testing.T) {
	sig := base64.RawURLEncoding.EncodeToString(bytes.Repeat([]byte{1}, 64))

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"not base64", "!!!not-a-token!!!"},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("hello"))},
		{"truncated json", `{"v":1,"id":"x"`},
		{"unknown field", `{"v":1,"id":"x","sub":"s","scope":["pro"],"iat":1,"exp":2,"sig":"` + sig + `","admin":true}`},
		{"trailing data", `{"v":1,"id":"x","sub":"s","scope":["pro"],"iat":1,"exp":2,"sig":"` + sig + `"} {}`},
		{"wrong version", `{"v":2,"id":"x","sub":"s","scope":["pro"],"iat":1,"exp":2,"sig":"` + sig + `"}`},
		{"missing id", `{"v":1,"sub":"s","scope":["pro"],"iat":1,"exp":2,"sig":"` + sig + `"}`},
		{"missing subject", `{"v":1,"id":"x","scope":["pro"],"iat":1,"exp":2,"sig":"` + sig + `"}`},
		{"missing scope", `{"v":1,"id":"x","sub":"s","scope":[],"iat":1,"exp":2,"sig":"` + sig + `"}`},
		{"empty scope tag", `{"v":1,"id":"x","sub":"s","scope":["pro",""],"iat":1,"exp":2,"sig":"` + sig + `"}`},
		{"zero timestamps", `{"v":1,"id":"x","sub":"s","scope":["pro"],"iat":0,"exp":0,"sig":"` + sig + `"}`},
		{"expiry before issuance", `{"v":1,"id":"x","sub":"s","scope":["pro"],"iat":5,"exp":2,"sig":"` + sig + `"}`},
		{"missing signature", `{"v":1,"id":"x","sub":"s","scope":["pro"],"iat":1,"exp":2}`},
		{"bad signature encoding", `{"v":1,"id":"x","sub":"s","scope":["pro"],"iat":1,"exp":2,"sig":"***"}`},
		{"float timestamp", `{"v":1,"id":"x","sub":"s","scope":["pro"],"iat":1.5,"exp":2,"sig":"` + sig + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if err == nil {
				t.Fatal("Decode() expected error")
			}
			var me *MalformedError
			if !errors.As(err, &me) {
				t.Errorf("Decode() error = %T, want *MalformedError", err)
			}
		})
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		outcome Outcome
		name    string
		hard    bool
	}{
		{OutcomeUnknown, "unknown", false},
		{OutcomeValid, "valid", false},
		{OutcomeMalformed, "malformed", true},
		{OutcomeInvalidSignature, "invalid_signature", true},
		{OutcomeExpired, "expired", false},
		{OutcomeSubjectMismatch, "subject_mismatch", true},
		{OutcomeRevoked, "revoked", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.String(); got != tt.name {
				t.Errorf("String() = %s, want %s", got, tt.name)
			}
			if got := tt.outcome.HardDenial(); got != tt.hard {
				t.Errorf("HardDenial() = %v, want %v", got, tt.hard)
			}
			data, err := tt.outcome.MarshalJSON()
			if err != nil || string(data) != `"`+tt.name+`"` {
				t.Errorf("MarshalJSON() = %s, %v", data, err)
			}
		})
	}

	if got := Outcome(99).String(); got != "outcome(99)" {
		t.Errorf("String() of unknown value = %s", got)
	}
}
