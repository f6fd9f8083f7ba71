package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-license/pkg/api/middleware"
	"github.com/dd0wney/cluso-license/pkg/audit"
	"github.com/dd0wney/cluso-license/pkg/auth"
	"github.com/dd0wney/cluso-license/pkg/licensing"
	"github.com/dd0wney/cluso-license/pkg/metrics"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	t        *testing.T
	clock    *testClock
	srv      *Server
	svc      *licensing.Service
	store    *licensing.Store
	jwt      *auth.JWTManager
	auditLog *audit.AuditLogger
	metrics  *metrics.Registry
	tokens   map[string]string
}

func newTestServer(t *testing.T, mutate ...func(*Options)) *testServer {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	set, err := licensing.NewKeySet(pub)
	require.NoError(t, err)
	keyring, err := licensing.NewKeyring(set)
	require.NoError(t, err)
	policy, err := licensing.NewPolicy([]string{"pro", "basic"}, 90*24*time.Hour, 7*24*time.Hour, 72*time.Hour)
	require.NoError(t, err)

	clock := &testClock{now: epoch}
	store := licensing.NewMemoryStore()
	svc, err := licensing.NewService(licensing.Dependencies{
		Policy:      policy,
		Keyring:     keyring,
		Keys:        licensing.StaticKeySource{Key: priv},
		IDs:         store,
		Store:       store,
		Revocations: store,
		Authorizer:  licensing.NewOwnerAuthorizer(store, "root"),
		Clock:       clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close(context.Background()) })

	jwtManager, err := auth.NewJWTManager(testSecret, time.Hour)
	require.NoError(t, err)

	ts := &testServer{
		t:        t,
		clock:    clock,
		svc:      svc,
		store:    store,
		jwt:      jwtManager,
		auditLog: audit.NewAuditLogger(100),
		metrics:  metrics.NewRegistry(),
		tokens:   map[string]string{},
	}

	opts := Options{
		Service:     svc,
		Validator:   jwtManager,
		AuditLog:    ts.auditLog,
		Metrics:     ts.metrics,
		PersistWait: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&opts)
	}

	srv, err := NewServer(opts)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	ts.srv = srv

	for caller, role := range map[string]string{
		"root":      auth.RoleAdmin,
		"billing":   auth.RoleIssuer,
		"device-42": auth.RoleClient,
		"device-7":  auth.RoleClient,
	} {
		tok, err := jwtManager.GenerateToken(caller, role)
		require.NoError(t, err)
		ts.tokens[caller] = tok
	}
	return ts
}

// do sends body as JSON on behalf of caller ("" for no credentials).
func (ts *testServer) do(method, path, caller string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("Authorization", "Bearer "+ts.tokens[caller])
	}
	rr := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorEnvelope](t, rr).Error.Code
}

// issue creates a license as the issuer and returns the response.
func (ts *testServer) issue(body map[string]any) LicenseResponse {
	ts.t.Helper()
	rr := ts.do(http.MethodPost, "/v1/licenses", "billing", body)
	require.Equal(ts.t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[LicenseResponse](ts.t, rr)
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(Options{})
	assert.ErrorContains(t, err, "service")

	ts := newTestServer(t)
	_, err = NewServer(Options{Service: ts.svc})
	assert.ErrorContains(t, err, "validator")

	_, err = NewServer(Options{Service: ts.svc, Validator: ts.jwt})
	assert.ErrorContains(t, err, "audit")
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(http.MethodGet, "/v1/keys", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rr))
	assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/v1/keys", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(http.MethodGet, "/v1/keys", "device-42", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	keys := decode[KeysResponse](t, rr)
	assert.Equal(t, ts.svc.TrustedKeyIDs(), keys.KeyIDs)

	failures := ts.auditLog.GetEvents(&audit.Filter{Action: audit.ActionAuth, Status: audit.StatusFailure})
	assert.Len(t, failures, 2)
}

func TestAuthentication_APIKey(t *testing.T) {
	keys, err := auth.NewAPIKeyValidator(testSecret, auth.APIKey{
		Key:    "lk_0123456789abcdefXYZ",
		Caller: "billing",
		Role:   auth.RoleIssuer,
	})
	require.NoError(t, err)

	ts := newTestServer(t, func(o *Options) {
		o.Validator = auth.NewCompositeTokenValidator(o.Validator, keys)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/licenses",
		strings.NewReader(`{"subject":"device-42","scope":["pro"],"duration":"720h"}`))
	req.Header.Set("X-API-Key", "lk_0123456789abcdefXYZ")
	rr := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func TestCreate(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.issue(map[string]any{"subject": "device-42", "scope": []string{"pro", "basic"}, "duration": "720h"})

	assert.True(t, resp.Persisted)
	require.NotNil(t, resp.Record)
	assert.Equal(t, "device-42", resp.Record.Subject)
	assert.Equal(t, []string{"basic", "pro"}, resp.Record.Scope)
	assert.Equal(t, epoch.Add(720*time.Hour), resp.Record.ExpiresAt.UTC())

	fromToken, err := licensing.Decode([]byte(resp.License))
	require.NoError(t, err)
	fromEnvelope, err := licensing.Decode(resp.Envelope)
	require.NoError(t, err)
	assert.Equal(t, resp.Record.ID, fromToken.ID)
	assert.Equal(t, fromToken.Signature, fromEnvelope.Signature)

	events := ts.auditLog.GetEvents(&audit.Filter{Action: audit.ActionIssue})
	require.Len(t, events, 1)
	assert.Equal(t, "billing", events[0].Caller)
	assert.Equal(t, resp.Record.ID, events[0].LicenseID)
	assert.NotEmpty(t, events[0].RequestID)
}

func TestCreate_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		caller string
		body   any
		status int
		code   string
	}{
		{"malformed json", "billing", `{"subject":`, http.StatusBadRequest, "invalid_request"},
		{"unknown field", "billing", `{"subject":"d","scope":["pro"],"duration":"1h","color":"red"}`, http.StatusBadRequest, "invalid_request"},
		{"bad duration syntax", "billing", map[string]any{"subject": "d", "scope": []string{"pro"}, "duration": "soon"}, http.StatusBadRequest, "invalid_request"},
		{"missing subject", "billing", map[string]any{"scope": []string{"pro"}, "duration": "1h"}, http.StatusBadRequest, licensing.CodeSubjectRequired},
		{"missing scope", "billing", map[string]any{"subject": "d", "duration": "1h"}, http.StatusBadRequest, licensing.CodeScopeRequired},
		{"unknown scope", "billing", map[string]any{"subject": "d", "scope": []string{"gold"}, "duration": "1h"}, http.StatusBadRequest, licensing.CodeScopeUnrecognized},
		{"duration and expiry", "billing", map[string]any{"subject": "d", "scope": []string{"pro"}, "duration": "1h", "expires_at": epoch.Add(time.Hour)}, http.StatusBadRequest, licensing.CodeDurationConflict},
		{"over maximum", "billing", map[string]any{"subject": "d", "scope": []string{"pro"}, "duration": "8760h"}, http.StatusBadRequest, licensing.CodeDurationExceeded},
		{"client cannot issue", "device-42", map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "1h"}, http.StatusForbidden, "forbidden"},
		{"renewal of unknown predecessor", "device-42", map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "1h", "predecessor_id": "lic_missing"}, http.StatusForbidden, licensing.CodeRenewalUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(http.MethodPost, "/v1/licenses", tt.caller, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rr))
		})
	}
}

func TestCreate_Renewal(t *testing.T) {
	ts := newTestServer(t)
	pred := ts.issue(map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "72h"})

	body := map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "720h", "predecessor_id": pred.Record.ID}

	rr := ts.do(http.MethodPost, "/v1/licenses", "device-7", body)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, licensing.CodeRenewalUnauthorized, errorCode(t, rr))

	rr = ts.do(http.MethodPost, "/v1/licenses", "device-42", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	succ := decode[LicenseResponse](t, rr)
	assert.Equal(t, pred.Record.ID, succ.Record.PredecessorID)

	rr = ts.do(http.MethodPost, "/v1/licenses", "device-42", body)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "predecessor_claimed", errorCode(t, rr))

	assert.Len(t, ts.auditLog.GetEvents(&audit.Filter{Action: audit.ActionRenew, Status: audit.StatusSuccess}), 1)
}

func TestVerify(t *testing.T) {
	ts := newTestServer(t)
	lic := ts.issue(map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "720h"})

	tests := []struct {
		name    string
		caller  string
		body    map[string]any
		outcome string
		valid   bool
	}{
		{"valid token", "device-42", map[string]any{"license": lic.License, "subject": "device-42"}, "valid", true},
		{"valid envelope", "device-42", map[string]any{"license": string(lic.Envelope), "subject": "device-42"}, "valid", true},
		{"subject defaults to caller", "device-42", map[string]any{"license": lic.License}, "valid", true},
		{"wrong subject", "device-7", map[string]any{"license": lic.License}, "subject_mismatch", false},
		{"expired", "device-42", map[string]any{"license": lic.License, "subject": "device-42", "now": epoch.Add(800 * time.Hour)}, "expired", false},
		{"malformed", "device-42", map[string]any{"license": "!!!", "subject": "device-42"}, "malformed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(http.MethodPost, "/v1/licenses/verify", tt.caller, tt.body)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

			var got map[string]any
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
			assert.Equal(t, tt.outcome, got["outcome"])
			assert.Equal(t, tt.valid, got["valid"])
		})
	}

	rr := ts.do(http.MethodPost, "/v1/licenses/verify", "device-42", map[string]any{"subject": "device-42"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	events := ts.auditLog.GetEvents(&audit.Filter{Action: audit.ActionVerify})
	require.Len(t, events, len(tests))
	assert.Equal(t, "valid", events[0].Outcome)
	assert.Equal(t, lic.Record.ID, events[0].LicenseID)
}

func TestVerify_RevokedAfterRevoke(t *testing.T) {
	ts := newTestServer(t)
	lic := ts.issue(map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "720h"})

	rr := ts.do(http.MethodPost, "/v1/licenses/"+lic.Record.ID+"/revoke", "device-42", map[string]any{"reason": "x"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(http.MethodPost, "/v1/licenses/"+lic.Record.ID+"/revoke", "root", map[string]any{"reason": "chargeback"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, RevokeResponse{ID: lic.Record.ID, Revoked: true}, decode[RevokeResponse](t, rr))

	rr = ts.do(http.MethodPost, "/v1/licenses/verify", "device-42", map[string]any{"license": lic.License})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"outcome":"revoked"`)

	rr = ts.do(http.MethodPost, "/v1/licenses/lic_missing/revoke", "root", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(http.MethodPost, "/v1/licenses/bad%20id/revoke", "root", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	revokes := ts.auditLog.GetEvents(&audit.Filter{Action: audit.ActionRevoke})
	require.Len(t, revokes, 2)
	assert.Equal(t, audit.StatusSuccess, revokes[0].Status)
	assert.Equal(t, "chargeback", revokes[0].Metadata["reason"])
	assert.Equal(t, audit.StatusFailure, revokes[1].Status)
}

func TestCombo_IssueThenVerify(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(http.MethodPost, "/v1/licenses/combo", "billing", map[string]any{
		"kind":   "issue_then_verify",
		"create": map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "24h"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decode[ComboResponse](t, rr)
	assert.Equal(t, licensing.ComboIssueThenVerify, resp.Kind)
	assert.True(t, resp.Verification.Valid)
	require.NotNil(t, resp.License)
	assert.Equal(t, "device-42", resp.License.Record.Subject)
	assert.False(t, resp.Renewed)

	rr = ts.do(http.MethodPost, "/v1/licenses/combo", "device-42", map[string]any{
		"kind":   "issue_then_verify",
		"create": map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "24h"},
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestCombo_VerifyThenRenew(t *testing.T) {
	ts := newTestServer(t)
	short := ts.issue(map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "72h"})
	long := ts.issue(map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "720h"})
	ts.clock.Advance(24 * time.Hour)

	rr := ts.do(http.MethodPost, "/v1/licenses/combo", "device-42", map[string]any{
		"kind":   "verify_then_renew",
		"verify": map[string]any{"license": long.License},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[ComboResponse](t, rr)
	assert.True(t, resp.Verification.Valid)
	assert.False(t, resp.Renewed)
	assert.Nil(t, resp.License)

	rr = ts.do(http.MethodPost, "/v1/licenses/combo", "device-42", map[string]any{
		"kind":   "verify_then_renew",
		"verify": map[string]any{"license": short.License},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp = decode[ComboResponse](t, rr)
	assert.True(t, resp.Renewed)
	require.NotNil(t, resp.License)
	assert.Equal(t, short.Record.ID, resp.License.Record.PredecessorID)
	assert.Equal(t, epoch.Add(96*time.Hour), resp.License.Record.ExpiresAt.UTC())
	assert.Equal(t, epoch.Add(24*time.Hour), resp.License.Record.IssuedAt.UTC())
}

func TestCombo_VerifyThenRenewTimeReference(t *testing.T) {
	ts := newTestServer(t)
	lic := ts.issue(map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "720h"})
	ts.clock.Advance(50 * 24 * time.Hour)
	backdated := epoch.Add(29*24*time.Hour + 12*time.Hour).Format(time.RFC3339)

	rr := ts.do(http.MethodPost, "/v1/licenses/combo", "device-42", map[string]any{
		"kind":   "verify_then_renew",
		"verify": map[string]any{"license": lic.License, "now": backdated},
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "forbidden", errorCode(t, rr))

	rr = ts.do(http.MethodPost, "/v1/licenses/combo", "root", map[string]any{
		"kind":   "verify_then_renew",
		"verify": map[string]any{"license": lic.License, "subject": "device-42", "now": backdated},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[ComboResponse](t, rr)
	assert.True(t, resp.Verification.Valid, "verification honours the supplied time")
	assert.False(t, resp.Renewed, "expired beyond the grace window at the server clock")
	assert.Nil(t, resp.License)

	failed := ts.auditLog.GetEvents(&audit.Filter{Action: audit.ActionCombo, Status: audit.StatusFailure})
	assert.Len(t, failed, 1)
}

func TestCombo_Invalid(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(http.MethodPost, "/v1/licenses/combo", "billing", map[string]any{"kind": "sideways"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_request", errorCode(t, rr))

	rr = ts.do(http.MethodPost, "/v1/licenses/combo", "billing", map[string]any{"kind": "verify_then_renew"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, licensing.CodeInvalidCombo, errorCode(t, rr))
}

func TestGetAndList(t *testing.T) {
	ts := newTestServer(t)
	lic := ts.issue(map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "720h"})
	ts.issue(map[string]any{"subject": "device-7", "scope": []string{"basic"}, "duration": "720h"})

	rr := ts.do(http.MethodGet, "/v1/licenses/"+lic.Record.ID, "device-42", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[RecordResponse](t, rr)
	assert.Equal(t, lic.Record.ID, got.Record.ID)
	require.NotNil(t, got.Revoked)
	assert.False(t, *got.Revoked)

	rr = ts.do(http.MethodGet, "/v1/licenses/"+lic.Record.ID, "device-7", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code, "other subjects' licenses are hidden")

	rr = ts.do(http.MethodGet, "/v1/licenses/lic_missing", "root", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(http.MethodGet, "/v1/licenses?subject=device-42", "device-42", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[ListResponse](t, rr)
	assert.Equal(t, 1, list.Count)

	rr = ts.do(http.MethodGet, "/v1/licenses?subject=device-42", "device-7", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(http.MethodGet, "/v1/licenses?subject=nobody", "billing", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"licenses":[]`)

	rr = ts.do(http.MethodGet, "/v1/licenses", "billing", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAuditEndpoint(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		ts.issue(map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "24h"})
	}

	rr := ts.do(http.MethodGet, "/v1/audit", "billing", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(http.MethodGet, "/v1/audit?action=issue&limit=2", "root", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[AuditResponse](t, rr)
	assert.Equal(t, 2, resp.Count)
	assert.GreaterOrEqual(t, resp.Total, int64(3))

	rr = ts.do(http.MethodGet, "/v1/audit?limit=zero", "root", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(http.MethodGet, "/v1/audit?start_time=yesterday", "root", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGraphQLRoute(t *testing.T) {
	ts := newTestServer(t)
	lic := ts.issue(map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "24h"})

	rr := ts.do(http.MethodPost, "/v1/graphql", "device-42", map[string]any{
		"query":     `query($id: ID!) { license(id: $id) { id subject } }`,
		"variables": map[string]any{"id": lic.Record.ID},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), lic.Record.ID)

	rr = ts.do(http.MethodPost, "/v1/graphql", "", map[string]any{"query": `{ health }`})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.issue(map[string]any{"subject": "device-42", "scope": []string{"pro"}, "duration": "24h"})

	rr := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `cluso_license_http_requests_total{method="POST",path="/v1/licenses",status="201"} 1`)
}

func TestRoutingErrors(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", errorCode(t, rr))

	rr = ts.do(http.MethodDelete, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	assert.NotEmpty(t, rr.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

func TestBodyLimit(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.MaxBodyBytes = 64 })

	rr := ts.do(http.MethodPost, "/v1/licenses/verify", "device-42", map[string]any{"license": strings.Repeat("x", 200)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.RateLimit = &middleware.RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2}
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/v1/keys", "device-42", nil).Code)
	}
	rr := ts.do(http.MethodGet, "/v1/keys", "device-42", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// Limits are per caller.
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/v1/keys", "device-7", nil).Code)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", licensing.ErrNotFound, http.StatusNotFound, "not_found"},
		{"collaborator", &licensing.CollaboratorError{Op: "persist", Err: context.DeadlineExceeded}, http.StatusServiceUnavailable, "unavailable"},
		{"claimed beats collaborator", &licensing.CollaboratorError{Op: "claim", Err: licensing.ErrPredecessorClaimed}, http.StatusConflict, "predecessor_claimed"},
		{"signing", &licensing.SigningError{Err: io.EOF}, http.StatusInternalServerError, "signing_failed"},
		{"invariant", &licensing.InvariantError{LicenseID: "lic_1", Outcome: licensing.OutcomeExpired}, http.StatusInternalServerError, "invariant_violation"},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _ := classifyError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
