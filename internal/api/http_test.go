package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTCDecoded/governance-app/internal/crypto"
	"github.com/BTCDecoded/governance-app/internal/governance"
	"github.com/BTCDecoded/governance-app/internal/protocol"
	"github.com/BTCDecoded/governance-app/internal/registry"
	"github.com/BTCDecoded/governance-app/internal/service"
	"github.com/BTCDecoded/governance-app/internal/storage/sqlite"
)

const adminToken = "admin-secret"

type testServer struct {
	t       *testing.T
	router  http.Handler
	signers map[string]*crypto.Signer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "governance.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	verifier, err := crypto.NewVerifier(crypto.Ed25519)
	require.NoError(t, err)
	signers := make(map[string]*crypto.Signer)
	var maintainers []registry.Maintainer
	for _, name := range []string{"alice", "bob", "charlie", "dave", "erin", "frank", "grace"} {
		seed := sha256.Sum256([]byte("api-test:" + name))
		s, err := crypto.NewSigner(crypto.Ed25519, hex.EncodeToString(seed[:]))
		require.NoError(t, err)
		signers[name] = s
		maintainers = append(maintainers, registry.Maintainer{Username: name, PublicKey: s.PublicKeyHex, Layer: 1, Active: true})
	}
	snap, err := registry.New(maintainers, nil, verifier)
	require.NoError(t, err)

	rules := governance.DefaultRuleset()
	rules.EmergencyScope = governance.ScopeRepository
	reg := prometheus.NewRegistry()
	metrics := &service.Metrics{}
	metrics.Register(reg)

	gk, err := service.New(service.Params{
		Store:    st,
		Registry: registry.NewStatic(snap),
		Verifier: verifier,
		Rules:    rules,
		Metrics:  metrics,
		Clock:    func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	require.NoError(t, gk.Bootstrap(ctx))

	router, err := NewHandler(gk, nil, Options{
		ServiceName:  "governance-gatekeeper",
		Version:      "test",
		AdminToken:   adminToken,
		TrustedCIDRs: []string{"192.0.2.0/24"},
		Gatherer:     reg,
	}).Router()
	require.NoError(t, err)
	return &testServer{t: t, router: router, signers: signers}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:51234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) webhook(event, delivery string, payload any) *httptest.ResponseRecorder {
	s.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(s.t, err)
	return s.do(http.MethodPost, "/v1/webhooks/github", string(raw), map[string]string{
		"X-GitHub-Event":    event,
		"X-GitHub-Delivery": delivery,
	})
}

func (s *testServer) admin(method, path, body string) *httptest.ResponseRecorder {
	return s.do(method, path, body, map[string]string{"Authorization": "Bearer " + adminToken})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[protocol.ErrorResponse](t, rec).Error.Code
}

func openedPayload(number int) map[string]any {
	return map[string]any{
		"action":     "opened",
		"repository": map[string]any{"full_name": "acme/core"},
		"pull_request": map[string]any{
			"number": number,
			"title":  "Fix typo in README",
			"user":   map[string]any{"login": "contributor"},
			"head":   map[string]any{"sha": "deadbeef"},
		},
		"sender": map[string]any{"login": "contributor"},
	}
}

func TestWebhookFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.webhook("pull_request", "d-1", openedPayload(5))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[protocol.WebhookResponse](t, rec)
	assert.Equal(t, "processed", resp.Status)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, string(governance.VerdictBlocked), resp.Decision.Verdict)

	rec = s.webhook("pull_request", "d-1", openedPayload(5))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate_delivery", decode[protocol.WebhookResponse](t, rec).Status)

	sig := s.signers["alice"].Sign([]byte(protocol.ApprovalMessage("acme/core", 5)))
	rec = s.webhook("issue_comment", "d-2", map[string]any{
		"action":     "created",
		"repository": map[string]any{"full_name": "acme/core"},
		"issue":      map[string]any{"number": 5},
		"comment":    map[string]any{"id": 900, "user": map[string]any{"login": "alice"}, "body": "/governance-sign " + sig},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decode[protocol.WebhookResponse](t, rec)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, 1, resp.Decision.SignaturesCurrent)

	rec = s.admin(http.MethodGet, "/v1/pulls/acme/core/5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[protocol.PullRequestView](t, rec)
	assert.Equal(t, "deadbeef", view.HeadSHA)
	require.Len(t, view.Signatures, 1)
	assert.Equal(t, "alice", view.Signatures[0].Signer)

	rec = s.admin(http.MethodPost, "/v1/pulls/acme/core/5/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(governance.VerdictBlocked), decode[protocol.DecisionSummary](t, rec).Verdict)
}

func TestWebhookRejectsBadPayloads(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/v1/webhooks/github", "{not json", map[string]string{"X-GitHub-Event": "pull_request"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, rec))

	payload := openedPayload(5)
	delete(payload, "repository")
	rec = s.webhook("pull_request", "", payload)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "MISSING_FIELD", errorCode(t, rec))

	rec = s.webhook("pull_request_review", "", map[string]any{
		"action":       "submitted",
		"repository":   map[string]any{"full_name": "acme/core"},
		"pull_request": map[string]any{"number": 5},
		"review":       map[string]any{"user": map[string]any{"login": "alice"}, "state": "shrug"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.webhook("issue_comment", "", map[string]any{
		"action":     "created",
		"repository": map[string]any{"full_name": "acme/core"},
		"issue":      map[string]any{"number": 5},
		"comment":    map[string]any{"id": 1, "user": map[string]any{"login": "alice"}, "body": "/governance-frobnicate"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNKNOWN_COMMAND", errorCode(t, rec))

	rec = s.webhook("star", "", map[string]any{"action": "created"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode[protocol.WebhookResponse](t, rec).Status)

	rec = s.webhook("issue_comment", "", map[string]any{"action": "deleted"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode[protocol.WebhookResponse](t, rec).Status)

	rec = s.webhook("pull_request", "", map[string]any{
		"action":       "labeled",
		"repository":   map[string]any{"full_name": "acme/core"},
		"pull_request": map[string]any{"number": 5},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode[protocol.WebhookResponse](t, rec).Status)
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/v1/audit/root", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/v1/audit/root", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/audit/root", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	req.Header.Set("Authorization", "Bearer "+adminToken)
	out := httptest.NewRecorder()
	s.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusForbidden, out.Code)

	// The webhook and health endpoints stay open.
	rec = s.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[protocol.HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "governance-gatekeeper", health.Service)
}

func TestAuditEndpoints(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.webhook("pull_request", "d-1", openedPayload(5)).Code)

	rec := s.admin(http.MethodGet, "/v1/audit/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	verify := decode[protocol.AuditVerifyResponse](t, rec)
	assert.Equal(t, "ok", verify.Status)
	require.Positive(t, verify.Entries)

	rec = s.admin(http.MethodGet, "/v1/audit/root", "")
	require.Equal(t, http.StatusOK, rec.Code)
	root := decode[protocol.AuditRootResponse](t, rec)
	assert.Equal(t, verify.MerkleRoot, root.MerkleRoot)

	rec = s.admin(http.MethodGet, "/v1/audit/entries?from=0&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[map[string][]json.RawMessage](t, rec)
	assert.Len(t, page["entries"], min(2, verify.Entries))

	rec = s.admin(http.MethodGet, "/v1/audit/proof/0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), root.MerkleRoot)

	rec = s.admin(http.MethodGet, "/v1/audit/proof/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.admin(http.MethodGet, "/v1/audit/entries?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.admin(http.MethodGet, "/v1/audit/verify?root="+strings.Repeat("0", 64), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", decode[protocol.AuditVerifyResponse](t, rec).Status)

	// A failed verification leaves the service read-only.
	rec = s.webhook("pull_request", "d-2", openedPayload(6))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "AUDIT_LOG_CORRUPTED", errorCode(t, rec))
}

func TestAuditAnchorDisabledWithoutCalendars(t *testing.T) {
	s := newTestServer(t)
	rec := s.admin(http.MethodPost, "/v1/audit/anchor", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "ANCHORING_DISABLED", errorCode(t, rec))
}

func TestEmergencyScopeIsUnescaped(t *testing.T) {
	s := newTestServer(t)

	rec := s.admin(http.MethodGet, "/v1/emergencies/acme%2Fcore", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	rec = s.admin(http.MethodGet, "/v1/emergencies/global", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_SCOPE", errorCode(t, rec))

	rec = s.admin(http.MethodPost, "/v1/emergencies/acme%2Fcore/activate", `{"tier":"critical","unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.admin(http.MethodPost, "/v1/emergencies/acme%2Fcore/activate", `{"tier":"critical","activated_by":"alice","reason":"crash","evidence":"short"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INSUFFICIENT_EVIDENCE", errorCode(t, rec))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.webhook("pull_request", "d-1", openedPayload(5)).Code)

	rec := s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "governance_decisions_total")
}
