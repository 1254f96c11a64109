package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareLogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	env := Environment{Service: "governance-gatekeeper", Version: "v1", Instance: "gk-1"}
	h := Middleware(logger, env)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddField(r.Context(), "op", "evaluate")
		AddField(r.Context(), "verdict", "BLOCKED")
		w.WriteHeader(http.StatusConflict)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/pulls/acme/core/1/evaluate", nil)
	req.Header.Set("X-Request-ID", "req_fixed")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line struct {
		Msg   string         `json:"msg"`
		Event map[string]any `json:"event"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line.Msg != "http_request" {
		t.Fatalf("msg = %q", line.Msg)
	}
	want := map[string]any{
		"request_id":  "req_fixed",
		"instance":    "gk-1",
		"op":          "evaluate",
		"verdict":     "BLOCKED",
		"status_code": float64(http.StatusConflict),
		"outcome":     "rejected",
	}
	for k, v := range want {
		if line.Event[k] != v {
			t.Fatalf("event[%s] = %v, want %v", k, line.Event[k], v)
		}
	}
}

func TestMiddlewareRecordsDeliveryAndAssignsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Middleware(logger, Environment{Service: "governance-gatekeeper"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github", nil)
	req.Header.Set("X-GitHub-Delivery", "d-123")
	req.Header.Set("X-GitHub-Event", "pull_request")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	reqID := rec.Header().Get(RequestIDHeader)
	if !strings.HasPrefix(reqID, "req_") {
		t.Fatalf("request id header = %q", reqID)
	}
	var line struct {
		Event map[string]any `json:"event"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line.Event["delivery_id"] != "d-123" || line.Event["github_event"] != "pull_request" {
		t.Fatalf("delivery fields = %v / %v", line.Event["delivery_id"], line.Event["github_event"])
	}
	if line.Event["request_id"] != reqID || line.Event["outcome"] != "success" {
		t.Fatalf("event = %v", line.Event)
	}
}

func TestAddFieldWithoutMiddlewareIsNoop(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	AddField(req.Context(), "op", "ignored")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
