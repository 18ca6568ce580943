package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/execpolicy"
	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/ratelimit"
)

const testKey = "test-key"

func newTestGateway(t *testing.T, mutate func(*Config), rl *ratelimit.Limiter) (*Gateway, *gateway.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{APIKeys: map[string]string{testKey: "ci"}}
	if mutate != nil {
		mutate(&cfg)
	}
	registry := gateway.NewRegistry(logger, nil)
	return NewGateway(cfg, execpolicy.New(execpolicy.Rules{}), registry, rl, logger), registry
}

func do(t *testing.T, h http.Handler, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz_Unauthenticated(t *testing.T) {
	g, _ := newTestGateway(t, nil, nil)
	rec := do(t, g.Handler(), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestReadyz_ReportsFailingCheck(t *testing.T) {
	hc := observability.NewHealthChecker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	hc.AddCheck("store", func(context.Context) error { return errors.New("down") })
	g, _ := newTestGateway(t, func(c *Config) { c.HealthChecker = hc }, nil)

	rec := do(t, g.Handler(), http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var status observability.HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Checks["store"].Status != "fail" {
		t.Errorf("store check = %+v, want fail", status.Checks["store"])
	}
}

func TestV1_RequiresAPIKey(t *testing.T) {
	g, _ := newTestGateway(t, nil, nil)
	h := g.Handler()

	if rec := do(t, h, http.MethodGet, "/v1/sandbox", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/sandbox", "", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/sandbox", "", testKey); rec.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", rec.Code)
	}
}

func TestSandboxProbe(t *testing.T) {
	t.Setenv("WARDEN_SANDBOX_NETWORK_DISABLED", "1")
	g, _ := newTestGateway(t, nil, nil)
	rec := do(t, g.Handler(), http.MethodGet, "/v1/sandbox", "", testKey)

	var resp SandboxResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Backend == "" || resp.Platform == "" {
		t.Errorf("incomplete probe: %+v", resp)
	}
	if !resp.NetworkForcedOff {
		t.Error("network_forced_off = false with WARDEN_SANDBOX_NETWORK_DISABLED=1")
	}
	if !resp.Supported && resp.Backend != "none" {
		t.Errorf("unsupported platform reports backend %q", resp.Backend)
	}
}

func TestClassify(t *testing.T) {
	g, _ := newTestGateway(t, nil, nil)
	h := g.Handler()

	tests := []struct {
		body    string
		outcome string
	}{
		{`{"command":["ls","-la"]}`, "auto_approve"},
		{`{"command":["curl","https://example.com"]}`, "require_approval"},
		{`{"command":["rm","-rf","/"]}`, "forbidden"},
		{`{"command":["bash","-lc","cat README.md | wc -l"],"cwd":"/tmp"}`, "auto_approve"},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodPost, "/v1/classify", tt.body, testKey)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, body %s", tt.body, rec.Code, rec.Body.String())
			continue
		}
		var resp ClassifyResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Outcome != tt.outcome {
			t.Errorf("%s: outcome = %q (%s), want %q", tt.body, resp.Outcome, resp.Reason, tt.outcome)
		}
	}
}

func TestClassify_BadRequests(t *testing.T) {
	g, _ := newTestGateway(t, nil, nil)
	h := g.Handler()
	for _, body := range []string{`{"command":[]}`, `{"command":["ls"],"cwd":"relative"}`} {
		if rec := do(t, h, http.MethodPost, "/v1/classify", body, testKey); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestSessions_ListsRegistry(t *testing.T) {
	g, registry := newTestGateway(t, nil, nil)
	registry.Register("s-1", "websocket")

	rec := do(t, g.Handler(), http.MethodGet, "/v1/sessions", "", testKey)
	var resp SessionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].ID != "s-1" {
		t.Errorf("sessions = %+v, want [s-1]", resp.Sessions)
	}
}

func TestRateLimitPerKey(t *testing.T) {
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})
	g, _ := newTestGateway(t, func(c *Config) { c.APIKeys["other-key"] = "other" }, rl)
	h := g.Handler()

	if rec := do(t, h, http.MethodGet, "/v1/sandbox", "", testKey); rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/sandbox", "", testKey); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/sandbox", "", "other-key"); rec.Code != http.StatusOK {
		t.Errorf("other client: status = %d, want 200", rec.Code)
	}
}

func TestApprovals(t *testing.T) {
	m := approval.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	id, err := m.Request(approval.CreateRequest{
		TurnID:  "t-1",
		CallID:  "c-1",
		Command: []string{"curl", "https://example.com"},
		Cwd:     "/tmp",
		Reason:  "network access",
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	g, _ := newTestGateway(t, nil, nil)
	g.WithApprovals(m)
	h := g.Handler()

	rec := do(t, h, http.MethodGet, "/v1/approvals", "", testKey)
	var list ApprovalsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Approvals) != 1 || list.Approvals[0].ID != id || list.Approvals[0].Status != "pending" {
		t.Fatalf("approvals = %+v, want one pending %s", list.Approvals, id)
	}
	if list.Approvals[0].Command != "curl https://example.com" {
		t.Errorf("command = %q", list.Approvals[0].Command)
	}

	if rec := do(t, h, http.MethodGet, "/v1/approvals/"+id, "", testKey); rec.Code != http.StatusOK {
		t.Errorf("get: status = %d, want 200", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/approvals/missing", "", testKey); rec.Code != http.StatusNotFound {
		t.Errorf("get missing: status = %d, want 404", rec.Code)
	}

	if _, err := m.Resolve(id, approval.Deny, "no"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	rec = do(t, h, http.MethodGet, "/v1/approvals", "", testKey)
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Approvals) != 0 {
		t.Errorf("resolved request still listed: %+v", list.Approvals)
	}
}

func TestSessionEndpoint_RequiresAPIKey(t *testing.T) {
	g, _ := newTestGateway(t, nil, nil)
	reached := false
	g.WithSessions(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	}))
	h := g.Handler()

	if rec := do(t, h, http.MethodGet, "/v1/session", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}
	if reached {
		t.Fatal("session handler reached without a key")
	}
	do(t, h, http.MethodGet, "/v1/session", "", testKey)
	if !reached {
		t.Error("session handler not reached with a valid key")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := observability.NewMetricsCollector()
	g, _ := newTestGateway(t, func(c *Config) {
		c.Metrics = m
		c.MetricsRegistry = m.Registry
	}, nil)
	h := g.Handler()

	do(t, h, http.MethodGet, "/healthz", "", "")
	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "warden_http_requests_total") {
		t.Error("metrics output lacks warden_http_requests_total")
	}
}

func TestRetryAfter(t *testing.T) {
	if got := retryAfter(0); got != "1" {
		t.Errorf("retryAfter(0) = %q, want 1", got)
	}
	if got := retryAfter(2500_000_000); got != "3" {
		t.Errorf("retryAfter(2.5s) = %q, want 3", got)
	}
}
