// Package httpapi implements the HTTP gateway for warden.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/execpolicy"
	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/ratelimit"
	"github.com/jkaninda/warden/internal/sandbox"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8420"
	EnableDocs     bool
	APIKeys        map[string]string // API key → client ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	SessionPath    string            // WebSocket session endpoint. Default: "/v1/session".

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config     Config
	classifier *execpolicy.Classifier
	registry   *gateway.Registry
	sessions   http.Handler      // WebSocket upgrade handler; nil = no session endpoint.
	approvals  *approval.Manager // nil = no approval endpoints.
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	server     *http.Server

	okapi  *okapi.Okapi
	group  *okapi.Group
	routes sync.Once
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP gateway. registry lists the sessions served by
// the WebSocket handler attached with WithSessions.
func NewGateway(cfg Config, classifier *execpolicy.Classifier, registry *gateway.Registry, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:     cfg,
		classifier: classifier,
		registry:   registry,
		limiter:    rl,
		logger:     logger,
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithSessions mounts the WebSocket session handler behind API key auth.
func (g *Gateway) WithSessions(handler http.Handler) *Gateway {
	g.sessions = handler
	return g
}

// WithApprovals exposes the pending approvals of m read-only. Decisions are
// submitted on the session that parked the call.
func (g *Gateway) WithApprovals(m *approval.Manager) *Gateway {
	g.approvals = m
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Warden",
			Version: "v0.1.0",
		},
	)
	return g
}

// Handler registers the routes on first use and returns the root handler.
func (g *Gateway) Handler() http.Handler {
	g.routes.Do(g.registerRoutes)
	return g.okapi
}

func (g *Gateway) registerRoutes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated, rate limited /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Get("/sandbox", g.handleSandbox,
		okapi.DocSummary("Report sandbox support on this host"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/classify", g.handleClassify,
		okapi.DocSummary("Classify a command without running it"),
		okapi.DocTags("Policy"),
		okapi.DocRequestBody(ClassifyRequest{}),
		okapi.DocResponse(ClassifyResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/sessions", g.handleSessions,
		okapi.DocSummary("List active sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse(SessionsResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	if g.approvals != nil {
		g.group.Get("/approvals", g.handleApprovals,
			okapi.DocSummary("List pending approval requests"),
			okapi.DocTags("Approvals"),
			okapi.DocResponse(ApprovalsResponse{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		)
		g.group.Get("/approvals/{id}", g.handleApprovalGet,
			okapi.DocSummary("Get an approval request"),
			okapi.DocTags("Approvals"),
			okapi.DocResponse(ApprovalView{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		)
	}

	if g.sessions != nil {
		path := g.config.SessionPath
		if path == "" {
			path = "/v1/session"
		}
		g.okapi.HandleStd("GET", path, g.requireAPIKey(g.sessions).ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.Handler()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: session connections are long-lived.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// SandboxResponse is the JSON response for GET /v1/sandbox.
type SandboxResponse struct {
	Supported        bool   `json:"supported"`
	Backend          string `json:"backend"`
	Platform         string `json:"platform"`
	NetworkForcedOff bool   `json:"network_forced_off"`
}

func (g *Gateway) handleSandbox(c *okapi.Context) error {
	return c.OK(SandboxResponse{
		Supported:        sandbox.IsSandboxingSupported(),
		Backend:          string(sandbox.PlatformBackend()),
		Platform:         runtime.GOOS + "/" + runtime.GOARCH,
		NetworkForcedOff: sandbox.NetworkForcedOff(),
	})
}

// ClassifyRequest is the JSON body for POST /v1/classify.
type ClassifyRequest struct {
	Command []string `json:"command"`
	Cwd     string   `json:"cwd,omitempty"`
}

// ClassifyResponse is the JSON response for POST /v1/classify.
type ClassifyResponse struct {
	Command string `json:"command"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
	Rule    string `json:"rule,omitempty"`
}

func (g *Gateway) handleClassify(c *okapi.Context) error {
	var req ClassifyRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Command) == 0 {
		return c.AbortBadRequest("command is required")
	}
	if req.Cwd != "" && !filepath.IsAbs(req.Cwd) {
		return c.AbortBadRequest("cwd must be absolute")
	}

	d := g.classifier.Classify(req.Command, req.Cwd, nil)
	g.logger.Debug("http classify",
		slog.String("client_id", c.GetString("clientID")),
		slog.String("outcome", d.Outcome.String()),
	)
	return c.OK(ClassifyResponse{
		Command: execpolicy.Display(req.Command),
		Outcome: d.Outcome.String(),
		Reason:  d.Reason,
		Rule:    d.Rule,
	})
}

// SessionsResponse is the JSON response for GET /v1/sessions.
type SessionsResponse struct {
	Sessions []gateway.SessionInfo `json:"sessions"`
}

func (g *Gateway) handleSessions(c *okapi.Context) error {
	sessions := []gateway.SessionInfo{}
	if g.registry != nil {
		sessions = g.registry.List()
	}
	return c.OK(SessionsResponse{Sessions: sessions})
}

// ApprovalView is the JSON form of an approval request.
type ApprovalView struct {
	ID         string     `json:"id"`
	TurnID     string     `json:"turn_id"`
	CallID     string     `json:"call_id"`
	Command    string     `json:"command"`
	Cwd        string     `json:"cwd"`
	Reason     string     `json:"reason"`
	Status     string     `json:"status"`
	Decision   string     `json:"decision,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ApprovalsResponse is the JSON response for GET /v1/approvals.
type ApprovalsResponse struct {
	Approvals []ApprovalView `json:"approvals"`
}

func toApprovalView(r *approval.Request) ApprovalView {
	v := ApprovalView{
		ID:        r.ID,
		TurnID:    r.TurnID,
		CallID:    r.CallID,
		Command:   execpolicy.Display(r.Command),
		Cwd:       r.Cwd,
		Reason:    r.Reason,
		Status:    r.Status.String(),
		Decision:  string(r.Decision),
		CreatedAt: r.CreatedAt,
	}
	if !r.ResolvedAt.IsZero() {
		at := r.ResolvedAt
		v.ResolvedAt = &at
	}
	return v
}

func (g *Gateway) handleApprovals(c *okapi.Context) error {
	views := []ApprovalView{}
	for _, r := range g.approvals.Pending() {
		views = append(views, toApprovalView(r))
	}
	return c.OK(ApprovalsResponse{Approvals: views})
}

func (g *Gateway) handleApprovalGet(c *okapi.Context) error {
	r, err := g.approvals.Get(c.Param("id"))
	if err != nil {
		return approvalError(c, err)
	}
	return c.OK(toApprovalView(r))
}

// approvalError maps approval errors to HTTP responses.
func approvalError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "approval not found"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, ErrorBody{Error: "approval already resolved"})
	default:
		return c.AbortInternalServerError("approval error")
	}
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// clientFor returns the client mapped to the bearer token in header, or "".
func (g *Gateway) clientFor(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	apiKey := strings.TrimPrefix(header, "Bearer ")

	clientID := ""
	for key, id := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			clientID = id
		}
	}
	return clientID
}

// authenticate validates the API key, stores the mapped client ID, and
// charges the client's rate limit bucket.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		clientID := g.clientFor(authHeader)
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		if g.limiter != nil {
			if err := g.limiter.Allow(clientID); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// requireAPIKey is authenticate for plain http.Handlers such as the
// WebSocket upgrade, which cannot run inside an okapi group.
func (g *Gateway) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := g.clientFor(r.Header.Get("Authorization"))
		if clientID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if g.limiter != nil {
			if err := g.limiter.Allow(clientID); err != nil {
				w.Header().Set("Retry-After", retryAfter(g.limiter.RetryAfter(clientID)))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}
		g.logger.Info("session connection", slog.String("client_id", clientID), slog.String("remote", r.RemoteAddr))
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

// retryAfter formats d as whole seconds for the Retry-After header.
func retryAfter(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
