// Package api exposes the tool runtime over HTTP.
//
// Routes:
//
//	GET  /v1/tools                  registered tools and their input schemas
//	POST /v1/tools/{name}/invoke    run one invocation
//	GET  /v1/metrics?days=N         aggregated metrics for every tool
//	GET  /v1/metrics/{tool}?days=N  aggregated metrics for one tool
//	GET  /v1/events/stream?tool=X   websocket tail of recorded analytics events
//	GET  /v1/circuits               circuit breaker states
//	GET  /metrics                   Prometheus scrape endpoint
//	GET  /healthz, /readyz          liveness and readiness
//	     /mcp                       MCP streamable HTTP endpoint
//
// Invocation responses use the runtime's uniform shapes; the HTTP status is
// derived from the error code and RATE_LIMIT failures carry a Retry-After
// header.
package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/toolrun/internal/analytics"
	"github.com/MrWong99/toolrun/internal/health"
	"github.com/MrWong99/toolrun/internal/observe"
	"github.com/MrWong99/toolrun/internal/resilience"
	"github.com/MrWong99/toolrun/internal/runtime"
	"github.com/MrWong99/toolrun/pkg/tool"
	"github.com/MrWong99/toolrun/pkg/toolerr"
)

// maxRequestBody caps the size of an invoke request body.
const maxRequestBody = 1 << 20

// Server routes HTTP requests to the runtime, registry and analytics pipeline.
type Server struct {
	rt       *runtime.Runtime
	registry *tool.Registry
	pipeline *analytics.Pipeline

	health   *health.Handler
	mcp      http.Handler
	scrape   http.Handler
	metrics  *observe.Metrics
	breakers *resilience.Set

	mux *http.ServeMux
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts h at /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMCP mounts h at /mcp.
func WithMCP(h http.Handler) Option {
	return func(s *Server) { s.mcp = h }
}

// WithScrapeHandler replaces the default promhttp handler at /metrics.
func WithScrapeHandler(h http.Handler) Option {
	return func(s *Server) { s.scrape = h }
}

// WithMetrics wraps every route with request metrics and tracing.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCircuitBreakers exposes the breaker states at /v1/circuits.
func WithCircuitBreakers(set *resilience.Set) Option {
	return func(s *Server) { s.breakers = set }
}

// New builds a [Server]. pipeline may be nil when analytics are not wired, in
// which case the metrics and event routes answer 503.
func New(rt *runtime.Runtime, registry *tool.Registry, pipeline *analytics.Pipeline, opts ...Option) *Server {
	s := &Server{
		rt:       rt,
		registry: registry,
		pipeline: pipeline,
		scrape:   promhttp.Handler(),
		mux:      http.NewServeMux(),
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/tools", s.handleListTools)
	s.mux.HandleFunc("POST /v1/tools/{name}/invoke", s.handleInvoke)
	s.mux.HandleFunc("GET /v1/metrics", s.handleAllMetrics)
	s.mux.HandleFunc("GET /v1/metrics/{tool}", s.handleToolMetrics)
	s.mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	if s.breakers != nil {
		s.mux.HandleFunc("GET /v1/circuits", s.handleCircuits)
	}
	s.mux.Handle("GET /metrics", s.scrape)
	if s.health != nil {
		s.health.Register(s.mux)
	}
	if s.mcp != nil {
		s.mux.Handle("/mcp", s.mcp)
	}
}

// Handler returns the root handler, wrapped in the observability middleware
// when metrics are configured.
func (s *Server) Handler() http.Handler {
	if s.metrics == nil {
		return s.mux
	}
	return observe.Middleware(s.metrics)(s.mux)
}

// StatusFor maps an error code to the HTTP status of a failed invocation.
func StatusFor(code string) int {
	switch code {
	case "VALIDATION_ERROR":
		return http.StatusBadRequest
	case "NOT_FOUND":
		return http.StatusNotFound
	case "RATE_LIMIT", "QUOTA_EXCEEDED":
		return http.StatusTooManyRequests
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	case "API_ERROR", "AUTH_ERROR":
		return http.StatusBadGateway
	case "SECURITY_ERROR":
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeResponse writes an invocation response with its derived status.
func writeResponse(w http.ResponseWriter, resp runtime.Response) {
	status := http.StatusOK
	if !resp.Success && resp.Error != nil {
		status = StatusFor(resp.Error.Code)
		if ra := resp.Error.RetryAfter; ra != nil {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(*ra))))
		}
	}
	writeJSON(w, status, resp)
}

// writeError writes a failure in the invocation error shape.
func writeError(w http.ResponseWriter, te *toolerr.Error) {
	r := te.ToResponse()
	writeResponse(w, runtime.Response{Success: false, Error: &r})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
