package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hyoka/internal/ratelimit"
)

// Server is the hyoka HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, RecalcLimiter, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Workflows   Workflows
	Evaluations Evaluations
	Active      ActiveEvaluations
	Health      HealthChecker
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker        *Broker
	RecalcLimiter ratelimit.Limiter
	// RecalcRetryAfter is reported to clients rejected by RecalcLimiter.
	RecalcRetryAfter time.Duration
	MCPServer        *mcpserver.MCPServer
	OpenAPISpec      []byte // Embedded OpenAPI YAML.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Workflows:           cfg.Workflows,
		Evaluations:         cfg.Evaluations,
		Active:              cfg.Active,
		Health:              cfg.Health,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	recalcRL := ratelimit.Middleware(cfg.RecalcLimiter, ratelimit.Options{
		Key:        evaluationKeyFunc,
		RequestID:  func(r *http.Request) string { return RequestIDFromContext(r.Context()) },
		RetryAfter: cfg.RecalcRetryAfter,
		Logger:     cfg.Logger,
	})

	mux := http.NewServeMux()

	const commit = "/v1/workspaces/{workspace_id}/commits/{commit_id}"
	const evaluation = commit + "/evaluations/{evaluation_uuid}"

	mux.HandleFunc("POST "+commit+"/generations", h.HandleStartGeneration)
	mux.Handle("POST "+evaluation+"/recalculate", recalcRL(http.HandlerFunc(h.HandleRecalculate)))
	mux.HandleFunc("POST "+evaluation+"/quality", h.HandleQualityMetric)
	mux.HandleFunc("GET "+evaluation+"/alignment", h.HandleGetAlignment)
	mux.HandleFunc("GET /v1/workspaces/{workspace_id}/projects/{project_id}/active-evaluations", h.HandleListActiveEvaluations)

	// Long-lived connection, not rate limited.
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// evaluationKeyFunc rate limits recalculation per evaluation.
func evaluationKeyFunc(r *http.Request) string {
	if id := r.PathValue("evaluation_uuid"); id != "" {
		return "recalc:" + id
	}
	return ""
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
