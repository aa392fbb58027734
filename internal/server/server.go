package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/chittyos/chittybridge/internal/gateway"
	"github.com/chittyos/chittybridge/internal/kv"
	"github.com/chittyos/chittybridge/internal/mcpsession"
	"github.com/chittyos/chittybridge/internal/objectstore"
	"github.com/chittyos/chittybridge/internal/queue"
	"github.com/chittyos/chittybridge/internal/ratelimit"
	"github.com/chittyos/chittybridge/internal/resolver"
	"github.com/chittyos/chittybridge/internal/storage"
	"github.com/chittyos/chittybridge/internal/vault"
)

// Server is the ChittyBridge HTTP server: the composite API surface of
// §4.F, fronting the resolver, vault broker, object store, and MCP session
// layer behind one authenticated mux.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	mux        *http.ServeMux
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers, e.g. for admin seeding.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Mux returns the underlying route table so callers can register additional
// routes after construction (the root package's RouteRegistrar extension
// point). Routes added here share the full built-in middleware chain, since
// the mux is wrapped by reference, not by copy.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Use wraps the server's handler with an additional outermost middleware.
// Must be called before Start. Mirrors the root package's Middleware
// extension point: applied outside every built-in middleware, so it sees
// every request including /health.
func (s *Server) Use(mw func(http.Handler) http.Handler) {
	s.handler = mw(s.handler)
	s.httpServer.Handler = s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Objects, Gateway, Queue, Broker,
// MCPSessions, Limiter.
type ServerConfig struct {
	DB       *storage.DB
	KV       *kv.Store
	Resolver *resolver.Resolver
	Vault    *vault.Broker
	Logger   *slog.Logger

	Objects     *objectstore.Store
	Gateway     *gateway.Gateway
	Queue       *queue.Queue
	Broker      *Broker
	MCPSessions *mcpsession.Server
	Limiter     *ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	Service             string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string

	JWTPublicKey any // *ed25519.PublicKey, or nil to disable Bearer-JWT auth
	OpenAPISpec  []byte
}

// New creates a new HTTP server with every route, middleware, and MCP
// transport wired, following the teacher's server.go route-table shape
// (internal/server/server.go): composite mux, then scope-gated groups, then
// the middleware chain applied outermost-first.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		KV:                  cfg.KV,
		Resolver:            cfg.Resolver,
		Vault:               cfg.Vault,
		Objects:             cfg.Objects,
		Gateway:             cfg.Gateway,
		Queue:               cfg.Queue,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		Service:             cfg.Service,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	readScope := requireScope("context:read")
	writeScope := requireScope("context:write")
	credentialScope := requireScope("credential:use")
	adminScope := requireScope("admin")

	// Context resolution and lifecycle (§4.D).
	mux.Handle("POST /api/v1/context/resolve", writeScope(http.HandlerFunc(h.HandleResolveContext)))
	mux.Handle("POST /api/v1/context/create", writeScope(http.HandlerFunc(h.HandleCreateContext)))
	mux.Handle("POST /api/v1/context/bind", writeScope(http.HandlerFunc(h.HandleBindContext)))
	mux.Handle("POST /api/v1/context/unbind", writeScope(http.HandlerFunc(h.HandleUnbindContext)))
	mux.Handle("POST /api/v1/context/switch", writeScope(http.HandlerFunc(h.HandleSwitchContext)))
	mux.Handle("GET /api/v1/context/search", readScope(http.HandlerFunc(h.HandleSearchContexts)))
	mux.Handle("GET /api/v1/context/{chittyId}/expand", readScope(http.HandlerFunc(h.HandleExpandContext)))
	mux.Handle("GET /api/v1/context/{id}/summary", readScope(http.HandlerFunc(h.HandleSummaryContext)))

	// Session view (§4.D "current").
	mux.Handle("GET /api/v1/sessions/{sessionId}/current", readScope(http.HandlerFunc(h.HandleCurrentContext)))

	// Credential broker (§4.C).
	mux.Handle("GET /api/v1/credentials/{service}", credentialScope(http.HandlerFunc(h.HandleGetCredential)))
	mux.Handle("POST /api/v1/credentials/provision", credentialScope(http.HandlerFunc(h.HandleProvisionCredential)))
	mux.Handle("POST /api/v1/credentials/validate", credentialScope(http.HandlerFunc(h.HandleValidateCredential)))
	mux.Handle("POST /api/v1/credentials/revoke", credentialScope(http.HandlerFunc(h.HandleRevokeCredential)))
	mux.Handle("GET /api/v1/credentials/audit", adminScope(http.HandlerFunc(h.HandleAuditCredential)))

	// Documents (object store passthrough).
	mux.Handle("PUT /api/v1/documents/{contextId}/{docId}", writeScope(http.HandlerFunc(h.HandlePutDocument)))
	mux.Handle("GET /api/v1/documents/{contextId}/{docId}", readScope(http.HandlerFunc(h.HandleGetDocument)))
	mux.Handle("DELETE /api/v1/documents/{contextId}/{docId}", writeScope(http.HandlerFunc(h.HandleDeleteDocument)))

	// Composite batch endpoint (§4.F).
	mux.Handle("POST /api/v1/batch", readScope(http.HandlerFunc(h.HandleBatch)))

	// Webhook/sync ingress for the queue consumer (§4.G).
	mux.Handle("POST /api/v1/events/webhook", writeScope(http.HandlerFunc(h.HandleWebhook)))

	// SSE event subscription (§4.F broker fan-out).
	mux.Handle("GET /api/v1/events/subscribe", readScope(http.HandlerFunc(h.HandleSubscribe)))

	// Outbound proxy to downstream ChittyOS services (§4.B).
	mux.Handle("/api/{service}/{rest...}", writeScope(http.HandlerFunc(h.HandleProxy)))

	// Admin routes.
	mux.Handle("GET /api/v1/admin/deadletter", adminScope(http.HandlerFunc(h.HandleListDeadLetters)))
	mux.Handle("POST /api/v1/admin/keys", adminScope(http.HandlerFunc(h.HandleCreateAPIKey)))
	mux.Handle("POST /api/v1/admin/keys/revoke", adminScope(http.HandlerFunc(h.HandleRevokeAPIKey)))

	// MCP StreamableHTTP transport (auth required, any scope).
	if cfg.MCPSessions != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPSessions.MCPServer())
		mux.Handle("/mcp", mcpHTTP)
	}

	// Discovery and health (no auth, per noAuthPaths).
	mux.HandleFunc("GET /openapi.json", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /.well-known/chitty.json", h.HandleDiscovery)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → baggage → auth → recovery → rateLimit → handler.
	var handler http.Handler = mux
	if cfg.Limiter != nil {
		handler = rateLimitMiddleware(cfg.Limiter, handler)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.KV, cfg.JWTPublicKey, handler)
	handler = baggageMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  2 * cfg.ReadTimeout,
		},
		handler:  handler,
		mux:      mux,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests. Blocks until the listener fails or
// Shutdown is called, in which case it returns http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
