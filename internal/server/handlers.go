// Package server is the composite HTTP API surface (§4.F): it fronts the
// resolver, credential broker, object store, and queue consumer behind one
// authenticated, middleware-wrapped mux, and implements mcpsession.CompositeAPI
// so the MCP tool layer dispatches through the same policy as every HTTP route.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chittyos/chittybridge/internal/apierr"
	"github.com/chittyos/chittybridge/internal/domain"
	"github.com/chittyos/chittybridge/internal/gateway"
	"github.com/chittyos/chittybridge/internal/kv"
	"github.com/chittyos/chittybridge/internal/mcpsession"
	"github.com/chittyos/chittybridge/internal/objectstore"
	"github.com/chittyos/chittybridge/internal/queue"
	"github.com/chittyos/chittybridge/internal/resolver"
	"github.com/chittyos/chittybridge/internal/storage"
	"github.com/chittyos/chittybridge/internal/vault"
)

// HandlersDeps bundles every dependency a handler might need. Optional
// fields (nil-safe): Objects, Gateway, Queue, Broker.
type HandlersDeps struct {
	DB       *storage.DB
	KV       *kv.Store
	Resolver *resolver.Resolver
	Vault    *vault.Broker
	Objects  *objectstore.Store
	Gateway  *gateway.Gateway
	Queue    *queue.Queue
	Broker   *Broker
	Logger   *slog.Logger
	Version  string
	Service  string

	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// Handlers holds every composite operation used by both the HTTP mux and
// the MCP tool layer (via the compositeAdapter below).
type Handlers struct {
	db       *storage.DB
	kv       *kv.Store
	resolver *resolver.Resolver
	vault    *vault.Broker
	objects  *objectstore.Store
	gateway  *gateway.Gateway
	queue    *queue.Queue
	broker   *Broker
	logger   *slog.Logger
	version  string
	service  string

	maxRequestBodyBytes int64
	openAPISpec         []byte
	startedAt           time.Time
}

// NewHandlers constructs a Handlers.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 * 1024 * 1024
	}
	service := deps.Service
	if service == "" {
		service = "chittybridge"
	}
	return &Handlers{
		db:                  deps.DB,
		kv:                  deps.KV,
		resolver:            deps.Resolver,
		vault:               deps.Vault,
		objects:             deps.Objects,
		gateway:             deps.Gateway,
		queue:               deps.Queue,
		broker:              deps.Broker,
		logger:              deps.Logger,
		version:             deps.Version,
		service:             service,
		maxRequestBodyBytes: maxBody,
		openAPISpec:         deps.OpenAPISpec,
		startedAt:           time.Now(),
	}
}

// compositeAdapter adapts *Handlers onto mcpsession.CompositeAPI (§4.E) so
// MCP tool calls run through the exact same resolver/vault operations as the
// HTTP surface, never bypassing them.
type compositeAdapter struct {
	h *Handlers
}

// MCPCompositeAPI returns the adapter the MCP transport wires into
// mcpsession.New.
func (h *Handlers) MCPCompositeAPI() mcpsession.CompositeAPI {
	return compositeAdapter{h: h}
}

func (a compositeAdapter) ResolveContext(ctx context.Context, req mcpsession.ResolveRequest) (map[string]any, error) {
	return a.h.resolveContext(ctx, resolveParams(req))
}

func (a compositeAdapter) BindContext(ctx context.Context, req mcpsession.BindRequest) (map[string]any, error) {
	return a.h.bindContext(ctx, req.ChittyID, req.SessionID, req.Platform)
}

func (a compositeAdapter) UnbindContext(ctx context.Context, req mcpsession.UnbindRequest) (map[string]any, error) {
	reason := domain.UnbindReason(req.Reason)
	if reason == "" {
		reason = domain.UnbindSessionComplete
	}
	return a.h.unbindContext(ctx, req.SessionID, resolver.SessionMetrics{SuccessRate: req.SuccessRate, Reason: reason})
}

func (a compositeAdapter) SwitchContext(ctx context.Context, req mcpsession.SwitchRequest) (map[string]any, error) {
	return a.h.switchContext(ctx, req.SessionID, req.ToChittyID, resolver.SessionMetrics{SuccessRate: 0.5, Reason: domain.UnbindSessionComplete})
}

func (a compositeAdapter) GetCredential(ctx context.Context, service string) (map[string]any, error) {
	return a.h.getCredential(ctx, service)
}

func (a compositeAdapter) ProvisionCredential(ctx context.Context, req mcpsession.ProvisionRequest) (map[string]any, error) {
	ttl := time.Duration(req.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = time.Hour
	}
	return a.h.provisionCredential(ctx, domain.CredentialType(req.Kind), req.ContextID, ttl)
}

func resolveParams(req mcpsession.ResolveRequest) resolver.AnchorHints {
	return resolver.AnchorHints{
		ProjectPath:      req.ProjectPath,
		Workspace:        req.Workspace,
		SupportType:      req.SupportType,
		Organization:     req.Organization,
		ExplicitChittyID: req.ExplicitChittyID,
	}
}

// writeJSON writes the standard envelope (§7) with success=true.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any, service, version string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apierr.Envelope{
		Success: true,
		Data:    data,
		Meta: apierr.ResponseMeta{
			RequestID: requestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
			Service:   service,
			Version:   version,
		},
	}); err != nil {
		slog.Warn("server: failed to encode json response", "error", err, "request_id", requestIDFromContext(r.Context()))
	}
}

// writeAPIError classifies err onto the taxonomy and writes the standard
// error envelope (§7).
func (h *Handlers) writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	detail := apierr.FromError(err)
	status := detail.Code.HTTPStatus()

	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "server: request failed",
		"error", err, "code", detail.Code, "method", r.Method, "path", r.URL.Path,
		"request_id", requestIDFromContext(r.Context()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierr.Envelope{
		Success: false,
		Error:   &detail,
		Meta: apierr.ResponseMeta{
			RequestID: requestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
			Service:   h.service,
			Version:   h.version,
		},
	})
}

// decodeJSON decodes a bounded JSON request body, rejecting unknown fields.
func decodeJSON(r *http.Request, target any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func validationErrf(format string, args ...any) error {
	return apierr.New(apierr.KindValidation, fmt.Sprintf(format, args...))
}
