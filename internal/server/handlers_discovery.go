package server

import (
	"net/http"
	"time"
)

// healthResponse is the shape of GET /health.
type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptimeSeconds"`
}

// HandleHealth handles GET /health (no-auth: §6 noAuthPaths).
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	if h.db == nil {
		pgStatus = "unconfigured"
	} else if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
	}

	writeJSON(w, r, http.StatusOK, healthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}, h.service, h.version)
}

// HandleOpenAPISpec handles GET /openapi.json, serving the embedded spec
// document verbatim (no-auth: §6 noAuthPaths).
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openAPISpec) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openAPISpec)
}

// HandleDiscovery handles GET /.well-known/chitty.json, the tenant-agnostic
// service descriptor other ChittyOS services use to discover this broker's
// capabilities before authenticating (no-auth: §6 noAuthPaths).
func (h *Handlers) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"service": h.service,
		"version": h.version,
		"capabilities": []string{
			"context.resolve", "context.create", "context.bind", "context.unbind",
			"context.switch", "context.expand", "context.search",
			"credential.get", "credential.provision", "credential.validate", "credential.revoke",
		},
		"auth": map[string]any{
			"schemes": []string{"X-ChittyOS-API-Key", "Authorization: ApiKey", "Authorization: Bearer"},
		},
	}, h.service, h.version)
}
