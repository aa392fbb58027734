package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/chittyos/chittybridge/internal/domain"
)

// HandleGetCredential handles GET /api/v1/credentials/{service}.
func (h *Handlers) HandleGetCredential(w http.ResponseWriter, r *http.Request) {
	out, err := h.getCredential(r.Context(), r.PathValue("service"))
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out, h.service, h.version)
}

type provisionRequestBody struct {
	Kind      string `json:"kind"`
	ContextID string `json:"contextId"`
	TTLHours  int    `json:"ttlHours"`
}

// HandleProvisionCredential handles POST /api/v1/credentials/provision.
func (h *Handlers) HandleProvisionCredential(w http.ResponseWriter, r *http.Request) {
	var body provisionRequestBody
	if err := decodeJSON(r, &body, h.maxRequestBodyBytes); err != nil {
		h.writeAPIError(w, r, validationErrf("invalid request body: %v", err))
		return
	}
	ttl := time.Duration(body.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = time.Hour
	}
	out, err := h.provisionCredential(r.Context(), domain.CredentialType(body.Kind), body.ContextID, ttl)
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, out, h.service, h.version)
}

type validateRequestBody struct {
	Kind             string `json:"kind"`
	TokenID          string `json:"tokenId"`
	CheckPermissions bool   `json:"checkPermissions"`
}

// HandleValidateCredential handles POST /api/v1/credentials/validate.
func (h *Handlers) HandleValidateCredential(w http.ResponseWriter, r *http.Request) {
	var body validateRequestBody
	if err := decodeJSON(r, &body, h.maxRequestBodyBytes); err != nil {
		h.writeAPIError(w, r, validationErrf("invalid request body: %v", err))
		return
	}
	out, err := h.validateCredential(r.Context(), domain.CredentialType(body.Kind), body.TokenID, body.CheckPermissions)
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out, h.service, h.version)
}

type revokeRequestBody struct {
	TokenID string `json:"tokenId"`
	Reason  string `json:"reason"`
}

// HandleRevokeCredential handles POST /api/v1/credentials/revoke.
func (h *Handlers) HandleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	var body revokeRequestBody
	if err := decodeJSON(r, &body, h.maxRequestBodyBytes); err != nil {
		h.writeAPIError(w, r, validationErrf("invalid request body: %v", err))
		return
	}
	out, err := h.revokeCredential(r.Context(), body.TokenID, body.Reason)
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out, h.service, h.version)
}

// HandleAuditCredential handles GET /api/v1/credentials/audit?service=&limit=.
func (h *Handlers) HandleAuditCredential(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := h.auditCredential(r.Context(), r.URL.Query().Get("service"), limit)
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out, h.service, h.version)
}
