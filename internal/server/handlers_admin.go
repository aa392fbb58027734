package server

import (
	"encoding/json"
	"net/http"

	"github.com/chittyos/chittybridge/internal/apierr"
)

// HandleListDeadLetters handles GET /api/v1/admin/deadletter, scanning KV
// for dead-lettered queue events (§4.G). Admin-scoped via requireScope.
func (h *Handlers) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.kv == nil {
		h.writeAPIError(w, r, apierr.New(apierr.KindConfigUnavailable, "kv store not configured"))
		return
	}
	keys, err := h.kv.ScanKeys(r.Context(), "deadletter:*")
	if err != nil {
		h.writeAPIError(w, r, apierr.Wrap(apierr.KindServer, "deadletter scan failed", err))
		return
	}
	entries := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		raw, err := h.kv.Get(r.Context(), key)
		if err != nil {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(raw), &entry); err == nil {
			entries = append(entries, entry)
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)}, h.service, h.version)
}

type createAPIKeyRequestBody struct {
	OrgID  string   `json:"orgId"`
	Scopes []string `json:"scopes"`
}

// HandleCreateAPIKey handles POST /api/v1/admin/keys: it mints a new API key,
// persists it durably in Postgres, and mirrors the active record into KV
// under key:{apiKey} (§6) so the request hot path never touches Postgres.
func (h *Handlers) HandleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var body createAPIKeyRequestBody
	if err := decodeJSON(r, &body, h.maxRequestBodyBytes); err != nil {
		h.writeAPIError(w, r, validationErrf("invalid request body: %v", err))
		return
	}
	if body.OrgID == "" {
		h.writeAPIError(w, r, validationErrf("orgId is required"))
		return
	}
	out, err := h.createAPIKey(r.Context(), body.OrgID, body.Scopes)
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, out, h.service, h.version)
}

type revokeAPIKeyRequestBody struct {
	APIKeyID string `json:"apiKeyId"`
}

// HandleRevokeAPIKey handles POST /api/v1/admin/keys/revoke: it revokes the
// durable Postgres row and deletes the mirrored KV entry so the key stops
// authenticating immediately.
func (h *Handlers) HandleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	var body revokeAPIKeyRequestBody
	if err := decodeJSON(r, &body, h.maxRequestBodyBytes); err != nil {
		h.writeAPIError(w, r, validationErrf("invalid request body: %v", err))
		return
	}
	if body.APIKeyID == "" {
		h.writeAPIError(w, r, validationErrf("apiKeyId is required"))
		return
	}
	if err := h.revokeAPIKey(r.Context(), body.APIKeyID); err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"apiKeyId": body.APIKeyID, "revoked": true}, h.service, h.version)
}
