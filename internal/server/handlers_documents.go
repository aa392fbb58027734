package server

import (
	"io"
	"net/http"

	"github.com/chittyos/chittybridge/internal/apierr"
)

// documentKey namespaces objects under the owning context so ChittyBridge
// never needs a separate documents table: the object key IS the identity.
func documentKey(contextID, docID string) string {
	return "documents/" + contextID + "/" + docID
}

// HandlePutDocument handles PUT /api/v1/documents/{contextId}/{docId}.
func (h *Handlers) HandlePutDocument(w http.ResponseWriter, r *http.Request) {
	if h.objects == nil {
		h.writeAPIError(w, r, apierr.New(apierr.KindConfigUnavailable, "document storage not configured"))
		return
	}
	contextID, docID := r.PathValue("contextId"), r.PathValue("docId")
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxRequestBodyBytes))
	if err != nil {
		h.writeAPIError(w, r, validationErrf("failed to read request body: %v", err))
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := h.objects.Put(r.Context(), documentKey(contextID, docID), body, contentType); err != nil {
		h.writeAPIError(w, r, apierr.Wrap(apierr.KindServer, "document upload failed", err))
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"contextId": contextID, "docId": docID, "bytes": len(body)}, h.service, h.version)
}

// HandleGetDocument handles GET /api/v1/documents/{contextId}/{docId}.
func (h *Handlers) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	if h.objects == nil {
		h.writeAPIError(w, r, apierr.New(apierr.KindConfigUnavailable, "document storage not configured"))
		return
	}
	contextID, docID := r.PathValue("contextId"), r.PathValue("docId")
	body, err := h.objects.Get(r.Context(), documentKey(contextID, docID))
	if err != nil {
		h.writeAPIError(w, r, apierr.New(apierr.KindNotFound, "document not found"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// HandleDeleteDocument handles DELETE /api/v1/documents/{contextId}/{docId}.
func (h *Handlers) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if h.objects == nil {
		h.writeAPIError(w, r, apierr.New(apierr.KindConfigUnavailable, "document storage not configured"))
		return
	}
	contextID, docID := r.PathValue("contextId"), r.PathValue("docId")
	if err := h.objects.Delete(r.Context(), documentKey(contextID, docID)); err != nil {
		h.writeAPIError(w, r, apierr.Wrap(apierr.KindServer, "document delete failed", err))
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"contextId": contextID, "docId": docID, "deleted": true}, h.service, h.version)
}
