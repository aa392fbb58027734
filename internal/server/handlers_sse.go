package server

import (
	"net/http"

	"github.com/chittyos/chittybridge/internal/apierr"
)

// HandleSubscribe handles GET /api/v1/events/subscribe, streaming
// Server-Sent Events scoped to the caller's organization (§4.F) until the
// client disconnects.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		h.writeAPIError(w, r, apierr.New(apierr.KindConfigUnavailable, "event broker not configured"))
		return
	}
	auth := AuthFromContext(r.Context())
	if auth.OrgID == "" {
		h.writeAPIError(w, r, apierr.New(apierr.KindAuth, "subscription requires an authenticated organization"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeAPIError(w, r, apierr.New(apierr.KindServer, "streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.broker.Subscribe(auth.OrgID)
	defer h.broker.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
