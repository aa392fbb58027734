package server

import (
	"encoding/json"
	"net/http"

	"github.com/chittyos/chittybridge/internal/apierr"
	"github.com/chittyos/chittybridge/internal/queue"
)

type webhookRequestBody struct {
	DeliveryID string          `json:"deliveryId"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

// HandleWebhook accepts inbound webhook/sync deliveries and hands them to
// the queue consumer (§4.G), returning 202 immediately — processing,
// idempotency, retry, and dead-lettering all happen asynchronously.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		h.writeAPIError(w, r, apierr.New(apierr.KindConfigUnavailable, "queue consumer not configured"))
		return
	}

	var body webhookRequestBody
	if err := decodeJSON(r, &body, h.maxRequestBodyBytes); err != nil {
		h.writeAPIError(w, r, validationErrf("invalid request body: %v", err))
		return
	}
	if body.DeliveryID == "" || body.Kind == "" {
		h.writeAPIError(w, r, validationErrf("deliveryId and kind are required"))
		return
	}

	deadline, _ := r.Context().Deadline()
	if err := h.queue.Submit(r.Context(), queue.Event{
		DeliveryID: body.DeliveryID,
		Kind:       body.Kind,
		Payload:    body.Payload,
		Deadline:   deadline,
	}); err != nil {
		h.writeAPIError(w, r, apierr.Wrap(apierr.KindServer, "webhook enqueue failed", err))
		return
	}

	writeJSON(w, r, http.StatusAccepted, map[string]any{"deliveryId": body.DeliveryID, "accepted": true}, h.service, h.version)
}
