package server

import (
	"net/http"
	"sync"

	"github.com/chittyos/chittybridge/internal/apierr"
	"github.com/chittyos/chittybridge/internal/resolver"
)

const maxBatchRequests = 10

type batchSubRequest struct {
	ID     string         `json:"id"`
	Op     string         `json:"op"`
	Params map[string]any `json:"params"`
}

type batchSubResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *apierr.ErrorDetail `json:"error,omitempty"`
}

type batchRequestBody struct {
	Requests []batchSubRequest `json:"requests"`
}

// HandleBatch handles POST /api/v1/batch?mode=parallel|sequential (§4.F): up
// to maxBatchRequests sub-operations dispatched against the same composite
// methods the single-resource routes use, returning 207 if any failed.
func (h *Handlers) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequestBody
	if err := decodeJSON(r, &body, h.maxRequestBodyBytes); err != nil {
		h.writeAPIError(w, r, validationErrf("invalid request body: %v", err))
		return
	}
	if len(body.Requests) == 0 {
		h.writeAPIError(w, r, validationErrf("requests must not be empty"))
		return
	}
	if len(body.Requests) > maxBatchRequests {
		h.writeAPIError(w, r, validationErrf("at most %d batch requests are allowed", maxBatchRequests))
		return
	}

	responses := make([]batchSubResponse, len(body.Requests))
	anyFailed := false

	run := func(i int) {
		data, err := h.dispatchBatchOp(r, body.Requests[i])
		if err != nil {
			detail := apierr.FromError(err)
			responses[i] = batchSubResponse{ID: body.Requests[i].ID, Success: false, Error: &detail}
			return
		}
		responses[i] = batchSubResponse{ID: body.Requests[i].ID, Success: true, Data: data}
	}

	if r.URL.Query().Get("mode") == "parallel" {
		var wg sync.WaitGroup
		wg.Add(len(body.Requests))
		for i := range body.Requests {
			go func(i int) {
				defer wg.Done()
				run(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range body.Requests {
			run(i)
		}
	}

	for _, resp := range responses {
		if !resp.Success {
			anyFailed = true
			break
		}
	}

	status := http.StatusOK
	if anyFailed {
		status = http.StatusMultiStatus
	}
	writeJSON(w, r, status, map[string]any{"responses": responses}, h.service, h.version)
}

// dispatchBatchOp routes one batch sub-request to its composite operation.
// Supported ops mirror the single-resource routes (§4.D/§4.C).
func (h *Handlers) dispatchBatchOp(r *http.Request, req batchSubRequest) (any, error) {
	p := req.Params
	str := func(key string) string {
		v, _ := p[key].(string)
		return v
	}

	switch req.Op {
	case "context.resolve":
		return h.resolveContext(r.Context(), resolver.AnchorHints{
			ProjectPath: str("projectPath"), Workspace: str("workspace"),
			SupportType: str("supportType"), Organization: str("organization"),
			ExplicitChittyID: str("explicitChittyId"),
		})
	case "context.create":
		hints := resolver.AnchorHints{
			ProjectPath: str("projectPath"), Workspace: str("workspace"),
			SupportType: str("supportType"), Organization: str("organization"),
		}
		return h.createContext(r.Context(), hints, str("organization"))
	case "context.bind":
		return h.bindContext(r.Context(), str("chittyId"), str("sessionId"), str("platform"))
	case "context.expand":
		return h.expandContext(r.Context(), str("chittyId"))
	case "context.summary":
		return h.summaryContext(r.Context(), str("id"))
	case "context.search":
		return h.searchContexts(r.Context(), str("projectPath"), str("supportType"))
	case "credential.get":
		return h.getCredential(r.Context(), str("service"))
	default:
		return nil, apierr.New(apierr.KindValidation, "unknown batch op: "+req.Op)
	}
}
