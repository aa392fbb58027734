package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/chittyos/chittybridge/internal/apierr"
	"github.com/chittyos/chittybridge/internal/gateway"
)

// HandleProxy handles ANY /api/{service}/{rest...}, forwarding the request
// body and method to the named downstream service through the resilient
// outbound gateway (§4.B), reusing the same breaker/retry policy every
// other outbound call in this process uses.
func (h *Handlers) HandleProxy(w http.ResponseWriter, r *http.Request) {
	if h.gateway == nil {
		h.writeAPIError(w, r, apierr.New(apierr.KindConfigUnavailable, "outbound gateway not configured"))
		return
	}
	service := r.PathValue("service")
	rest := r.PathValue("rest")
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxRequestBodyBytes))
	if err != nil {
		h.writeAPIError(w, r, validationErrf("failed to read request body: %v", err))
		return
	}

	headers := map[string]string{}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		headers["Content-Type"] = ct
	}

	// gateway.Request.Body is re-marshaled with json.Marshal before it hits
	// the wire; wrapping as json.RawMessage passes the already-encoded bytes
	// through verbatim instead of re-encoding them as a base64 string.
	var reqBody any
	if len(body) > 0 {
		reqBody = json.RawMessage(body)
	}

	resp, err := h.gateway.Call(r.Context(), gateway.Request{
		Service: service,
		Method:  r.Method,
		Path:    rest,
		Body:    reqBody,
		Headers: headers,
	}, nil)
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}

	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
