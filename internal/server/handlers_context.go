package server

import (
	"net/http"

	"github.com/chittyos/chittybridge/internal/domain"
	"github.com/chittyos/chittybridge/internal/resolver"
)

type resolveRequestBody struct {
	ProjectPath      string `json:"projectPath"`
	Workspace        string `json:"workspace"`
	SupportType      string `json:"supportType"`
	Organization     string `json:"organization"`
	ExplicitChittyID string `json:"explicitChittyId"`
}

// HandleResolveContext handles POST /api/v1/context/resolve.
func (h *Handlers) HandleResolveContext(w http.ResponseWriter, r *http.Request) {
	var body resolveRequestBody
	if err := decodeJSON(r, &body, h.maxRequestBodyBytes); err != nil {
		h.writeAPIError(w, r, validationErrf("invalid request body: %v", err))
		return
	}
	out, err := h.resolveContext(r.Context(), resolver.AnchorHints{
		ProjectPath:      body.ProjectPath,
		Workspace:        body.Workspace,
		SupportType:      body.SupportType,
		Organization:     body.Organization,
		ExplicitChittyID: body.ExplicitChittyID,
	})
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out, h.service, h.version)
}

type createContextRequestBody struct {
	ProjectPath  string `json:"projectPath"`
	Workspace    string `json:"workspace"`
	SupportType  string `json:"supportType"`
	Organization string `json:"organization"`
}

// HandleCreateContext handles POST /api/v1/context/create.
func (h *Handlers) HandleCreateContext(w http.ResponseWriter, r *http.Request) {
	var body createContextRequestBody
	if err := decodeJSON(r, &body, h.maxRequestBodyBytes); err != nil {
		h.writeAPIError(w, r, validationErrf("invalid request body: %v", err))
		return
	}
	hints := resolver.AnchorHints{ProjectPath: body.ProjectPath, Workspace: body.Workspace, SupportType: body.SupportType, Organization: body.Organization}
	out, err := h.createContext(r.Context(), hints, body.Organization)
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, out, h.service, h.version)
}

type bindRequestBody struct {
	ChittyID  string `json:"chittyId"`
	SessionID string `json:"sessionId"`
	Platform  string `json:"platform"`
}

// HandleBindContext handles POST /api/v1/context/bind.
func (h *Handlers) HandleBindContext(w http.ResponseWriter, r *http.Request) {
	var body bindRequestBody
	if err := decodeJSON(r, &body, h.maxRequestBodyBytes); err != nil {
		h.writeAPIError(w, r, validationErrf("invalid request body: %v", err))
		return
	}
	out, err := h.bindContext(r.Context(), body.ChittyID, body.SessionID, body.Platform)
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out, h.service, h.version)
}

type unbindRequestBody struct {
	SessionID      string   `json:"sessionId"`
	Reason         string   `json:"reason"`
	SuccessRate    float64  `json:"successRate"`
	Interactions   int      `json:"interactions"`
	Decisions      int      `json:"decisions"`
	AnomalyDelta   float64  `json:"anomalyDelta"`
	Competencies   []string `json:"competencies"`
	Domains        []string `json:"domains"`
	PeakHourBucket int      `json:"peakHourBucket"`
}

// HandleUnbindContext handles POST /api/v1/context/unbind.
func (h *Handlers) HandleUnbindContext(w http.ResponseWriter, r *http.Request) {
	var body unbindRequestBody
	if err := decodeJSON(r, &body, h.maxRequestBodyBytes); err != nil {
		h.writeAPIError(w, r, validationErrf("invalid request body: %v", err))
		return
	}
	reason := domain.UnbindReason(body.Reason)
	if reason == "" {
		reason = domain.UnbindSessionComplete
	}
	out, err := h.unbindContext(r.Context(), body.SessionID, resolver.SessionMetrics{
		Interactions: body.Interactions, Decisions: body.Decisions, SuccessRate: body.SuccessRate,
		AnomalyDelta: body.AnomalyDelta, Competencies: body.Competencies, Domains: body.Domains,
		PeakHourBucket: body.PeakHourBucket, Reason: reason,
	})
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out, h.service, h.version)
}

type switchRequestBody struct {
	SessionID   string  `json:"sessionId"`
	ToChittyID  string  `json:"toChittyId"`
	SuccessRate float64 `json:"successRate"`
}

// HandleSwitchContext handles POST /api/v1/context/switch.
func (h *Handlers) HandleSwitchContext(w http.ResponseWriter, r *http.Request) {
	var body switchRequestBody
	if err := decodeJSON(r, &body, h.maxRequestBodyBytes); err != nil {
		h.writeAPIError(w, r, validationErrf("invalid request body: %v", err))
		return
	}
	out, err := h.switchContext(r.Context(), body.SessionID, body.ToChittyID,
		resolver.SessionMetrics{SuccessRate: body.SuccessRate, Reason: domain.UnbindSessionComplete})
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out, h.service, h.version)
}

// HandleExpandContext handles GET /api/v1/context/{chittyId}/expand.
func (h *Handlers) HandleExpandContext(w http.ResponseWriter, r *http.Request) {
	out, err := h.expandContext(r.Context(), r.PathValue("chittyId"))
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out, h.service, h.version)
}

// HandleCurrentContext handles GET /api/v1/sessions/{sessionId}/current.
func (h *Handlers) HandleCurrentContext(w http.ResponseWriter, r *http.Request) {
	out, err := h.currentContext(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out, h.service, h.version)
}

// HandleSearchContexts handles GET /api/v1/context/search?projectPath=&supportType=.
func (h *Handlers) HandleSearchContexts(w http.ResponseWriter, r *http.Request) {
	out, err := h.searchContexts(r.Context(), r.URL.Query().Get("projectPath"), r.URL.Query().Get("supportType"))
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out, h.service, h.version)
}

// HandleSummaryContext handles GET /api/v1/context/{id}/summary.
func (h *Handlers) HandleSummaryContext(w http.ResponseWriter, r *http.Request) {
	out, err := h.summaryContext(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out, h.service, h.version)
}
