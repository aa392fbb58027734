package mcpsession

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// registerTools wires the six MCP tools onto the composite API (§4.E).
// Every handler response wraps {content:[{type:"text", text: JSON(...)}],
// isError?:bool}; no in-tool-call streaming in V1.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("context_resolve",
			mcplib.WithDescription("Resolve session anchors to an existing context entity, a fuzzy candidate requiring confirmation, or a staged new context."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("projectPath", mcplib.Description("Project path anchor")),
			mcplib.WithString("workspace", mcplib.Description("Workspace anchor")),
			mcplib.WithString("supportType", mcplib.Description("Support type anchor"), mcplib.Required()),
			mcplib.WithString("organization", mcplib.Description("Organization anchor")),
			mcplib.WithString("explicitChittyId", mcplib.Description("Skip fingerprinting and look up this id directly")),
		),
		s.handleResolve,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("context_bind",
			mcplib.WithDescription("Bind this session to a context entity by chittyId."),
			mcplib.WithString("chittyId", mcplib.Required()),
			mcplib.WithString("sessionId", mcplib.Required()),
			mcplib.WithString("platform", mcplib.Required()),
		),
		s.handleBind,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("context_unbind",
			mcplib.WithDescription("Unbind this session, rolling its metrics into the context's DNA and trust score."),
			mcplib.WithString("sessionId", mcplib.Required()),
			mcplib.WithString("reason", mcplib.Description("session_complete | timeout | error | revoked")),
			mcplib.WithNumber("successRate", mcplib.Min(0), mcplib.Max(1)),
		),
		s.handleUnbind,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("context_switch",
			mcplib.WithDescription("Move this session from its current context to a different one: unbind, then bind. The two steps are separate; if the bind fails, the session is left unbound."),
			mcplib.WithString("sessionId", mcplib.Required()),
			mcplib.WithString("toChittyId", mcplib.Required()),
		),
		s.handleSwitch,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("credential_get",
			mcplib.WithDescription("Fetch a cached or freshly-brokered bearer token for a downstream service."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("service", mcplib.Required()),
		),
		s.handleCredentialGet,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("credential_provision",
			mcplib.WithDescription("Provision a new scoped credential for a context. Returns the raw secret exactly once."),
			mcplib.WithString("kind", mcplib.Required()),
			mcplib.WithString("contextId", mcplib.Required()),
			mcplib.WithNumber("ttlHours", mcplib.DefaultNumber(1)),
		),
		s.handleCredentialProvision,
	)
}

func (s *Server) handleResolve(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	out, err := s.api.ResolveContext(ctx, ResolveRequest{
		ProjectPath:      req.GetString("projectPath", ""),
		Workspace:        req.GetString("workspace", ""),
		SupportType:      req.GetString("supportType", ""),
		Organization:     req.GetString("organization", ""),
		ExplicitChittyID: req.GetString("explicitChittyId", ""),
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(out), nil
}

func (s *Server) handleBind(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	out, err := s.api.BindContext(ctx, BindRequest{
		ChittyID:  req.GetString("chittyId", ""),
		SessionID: req.GetString("sessionId", ""),
		Platform:  req.GetString("platform", ""),
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(out), nil
}

func (s *Server) handleUnbind(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	out, err := s.api.UnbindContext(ctx, UnbindRequest{
		SessionID:   req.GetString("sessionId", ""),
		Reason:      req.GetString("reason", "session_complete"),
		SuccessRate: req.GetFloat("successRate", 0.5),
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(out), nil
}

func (s *Server) handleSwitch(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	out, err := s.api.SwitchContext(ctx, SwitchRequest{
		SessionID:  req.GetString("sessionId", ""),
		ToChittyID: req.GetString("toChittyId", ""),
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(out), nil
}

func (s *Server) handleCredentialGet(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	out, err := s.api.GetCredential(ctx, req.GetString("service", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(out), nil
}

func (s *Server) handleCredentialProvision(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	out, err := s.api.ProvisionCredential(ctx, ProvisionRequest{
		Kind:      req.GetString("kind", ""),
		ContextID: req.GetString("contextId", ""),
		TTLHours:  int(req.GetFloat("ttlHours", 1)),
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(out), nil
}
