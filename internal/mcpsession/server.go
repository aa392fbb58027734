package mcpsession

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const serverInstructions = `You have access to ChittyBridge, a context-and-credential broker.

WORKFLOW:
1. Call context_resolve with your session's anchors (projectPath, workspace,
   supportType, organization) to find or stage a context entity.
2. If the result needs confirmation (a fuzzy match) or is new, call
   context_bind once you have a concrete chittyId to attach to this session.
3. Use credential_get before calling any downstream service that needs a
   bearer token; it is cached and refreshed transparently.
4. Call context_unbind when the session ends so trust and behavioral state
   roll up correctly.

Use context_switch instead of unbind+bind when moving this same session to
a different context entity.`

// CompositeAPI is the subset of internal/server's composite operations that
// MCP tools dispatch to, so that auth, rate-limit, and breaker policy stay
// consistent between the HTTP and MCP surfaces (§4.E, §4.F).
type CompositeAPI interface {
	ResolveContext(ctx context.Context, req ResolveRequest) (map[string]any, error)
	BindContext(ctx context.Context, req BindRequest) (map[string]any, error)
	UnbindContext(ctx context.Context, req UnbindRequest) (map[string]any, error)
	SwitchContext(ctx context.Context, req SwitchRequest) (map[string]any, error)
	GetCredential(ctx context.Context, service string) (map[string]any, error)
	ProvisionCredential(ctx context.Context, req ProvisionRequest) (map[string]any, error)
}

// ResolveRequest/BindRequest/UnbindRequest/SwitchRequest/ProvisionRequest
// mirror the composite API's JSON request bodies so MCP tool arguments map
// onto them directly.
type (
	ResolveRequest struct {
		ProjectPath      string `json:"projectPath"`
		Workspace        string `json:"workspace"`
		SupportType      string `json:"supportType"`
		Organization     string `json:"organization"`
		ExplicitChittyID string `json:"explicitChittyId"`
	}
	BindRequest struct {
		ChittyID  string `json:"chittyId"`
		SessionID string `json:"sessionId"`
		Platform  string `json:"platform"`
	}
	UnbindRequest struct {
		SessionID   string  `json:"sessionId"`
		Reason      string  `json:"reason"`
		SuccessRate float64 `json:"successRate"`
	}
	SwitchRequest struct {
		SessionID  string `json:"sessionId"`
		ToChittyID string `json:"toChittyId"`
	}
	ProvisionRequest struct {
		Kind      string `json:"kind"`
		ContextID string `json:"contextId"`
		TTLHours  int    `json:"ttlHours"`
	}
)

// Server wraps the mcp-go server and the session table.
type Server struct {
	mcpServer *mcpserver.MCPServer
	table     *Table
	api       CompositeAPI
	logger    *slog.Logger
}

// New wires a from-scratch session table (§4.E's 100-cap/5-minute-idle
// semantics go beyond what the teacher's single-binary MCP server needed)
// around the teacher's mcp-go server construction.
func New(api CompositeAPI, maxSessions int, idleTTL time.Duration, logger *slog.Logger, version string) *Server {
	s := &Server{
		table:  NewTable(maxSessions, idleTTL),
		api:    api,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"chittybridge",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Table exposes the session table so the HTTP transport layer (which owns
// the mcp-session-id header handling) can Touch/Get/Terminate sessions.
func (s *Server) Table() *Table {
	return s.table
}

func textResult(v any) *mcplib.CallToolResult {
	body, err := json.Marshal(v)
	if err != nil {
		return errorResult(err.Error())
	}
	return &mcplib.CallToolResult{Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(body)}}}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}
