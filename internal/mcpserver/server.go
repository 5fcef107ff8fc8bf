// Package mcpserver exposes the gateway as an MCP server. Every registered
// tool is offered under its gateway name and every call goes through the
// full pipeline.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oktsec/mcpgate/internal/gateway"
	"github.com/oktsec/mcpgate/internal/ratelimit"
	"github.com/oktsec/mcpgate/internal/tool"
)

// Argument names reserved by the gateway. All other arguments form the
// tool payload.
const (
	ArgEngagementID = "engagement_id"
	ArgCallID       = "call_id"
)

// CodeRateLimited is reported when an engagement exceeds its call budget.
const CodeRateLimited = "RATE_LIMITED"

var descriptions = map[string]string{
	tool.FSRead:          "Read a file from the engagement workspace. Text is returned as-is, other types base64 encoded.",
	tool.FSWrite:         "Write a file to the engagement workspace. Set encoding to base64 for binary content.",
	tool.FSList:          "List a directory of the engagement workspace.",
	tool.DocsFetch:       "Fetch a public http(s) document and optionally store it in the workspace.",
	tool.SearchVector:    "Semantic search over the engagement's indexed documents.",
	tool.JiraCreateIssue: "Create a Jira issue for the engagement.",
	tool.JiraGetIssue:    "Fetch a Jira issue by key.",
}

// Options configure the MCP surface.
type Options struct {
	Gateway *gateway.Gateway // required
	Limiter ratelimit.Limiter
	Version string
}

// Server wraps an mcp.Server bound to a gateway.
type Server struct {
	gw      *gateway.Gateway
	limiter ratelimit.Limiter
	mcp     *mcp.Server
	logger  *slog.Logger
}

// New creates the MCP server and registers one MCP tool per gateway tool.
func New(opts Options, logger *slog.Logger) *Server {
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		gw:      opts.Gateway,
		limiter: opts.Limiter,
		logger:  logger,
		mcp: mcp.NewServer(&mcp.Implementation{Name: "mcpgate", Version: version}, &mcp.ServerOptions{
			Instructions: "mcpgate runs every tool call through engagement-scoped security checks. " +
				"Pass engagement_id with every call; the response is a JSON object with success, " +
				"result, error_code and call_id.",
		}),
	}
	if s.limiter == nil {
		s.limiter = ratelimit.Unlimited{}
	}

	for _, name := range s.gw.Tools() {
		s.mcp.AddTool(&mcp.Tool{
			Name:        name,
			Description: describe(name),
			InputSchema: inputSchema(),
		}, s.handler(name))
	}
	logger.Debug("mcp tools registered", "tools", s.gw.Tools())
	return s
}

func describe(name string) string {
	if d, ok := descriptions[name]; ok {
		return d
	}
	return "Gateway tool " + name + "."
}

func inputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			ArgEngagementID: map[string]any{
				"type":        "string",
				"description": "Engagement (tenant) the call runs under",
			},
			ArgCallID: map[string]any{
				"type":        "string",
				"description": "Correlation id; generated when omitted",
			},
		},
		"additionalProperties": true,
	}
}

func (s *Server) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(gateway.CodeInvalidRequest, "arguments must be a JSON object"), nil
			}
		}
		engagementID, _ := args[ArgEngagementID].(string)
		callID, _ := args[ArgCallID].(string)
		delete(args, ArgEngagementID)
		delete(args, ArgCallID)

		if engagementID != "" {
			ok, err := s.limiter.Allow(ctx, engagementID)
			if err != nil {
				s.logger.Error("rate limiter unavailable", "engagement_id", engagementID, "error", err)
				return errorResult(gateway.CodeInternalError, gateway.InternalErrorMessage), nil
			}
			if !ok {
				s.logger.Warn("rate limited", "engagement_id", engagementID, "tool", name)
				return errorResult(CodeRateLimited, "rate limit exceeded for engagement"), nil
			}
		}

		resp := s.gw.Call(ctx, gateway.Request{
			Tool:         name,
			Payload:      args,
			EngagementID: engagementID,
			CallID:       callID,
		})
		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("encoding response", "call_id", resp.CallID, "error", err)
			return errorResult(gateway.CodeInternalError, gateway.InternalErrorMessage), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
			IsError: !resp.Success,
		}, nil
	}
}

func errorResult(code, msg string) *mcp.CallToolResult {
	data, _ := json.Marshal(map[string]any{"success": false, "error": msg, "error_code": code})
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: true,
	}
}

// MCP returns the underlying mcp.Server.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// Run serves a single session on t until the client disconnects or ctx is
// cancelled.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	return s.mcp.Run(ctx, t)
}

// ServeStdio serves on stdin/stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("mcp server starting on stdio", "tools", len(s.gw.Tools()))
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}
