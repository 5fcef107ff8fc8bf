// Package backend serves gateway tools from backend MCP servers. A backend
// is connected once at startup and each mapped tool becomes a
// tool.Handler that forwards the payload and the engagement id.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oktsec/mcpgate/internal/config"
	"github.com/oktsec/mcpgate/internal/tool"
)

// EngagementArg is the argument name carrying the engagement id to the
// backend.
const EngagementArg = "engagement_id"

// MCPSession is the subset of mcp.ClientSession methods used by Backend.
// Extracted as an interface for testing.
type MCPSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// Backend wraps a single backend MCP server connection.
type Backend struct {
	Name    string
	Config  config.BackendConfig
	Tools   []*mcp.Tool
	session MCPSession
	logger  *slog.Logger
}

// New creates a backend that will connect to the given MCP server.
func New(name string, cfg config.BackendConfig, logger *slog.Logger) *Backend {
	return &Backend{
		Name:   name,
		Config: cfg,
		logger: logger,
	}
}

// NewWithSession creates a backend with a pre-connected session (for testing).
func NewWithSession(name string, cfg config.BackendConfig, s MCPSession, logger *slog.Logger) *Backend {
	return &Backend{
		Name:    name,
		Config:  cfg,
		session: s,
		logger:  logger,
	}
}

// Connect starts the transport, initializes the MCP protocol, and discovers
// tools. Every mapped remote tool must exist on the backend.
func (b *Backend) Connect(ctx context.Context) error {
	if b.session == nil {
		s, err := b.createSession(ctx)
		if err != nil {
			return fmt.Errorf("backend %s: creating session: %w", b.Name, err)
		}
		b.session = s
	}

	result, err := b.session.ListTools(ctx, nil)
	if err != nil {
		return fmt.Errorf("backend %s: list tools: %w", b.Name, err)
	}
	b.Tools = result.Tools

	for gatewayName, remote := range b.Config.Tools {
		if !b.hasTool(remote) {
			return fmt.Errorf("backend %s: tool %s (for %s) not offered", b.Name, remote, gatewayName)
		}
	}
	b.logger.Info("backend connected", "name", b.Name, "tools", len(b.Tools))
	return nil
}

func (b *Backend) hasTool(name string) bool {
	for _, t := range b.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Register adds a handler for every mapped tool to r.
func (b *Backend) Register(r *tool.Registry) error {
	for gatewayName, remote := range b.Config.Tools {
		if err := r.Register(gatewayName, b.Handler(remote)); err != nil {
			return fmt.Errorf("backend %s: %w", b.Name, err)
		}
	}
	return nil
}

// Handler returns a tool.Handler forwarding to the remote tool.
func (b *Backend) Handler(remote string) tool.Handler {
	return tool.HandlerFunc(func(ctx context.Context, payload map[string]any, engagementID string) (*tool.Result, error) {
		args := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			args[k] = v
		}
		args[EngagementArg] = engagementID

		res, err := b.session.CallTool(ctx, &mcp.CallToolParams{Name: remote, Arguments: args})
		if err != nil {
			return nil, fmt.Errorf("backend %s: calling %s: %w", b.Name, remote, err)
		}
		text := resultText(res)
		if res.IsError {
			return tool.Fail(tool.CodeUpstream, text), nil
		}
		return tool.OK(decodeResult(res, text)), nil
	})
}

// Close shuts down the backend connection.
func (b *Backend) Close() error {
	if b.session != nil {
		return b.session.Close()
	}
	return nil
}

// createSession builds the appropriate transport and connects to the backend.
func (b *Backend) createSession(ctx context.Context) (MCPSession, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "mcpgate",
		Version: "0.1.0",
	}, nil)

	var transport mcp.Transport
	switch b.Config.Transport {
	case "stdio":
		cmd := exec.CommandContext(ctx, b.Config.Command, b.Config.Args...)
		cmd.Env = os.Environ()
		for k, v := range b.Config.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcp.CommandTransport{Command: cmd}

	case "http":
		transport = &mcp.StreamableClientTransport{Endpoint: b.Config.URL}

	default:
		return nil, fmt.Errorf("unsupported transport: %s", b.Config.Transport)
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return session, nil
}

// resultText joins the text content of a tool result.
func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// decodeResult prefers structured content, then a JSON object in the text,
// then the raw text.
func decodeResult(res *mcp.CallToolResult, text string) map[string]any {
	if res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			var m map[string]any
			if json.Unmarshal(b, &m) == nil {
				return m
			}
		}
	}
	var m map[string]any
	if json.Unmarshal([]byte(text), &m) == nil && m != nil {
		return m
	}
	return map[string]any{"text": text}
}
