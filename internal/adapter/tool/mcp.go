package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"equitylens/internal/domain"
	"equitylens/internal/infra/config"
)

// mcpCallTimeout is the default per-call timeout for MCP tool execution.
const mcpCallTimeout = 30 * time.Second

// mcpClient abstracts the MCP client interface for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type mcpServerConn struct {
	name   string
	client mcpClient
	tools  map[string]mcp.Tool // tool name -> definition
}

// MCPProvider connects to one or more MCP servers and exposes their tools
// as a single provider surface. Tool names are kept as the servers
// advertise them; a name collision across servers resolves to the server
// listed first.
type MCPProvider struct {
	servers   []config.MCPServer
	logger    *slog.Logger
	mu        sync.RWMutex
	conns     []mcpServerConn
	schemas   []domain.ToolSchema
	connected bool
}

// NewMCPProvider creates a provider for the configured servers.
// Connections are established by Connect, not here.
func NewMCPProvider(servers []config.MCPServer, logger *slog.Logger) *MCPProvider {
	return &MCPProvider{
		servers: servers,
		logger:  logger,
	}
}

// Name implements domain.ToolProvider.
func (p *MCPProvider) Name() string { return "mcp" }

// Connect implements domain.ToolProvider. It connects every configured
// server and discovers tools. Discovery failure on one server is logged
// and skipped; Connect fails only when every server is unreachable.
func (p *MCPProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}

	var errs []string
	for _, srv := range p.servers {
		conn, err := p.connectServer(ctx, srv)
		if err != nil {
			p.logger.Warn("mcp server connection failed, skipping",
				"server", srv.Name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", srv.Name, err))
			continue
		}
		p.conns = append(p.conns, *conn)
	}

	if len(p.conns) == 0 && len(errs) > 0 {
		return domain.NewDomainError("MCPProvider.Connect", domain.ErrToolHostConnection,
			strings.Join(errs, "; "))
	}

	p.rebuildSchemas()
	p.connected = true
	return nil
}

// newMCPProviderWithConns builds a provider around pre-built clients (for testing).
func newMCPProviderWithConns(conns []mcpServerConn, logger *slog.Logger) *MCPProvider {
	p := &MCPProvider{logger: logger, conns: conns, connected: true}
	p.rebuildSchemas()
	return p
}

func (p *MCPProvider) connectServer(ctx context.Context, srv config.MCPServer) (*mcpServerConn, error) {
	var c mcpClient
	var err error

	switch srv.Transport {
	case "stdio":
		env := envSlice(srv.Env)
		c, err = mcpclient.NewStdioMCPClient(srv.Command, env, srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
	case "http":
		t, tErr := transport.NewStreamableHTTP(srv.URL)
		if tErr != nil {
			return nil, fmt.Errorf("create http transport: %w", tErr)
		}
		httpClient := mcpclient.NewClient(t)
		if err = httpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = httpClient
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "equitylens",
		Version: "1.0.0",
	}

	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err = ic.Initialize(ctx, initReq); err != nil {
			c.Close()
			return nil, domain.WrapOp("initialize", err)
		}
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, domain.WrapOp("list tools", err)
	}

	tools := make(map[string]mcp.Tool, len(listed.Tools))
	for _, t := range listed.Tools {
		tools[t.Name] = t
	}

	p.logger.Info("mcp server connected",
		"server", srv.Name, "transport", srv.Transport, "tools", len(tools))

	return &mcpServerConn{name: srv.Name, client: c, tools: tools}, nil
}

// rebuildSchemas flattens the per-server tool maps into the advertised set.
// Caller holds p.mu.
func (p *MCPProvider) rebuildSchemas() {
	seen := map[string]bool{}
	p.schemas = p.schemas[:0]
	for _, conn := range p.conns {
		for name, t := range conn.tools {
			if seen[name] {
				continue
			}
			seen[name] = true

			params := json.RawMessage(`{"type": "object"}`)
			if t.InputSchema.Properties != nil || t.InputSchema.Required != nil {
				if data, err := json.Marshal(t.InputSchema); err == nil {
					params = data
				}
			}
			desc := t.Description
			if desc == "" {
				desc = fmt.Sprintf("MCP tool %q from server %q", name, conn.name)
			}
			p.schemas = append(p.schemas, domain.ToolSchema{
				Name:        name,
				Description: desc,
				Parameters:  params,
			})
		}
	}
}

// Schemas implements domain.ToolProvider.
func (p *MCPProvider) Schemas() []domain.ToolSchema {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.ToolSchema, len(p.schemas))
	copy(out, p.schemas)
	return out
}

// Owns implements domain.ToolProvider.
func (p *MCPProvider) Owns(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, conn := range p.conns {
		if _, ok := conn.tools[name]; ok {
			return true
		}
	}
	return false
}

// Invoke implements domain.ToolProvider.
func (p *MCPProvider) Invoke(ctx context.Context, name string, args map[string]any) string {
	p.mu.RLock()
	var target *mcpServerConn
	for i := range p.conns {
		if _, ok := p.conns[i].tools[name]; ok {
			target = &p.conns[i]
			break
		}
	}
	p.mu.RUnlock()

	if target == nil {
		return fmt.Sprintf("Error: Tool %s not found on any connected MCP server", name)
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = name
	callReq.Params.Arguments = args

	p.logger.Debug("mcp tool call", "server", target.name, "tool", name)

	callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
	defer cancel()

	result, err := target.client.CallTool(callCtx, callReq)
	if err != nil {
		return fmt.Sprintf("Error: MCP tool %s failed: %v", name, err)
	}

	content := extractMCPContent(result)
	if result.IsError {
		if content == "" {
			content = "tool reported an error"
		}
		return "Error: " + content
	}
	return content
}

// Cleanup implements domain.ToolProvider. Close failures are logged and
// swallowed; teardown must not abort the session wind-down.
func (p *MCPProvider) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conn := range p.conns {
		if err := conn.client.Close(); err != nil {
			p.logger.Warn("mcp server close error", "server", conn.name, "error", err)
		}
	}
	p.conns = nil
	p.schemas = nil
	p.connected = false
}

// extractMCPContent converts MCP CallToolResult content to a string.
func extractMCPContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			// Non-text content is passed through as JSON.
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// envSlice converts a map of env vars to KEY=VALUE slices.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}

// Compile-time interface check.
var _ domain.ToolProvider = (*MCPProvider)(nil)
