package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/haasonsaas/nexus-agentcore/internal/observability"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// MCP transports.
const (
	MCPTransportStdio = "stdio"
	MCPTransportSSE   = "sse"
	MCPTransportHTTP  = "http"
)

// MCPServerConfig describes one MCP server whose tools become extensions.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Timeout   time.Duration     `yaml:"timeout,omitempty"`
}

// Validate checks the server definition.
func (c MCPServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("mcp server name is required")
	}
	switch c.Transport {
	case MCPTransportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp server %s: command is required for stdio", c.Name)
		}
	case MCPTransportSSE, MCPTransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("mcp server %s: url is required for %s", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("mcp server %s: unsupported transport %q", c.Name, c.Transport)
	}
	return nil
}

// mcpSession is the part of an MCP client the tools use.
type mcpSession interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPConnections owns the clients behind registered MCP tools.
type MCPConnections struct {
	mu       sync.Mutex
	sessions map[string]mcpSession
}

// Servers returns the names of connected servers.
func (m *MCPConnections) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	return names
}

// Close disconnects every server.
func (m *MCPConnections) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, s := range m.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mcp server %s: %w", name, err))
		}
	}
	m.sessions = make(map[string]mcpSession)
	return errors.Join(errs...)
}

// LoadMCPTools connects to each server, lists its tools and registers them as
// extensions named mcp_<server>_<tool>. A server that fails to connect is
// logged and skipped; it does not prevent the others from loading.
func LoadMCPTools(ctx context.Context, registry *Registry, servers []MCPServerConfig, logger *observability.Logger) *MCPConnections {
	if logger == nil {
		logger = observability.NopLogger()
	}
	conns := &MCPConnections{sessions: make(map[string]mcpSession)}
	for _, server := range servers {
		session, err := connectMCP(ctx, server)
		if err != nil {
			logger.Warn(ctx, "mcp server unavailable; its tools are not loaded", "server", server.Name, "error", err)
			continue
		}
		n, err := registerMCPTools(ctx, registry, server, session, logger)
		if err != nil {
			logger.Warn(ctx, "mcp tools/list failed", "server", server.Name, "error", err)
			_ = session.Close()
			continue
		}
		conns.mu.Lock()
		conns.sessions[server.Name] = session
		conns.mu.Unlock()
		logger.Info(ctx, "mcp server connected", "server", server.Name, "tools", n)
	}
	return conns
}

func connectMCP(ctx context.Context, def MCPServerConfig) (mcpSession, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var client *mcpclient.Client
	var err error
	switch def.Transport {
	case MCPTransportStdio:
		client, err = mcpclient.NewStdioMCPClient(def.Command, envMapToSlice(def.Env), def.Args...)
	case MCPTransportSSE:
		var opts []transport.ClientOption
		if len(def.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(def.Headers))
		}
		client, err = mcpclient.NewSSEMCPClient(def.URL, opts...)
	case MCPTransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(def.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(def.Headers))
		}
		client, err = mcpclient.NewStreamableHttpClient(def.URL, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	if def.Transport != MCPTransportStdio {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "nexus-agentcore",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return client, nil
}

func registerMCPTools(ctx context.Context, registry *Registry, server MCPServerConfig, session mcpSession, logger *observability.Logger) (int, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	listed, err := session.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, err
	}
	registered := 0
	for i := range listed.Tools {
		tool := newMCPTool(server, session, listed.Tools[i])
		if _, err := compileSchema(tool.Name(), tool.schema); err != nil {
			logger.Warn(ctx, "mcp tool schema does not compile; accepting any object",
				"server", server.Name,
				"tool", tool.remote,
				"error", err,
			)
			tool.schema = json.RawMessage(`{"type":"object"}`)
		}
		if registry.RegisterExtension(tool) {
			registered++
		}
	}
	return registered, nil
}

// MCPTool proxies a tool served by an MCP server.
type MCPTool struct {
	name        string
	remote      string
	server      string
	description string
	schema      json.RawMessage
	session     mcpSession
	timeout     time.Duration
}

func newMCPTool(server MCPServerConfig, session mcpSession, def mcp.Tool) *MCPTool {
	schema := def.RawInputSchema
	if len(schema) == 0 {
		if encoded, err := json.Marshal(def.InputSchema); err == nil {
			schema = encoded
		}
	}
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	description := def.Description
	if description == "" {
		description = fmt.Sprintf("%s (from MCP server %s)", def.Name, server.Name)
	}
	return &MCPTool{
		name:        MCPToolName(server.Name, def.Name),
		remote:      def.Name,
		server:      server.Name,
		description: description,
		schema:      schema,
		session:     session,
		timeout:     server.Timeout,
	}
}

// Name returns the registry name.
func (t *MCPTool) Name() string { return t.name }

// Description returns the server-provided description.
func (t *MCPTool) Description() string { return t.description }

// Schema returns the server-provided input schema.
func (t *MCPTool) Schema() json.RawMessage { return t.schema }

// Execute calls the tool on its server.
func (t *MCPTool) Execute(ctx context.Context, args json.RawMessage, _ *CallContext) (*Result, error) {
	var arguments map[string]any
	if err := json.Unmarshal(args, &arguments); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.remote
	req.Params.Arguments = arguments
	res, err := t.session.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp %s/%s: %w", t.server, t.remote, err)
	}

	var text []string
	var attachments []models.Attachment
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			text = append(text, tc.Text)
			continue
		}
		if ic, ok := mcp.AsImageContent(content); ok {
			data, err := base64.StdEncoding.DecodeString(ic.Data)
			if err != nil {
				continue
			}
			attachments = append(attachments, models.Attachment{
				ID:       fmt.Sprintf("%s-%d", t.name, len(attachments)),
				Type:     "image",
				MimeType: ic.MIMEType,
				Data:     data,
			})
		}
	}
	output := strings.Join(text, "\n")
	if res.IsError {
		if output == "" {
			output = "tool reported an error"
		}
		return nil, errors.New(output)
	}
	return &Result{
		Title:       t.remote,
		Output:      output,
		Metadata:    map[string]any{"server": t.server, "tool": t.remote},
		Attachments: attachments,
	}, nil
}

// envMapToSlice converts a map to the KEY=VALUE slice format expected by exec.Cmd.
func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
