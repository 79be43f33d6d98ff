package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/orchestrator"
)

// ErrToolFailed wraps an error result reported by a remote MCP tool
var ErrToolFailed = errors.New("remote tool failed")

// MCPHandler forwards tool calls to a remote MCP server over the
// streamable HTTP transport. The session is opened on first use.
type MCPHandler struct {
	name     string
	endpoint string
	headers  map[string]string
	client   *mcp.Client

	mu      sync.Mutex
	session *mcp.ClientSession
}

// MCPOption configures an MCPHandler
type MCPOption func(*MCPHandler)

// WithHeaders adds headers to every request, e.g. Authorization
func WithHeaders(headers map[string]string) MCPOption {
	return func(h *MCPHandler) {
		for k, v := range headers {
			h.headers[k] = v
		}
	}
}

// NewMCPHandler creates a handler for the MCP server at endpoint
func NewMCPHandler(name, endpoint string, opts ...MCPOption) *MCPHandler {
	h := &MCPHandler{
		name:     name,
		endpoint: endpoint,
		headers:  make(map[string]string),
		client: mcp.NewClient(&mcp.Implementation{
			Name:    "tether",
			Version: "0.1.0",
		}, nil),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// headerTransport adds fixed headers to each request
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func (h *MCPHandler) connect(ctx context.Context) (*mcp.ClientSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.session != nil {
		return h.session, nil
	}

	httpClient := &http.Client{}
	if len(h.headers) > 0 {
		httpClient.Transport = &headerTransport{base: http.DefaultTransport, headers: h.headers}
	}

	session, err := h.client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   h.endpoint,
		HTTPClient: httpClient,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", h.name, err)
	}
	h.session = session
	return session, nil
}

// reset drops a session after a transport failure so the next call reconnects
func (h *MCPHandler) reset(session *mcp.ClientSession) {
	h.mu.Lock()
	if h.session == session {
		h.session = nil
	}
	h.mu.Unlock()
	_ = session.Close()
}

// Tools lists the tool names the remote server exposes
func (h *MCPHandler) Tools(ctx context.Context) ([]string, error) {
	session, err := h.connect(ctx)
	if err != nil {
		return nil, err
	}

	result, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		h.reset(session)
		return nil, fmt.Errorf("failed to list tools on %s: %w", h.name, err)
	}

	names := make([]string, 0, len(result.Tools))
	for _, t := range result.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}

// Handle implements orchestrator.Handler
func (h *MCPHandler) Handle(ctx context.Context, call orchestrator.Call) (json.RawMessage, error) {
	session, err := h.connect(ctx)
	if err != nil {
		return nil, err
	}

	var args any = map[string]any{}
	if len(call.Input) > 0 && string(call.Input) != "null" {
		args = call.Input
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      call.Name,
		Arguments: args,
	})
	if err != nil {
		h.reset(session)
		return nil, fmt.Errorf("failed to call %s on %s: %w", call.Name, h.name, err)
	}

	text := contentText(result.Content)
	if result.IsError {
		return nil, fmt.Errorf("%w: %s", ErrToolFailed, text)
	}
	if result.StructuredContent != nil {
		return json.Marshal(result.StructuredContent)
	}
	if json.Valid([]byte(text)) && strings.TrimSpace(text) != "" {
		return json.RawMessage(text), nil
	}
	return json.Marshal(text)
}

// Close ends the MCP session
func (h *MCPHandler) Close() error {
	h.mu.Lock()
	session := h.session
	h.session = nil
	h.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// RegisterMCP registers h for each tool the remote server exposes, or only
// for allow when it is non-empty. Tools already registered locally win.
func RegisterMCP(ctx context.Context, reg *orchestrator.Registry, h *MCPHandler, allow []string) ([]string, error) {
	names := allow
	if len(names) == 0 {
		var err error
		names, err = h.Tools(ctx)
		if err != nil {
			return nil, err
		}
	}

	var registered []string
	for _, name := range names {
		if _, exists := reg.Lookup(name); exists {
			logger.Slog().Warn("mcp tool shadowed by local handler", "tool", name, "server", h.name)
			continue
		}
		if err := reg.Register(name, h); err != nil {
			return registered, fmt.Errorf("failed to register %s: %w", name, err)
		}
		registered = append(registered, name)
	}
	return registered, nil
}
