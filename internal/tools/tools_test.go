package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/tether/internal/orchestrator"
	"github.com/HyphaGroup/tether/internal/protocol"
)

func protocolCall(id, name, args string) protocol.ToolCall {
	return protocol.ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

func TestToastHandler(t *testing.T) {
	var got []Notification
	sink := ToastSinkFunc(func(_ context.Context, n Notification) error {
		got = append(got, n)
		return nil
	})
	h := NewToastHandler(sink)

	out, err := h.Handle(context.Background(), orchestrator.Call{
		ID:    "t1",
		Name:  Toast,
		Input: json.RawMessage(`{"message":"saved"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"message":"Toast displayed successfully"}`, string(out))
	require.Len(t, got, 1)
	assert.Equal(t, Notification{Message: "saved", Type: ToastInfo}, got[0])

	_, err = h.Handle(context.Background(), orchestrator.Call{Input: json.RawMessage(`{}`)})
	assert.Error(t, err)

	failing := NewToastHandler(ToastSinkFunc(func(context.Context, Notification) error {
		return errors.New("no display")
	}))
	_, err = failing.Handle(context.Background(), orchestrator.Call{Input: json.RawMessage(`{"message":"x"}`)})
	assert.ErrorContains(t, err, "no display")
}

func TestRegisterBuiltins_ValidatesToastInput(t *testing.T) {
	reg := orchestrator.NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, ToastSinkFunc(func(context.Context, Notification) error { return nil })))
	assert.Equal(t, []string{Toast}, reg.Names())
	require.NotNil(t, reg.Schema(Toast))

	results := make(chan bool, 1)
	o := orchestrator.New(reg, orchestrator.OnComplete(func(_ string, _ json.RawMessage, success bool, _ string) {
		results <- success
	}))
	defer o.Close(context.Background())

	require.NoError(t, o.Observe(protocolCall("bad", Toast, `{"message":"hi","type":"loud"}`)))
	assert.False(t, <-results)

	require.NoError(t, o.Observe(protocolCall("good", Toast, `{"message":"hi","type":"warning"}`)))
	assert.True(t, <-results)
}

func TestBuiltinSchemasResolve(t *testing.T) {
	for name, schema := range map[string]func() any{
		ApprovalRequest: func() any { return ApprovalRequestSchema() },
		Toast:           func() any { return ToastSchema() },
	} {
		t.Run(name, func(t *testing.T) {
			raw, err := json.Marshal(schema())
			require.NoError(t, err)
			assert.Contains(t, string(raw), `"required"`)
		})
	}

	resolved, err := ApprovalRequestSchema().Resolve(nil)
	require.NoError(t, err)
	assert.NoError(t, resolved.Validate(map[string]any{"reason": "deploy to prod"}))
	assert.Error(t, resolved.Validate(map[string]any{"tool_calls": []any{}}))
}

func newMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "test", Version: "0.0.1"}, nil)

	server.AddTool(&mcp.Tool{
		Name:        "echo",
		Description: "echo arguments",
		InputSchema: map[string]any{"type": "object"},
	}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(req.Params.Arguments)}},
		}, nil
	})
	server.AddTool(&mcp.Tool{
		Name:        "greet",
		InputSchema: map[string]any{"type": "object"},
	}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "hello"}}}, nil
	})
	server.AddTool(&mcp.Tool{
		Name:        "broken",
		InputSchema: map[string]any{"type": "object"},
	}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "database offline"}},
		}, nil
	})

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestMCPHandler(t *testing.T) {
	ts := newMCPServer(t)
	h := NewMCPHandler("test", ts.URL, WithHeaders(map[string]string{"Authorization": "Bearer x"}))
	t.Cleanup(func() { _ = h.Close() })
	ctx := context.Background()

	names, err := h.Tools(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"echo", "greet", "broken"}, names)

	out, err := h.Handle(ctx, orchestrator.Call{Name: "echo", Input: json.RawMessage(`{"q":"x"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"q":"x"}`, string(out))

	out, err = h.Handle(ctx, orchestrator.Call{Name: "greet"})
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, string(out))

	_, err = h.Handle(ctx, orchestrator.Call{Name: "broken", Input: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrToolFailed)
	assert.ErrorContains(t, err, "database offline")
}

func TestRegisterMCP(t *testing.T) {
	ts := newMCPServer(t)
	h := NewMCPHandler("test", ts.URL)
	t.Cleanup(func() { _ = h.Close() })

	reg := orchestrator.NewRegistry()
	require.NoError(t, reg.Register("greet", NewToastHandler(nil)))

	registered, err := RegisterMCP(context.Background(), reg, h, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"echo", "broken"}, registered)
	assert.Equal(t, []string{"broken", "echo", "greet"}, reg.Names())

	only, err := RegisterMCP(context.Background(), orchestrator.NewRegistry(), h, []string{"echo"})
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, only)
}
