package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/thearchitectit/guardrail-mcp/internal/sanitizer"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := SecureMcpServer(ServerInfo{Name: "test-server", Version: "0.0.0"},
		WithToolRegistry(valtypes.ToolSpec{Name: "echo", SideEffects: valtypes.SideEffectNone}),
		WithRateLimits(120, 3000),
		WithBurstThreshold(8),
	)
	s.RegisterTool(
		valtypes.ToolSpec{Name: "echo", SideEffects: valtypes.SideEffectNone},
		mcp.Tool{Name: "echo", Description: "echoes its input"},
		func(ctx context.Context, name string, arguments map[string]interface{}) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{Content: []interface{}{mcp.TextContent{Type: "text", Text: "ok"}}}, nil
		},
	)
	return s
}

func TestHandleMessageDispatchesValidCall(t *testing.T) {
	s := newTestServer(t)
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	ctx := &valtypes.ValidationContext{SessionID: "sess-1"}

	out := s.HandleMessage(context.Background(), raw, ctx)
	if out == nil {
		t.Fatalf("expected a response body, got nil")
	}
	if !json.Valid(out) {
		t.Fatalf("response is not valid JSON: %s", out)
	}
}

func TestHandleMessageRejectsUnknownTool(t *testing.T) {
	s := newTestServer(t)
	raw := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"not-registered","arguments":{}}}`)
	ctx := &valtypes.ValidationContext{SessionID: "sess-2"}

	out := s.HandleMessage(context.Background(), raw, ctx)
	var resp sanitizer.ErrorResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("expected a sanitized JSON-RPC error, got: %s", out)
	}
	if resp.Error.Code == 0 {
		t.Errorf("expected a non-zero JSON-RPC error code")
	}
}

func TestHandleMessageDropsInvalidNotification(t *testing.T) {
	s := newTestServer(t)
	raw := []byte(`{"jsonrpc":"1.0","method":"notifications/cancelled"}`)
	ctx := &valtypes.ValidationContext{SessionID: "sess-3"}

	out := s.HandleMessage(context.Background(), raw, ctx)
	if out != nil {
		t.Errorf("expected a dropped notification to produce no output, got %s", out)
	}
}

func TestHandleMessageForwardsOutboundResponse(t *testing.T) {
	s := newTestServer(t)
	raw := []byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`)
	ctx := &valtypes.ValidationContext{SessionID: "sess-4"}

	out := s.HandleMessage(context.Background(), raw, ctx)
	if string(out) != string(raw) {
		t.Errorf("response payload should be forwarded verbatim, got %s", out)
	}
}

func TestShutdownSweepsBehaviorAndQuota(t *testing.T) {
	s := newTestServer(t)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestRegistryExposesConfiguredTools(t *testing.T) {
	s := newTestServer(t)
	if _, ok := s.Registry().Tool("echo"); !ok {
		t.Errorf("expected the echo tool to be registered on the semantic registry")
	}
}
