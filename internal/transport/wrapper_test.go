package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/layers/behavior"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/content"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/semantic"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/structure"
	"github.com/thearchitectit/guardrail-mcp/internal/pipeline"
	"github.com/thearchitectit/guardrail-mcp/internal/policy"
	"github.com/thearchitectit/guardrail-mcp/internal/quota"
	"github.com/thearchitectit/guardrail-mcp/internal/sanitizer"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

func newTestWrapper(t *testing.T) *Wrapper {
	t.Helper()
	reg := policy.NewRegistry()
	reg.SetMethodSpec(valtypes.MethodSpec{
		"tools/call": {Required: []string{"name"}, Optional: []string{"arguments"}},
		"tools/list": {},
	})
	reg.SetTool(valtypes.ToolSpec{Name: "debug-echo"})

	p := pipeline.New(
		structure.New(nil),
		content.New(),
		behavior.New(120, 3000, 8),
		semantic.New(reg, quota.NewMemoryProvider(0), nil, false),
	)
	return New(p, sanitizer.New(false))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/cancelled"}`, false},
		{"response with result", `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, true},
		{"response with error", `{"jsonrpc":"2.0","id":1,"error":{"code":-1,"message":"x"}}`, true},
		{"malformed", `not json`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify([]byte(tc.raw)); got != tc.want {
				t.Errorf("Classify(%s) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestHandleInboundForwardsResponse(t *testing.T) {
	w := newTestWrapper(t)
	raw := []byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)
	ctx := &valtypes.ValidationContext{Timestamp: time.Now()}

	action, out := w.HandleInbound(raw, ctx)
	if action != ActionForward {
		t.Fatalf("action = %v, want ActionForward", action)
	}
	if string(out) != string(raw) {
		t.Errorf("response payload was mutated: got %s", out)
	}
}

func TestHandleInboundForwardsValidRequest(t *testing.T) {
	w := newTestWrapper(t)
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	ctx := &valtypes.ValidationContext{Timestamp: time.Now(), SessionID: "s1"}

	action, _ := w.HandleInbound(raw, ctx)
	if action != ActionForward {
		t.Fatalf("action = %v, want ActionForward", action)
	}
}

func TestHandleInboundRejectsBadRequest(t *testing.T) {
	w := newTestWrapper(t)
	raw := []byte(`{"jsonrpc":"1.0","id":1,"method":"tools/list"}`)
	ctx := &valtypes.ValidationContext{Timestamp: time.Now(), SessionID: "s2"}

	action, out := w.HandleInbound(raw, ctx)
	if action != ActionRespond {
		t.Fatalf("action = %v, want ActionRespond", action)
	}
	var resp sanitizer.ErrorResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("output is not a valid JSON-RPC error: %v", err)
	}
	if resp.Error.Code == 0 {
		t.Errorf("expected a non-zero JSON-RPC error code")
	}
}

func TestHandleInboundDropsBadNotification(t *testing.T) {
	w := newTestWrapper(t)
	raw := []byte(`{"jsonrpc":"1.0","method":"notifications/cancelled"}`)
	ctx := &valtypes.ValidationContext{Timestamp: time.Now(), SessionID: "s3"}

	action, out := w.HandleInbound(raw, ctx)
	if action != ActionDrop {
		t.Fatalf("action = %v, want ActionDrop", action)
	}
	if out != nil {
		t.Errorf("dropped notification should produce no output")
	}
}

func TestHandleOutboundForwardsCleanResponse(t *testing.T) {
	w := newTestWrapper(t)
	request := &valtypes.Message{Method: "tools/call", ID: float64(1), HasID: true}
	ctx := &valtypes.ValidationContext{Timestamp: time.Now()}

	action, out := w.HandleOutbound(map[string]interface{}{"ok": true}, request, ctx)
	if action != ActionForward {
		t.Fatalf("action = %v, want ActionForward", action)
	}
	if len(out) == 0 {
		t.Errorf("expected marshaled output")
	}
}
