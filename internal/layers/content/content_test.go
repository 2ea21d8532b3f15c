package content

import (
	"testing"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

func TestLayer_Validate(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		serialized string
		wantPassed bool
	}{
		{
			name:       "benign echo",
			method:     "tools/call",
			serialized: `tools/call{"name":"debug-echo","arguments":{"text":"hello"}}`,
			wantPassed: true,
		},
		{
			name:       "triple url encoded path traversal",
			method:     "tools/call",
			serialized: `tools/call{"name":"debug-file-reader","arguments":{"path":"%252e%252e%252f%252e%252e%252fetc%252fpasswd"}}`,
			wantPassed: false,
		},
		{
			name:       "sql injection",
			method:     "tools/call",
			serialized: `tools/call{"query":"1 UNION SELECT password FROM users"}`,
			wantPassed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layer := New()
			msg := &valtypes.Message{Method: tt.method}
			ctx := &valtypes.ValidationContext{}
			res := layer.Validate(msg, ctx, tt.serialized)
			if res.Passed != tt.wantPassed {
				t.Fatalf("Validate().Passed = %v, want %v (reason=%s)", res.Passed, tt.wantPassed, res.Reason)
			}
			if !ctx.HasCanonical {
				t.Error("expected context.Canonical to be populated")
			}
		})
	}
}

func TestLayer_NilMessage(t *testing.T) {
	layer := New()
	ctx := &valtypes.ValidationContext{}
	res := layer.Validate(nil, ctx, "")
	if res.Passed {
		t.Fatal("expected nil message to fail")
	}
	if res.Severity != valtypes.SeverityCritical {
		t.Errorf("expected CRITICAL severity, got %v", res.Severity)
	}
}

func TestLayer_CacheReused(t *testing.T) {
	layer := New()
	msg := &valtypes.Message{Method: "tools/call"}
	ctx1 := &valtypes.ValidationContext{}
	ctx2 := &valtypes.ValidationContext{}

	layer.Validate(msg, ctx1, "tools/call{}")
	layer.Validate(msg, ctx2, "tools/call{}")

	if ctx1.Canonical != ctx2.Canonical {
		t.Errorf("expected memoized canonical form to be identical across calls")
	}
}
