package structure

import (
	"testing"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

func TestLayer_Validate(t *testing.T) {
	layer := New(nil)

	tests := []struct {
		name          string
		raw           string
		wantPassed    bool
		wantViolation valtypes.ViolationType
	}{
		{
			name:       "benign tool call",
			raw:        `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"debug-echo","arguments":{"text":"hello"}}}`,
			wantPassed: true,
		},
		{
			name:          "missing jsonrpc version",
			raw:           `{"method":"tools/call","id":"abc","params":{"name":"debug-echo"}}`,
			wantPassed:    false,
			wantViolation: valtypes.ViolationInvalidProtocol,
		},
		{
			name:          "method too long",
			raw:           `{"jsonrpc":"2.0","method":"` + longMethod() + `","id":1}`,
			wantPassed:    false,
			wantViolation: valtypes.ViolationInvalidMethod,
		},
		{
			name:          "missing required tool call param",
			raw:           `{"jsonrpc":"2.0","method":"resources/read","id":1,"params":{}}`,
			wantPassed:    false,
			wantViolation: valtypes.ViolationMissingRequiredParam,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseMessage() error = %v", err)
			}
			res := layer.Validate(msg, []byte(tt.raw))
			if res.Passed != tt.wantPassed {
				t.Fatalf("Validate().Passed = %v, want %v (reason=%s)", res.Passed, tt.wantPassed, res.Reason)
			}
			if !tt.wantPassed && res.ViolationType != tt.wantViolation {
				t.Errorf("Validate().ViolationType = %v, want %v", res.ViolationType, tt.wantViolation)
			}
		})
	}
}

func longMethod() string {
	b := make([]byte, 101)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func TestLayer_ExactlyAtMethodLengthBoundary(t *testing.T) {
	layer := New(nil)
	b := make([]byte, 100)
	for i := range b {
		b[i] = 'a'
	}
	raw := `{"jsonrpc":"2.0","method":"` + string(b) + `","id":1}`
	msg, err := ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	res := layer.Validate(msg, []byte(raw))
	if !res.Passed {
		t.Errorf("100-char method should pass, got %v: %s", res.Passed, res.Reason)
	}
}
