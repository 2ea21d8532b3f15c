package catalog

import (
	"testing"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

func TestScan(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		wantMatch     bool
		wantViolation valtypes.ViolationType
	}{
		{
			name:          "benign text",
			input:         "hello world, please summarize this document",
			wantMatch:     false,
			wantViolation: valtypes.ViolationNone,
		},
		{
			name:          "union select sql injection",
			input:         "1 UNION SELECT username, password FROM users",
			wantMatch:     true,
			wantViolation: valtypes.ViolationSQLInjection,
		},
		{
			name:          "path traversal",
			input:         "../../../etc/passwd",
			wantMatch:     true,
			wantViolation: valtypes.ViolationPathTraversal,
		},
		{
			name:          "cloud metadata ssrf",
			input:         "http://169.254.169.254/latest/meta-data/iam/security-credentials/",
			wantMatch:     true,
			wantViolation: valtypes.ViolationSSRFAttempt,
		},
		{
			name:          "script tag xss",
			input:         "<script>alert(document.cookie)</script>",
			wantMatch:     true,
			wantViolation: valtypes.ViolationXSSAttempt,
		},
		{
			name:          "command chaining",
			input:         "list files; rm -rf /",
			wantMatch:     true,
			wantViolation: valtypes.ViolationCommandInjection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := Scan(tt.input)
			if ok != tt.wantMatch {
				t.Fatalf("Scan() matched = %v, want %v", ok, tt.wantMatch)
			}
			if ok && m.ViolationType != tt.wantViolation {
				t.Errorf("Scan() violationType = %v, want %v", m.ViolationType, tt.wantViolation)
			}
		})
	}
}

func TestSafeMatch(t *testing.T) {
	tests := []struct {
		name      string
		pattern   string
		input     string
		wantMatch bool
		wantErr   bool
	}{
		{name: "simple match", pattern: `rm -rf`, input: "rm -rf /", wantMatch: true},
		{name: "no match", pattern: `rm -rf`, input: "ls -la", wantMatch: false},
		{name: "case insensitive", pattern: `(?i)SELECT.*FROM`, input: "select * from users", wantMatch: true},
		{name: "invalid pattern returns no match no error", pattern: `[invalid(`, input: "test", wantMatch: false, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeMatch(tt.pattern, tt.input, 100*time.Millisecond)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SafeMatch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.wantMatch {
				t.Errorf("SafeMatch() = %v, want %v", got, tt.wantMatch)
			}
		})
	}
}

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{name: "simple safe pattern", pattern: `rm\s+-rf`, wantErr: false},
		{name: "dangerous nested quantifier", pattern: `(a+)+b`, wantErr: false},
		{name: "double brace quantifier", pattern: `a{1,2}{3,4}`, wantErr: true},
		{name: "double star plus", pattern: `a*+b`, wantErr: true},
		{name: "too long", pattern: string(make([]byte, 10001)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePattern(tt.pattern)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePattern(%q) error = %v, wantErr %v", tt.pattern, err, tt.wantErr)
			}
		})
	}
}

func TestScanDataURIs(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantMatch bool
	}{
		{name: "benign png", input: "data:image/png;base64,iVBORw0KGgo=", wantMatch: false},
		{name: "disallowed javascript mime", input: "data:application/javascript,alert(1)", wantMatch: true},
		{name: "disallowed html mime", input: "data:text/html,<h1>hi</h1>", wantMatch: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ScanDataURIs(tt.input)
			if ok != tt.wantMatch {
				t.Errorf("ScanDataURIs() matched = %v, want %v", ok, tt.wantMatch)
			}
		})
	}
}

func TestScanCSS(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantMatch bool
	}{
		{name: "benign css", input: "body { color: red; }", wantMatch: false},
		{name: "css expression", input: "width: expression(alert(1))", wantMatch: true},
		{name: "css url javascript", input: "background: url(javascript:alert(1))", wantMatch: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ScanCSS(tt.input)
			if ok != tt.wantMatch {
				t.Errorf("ScanCSS() matched = %v, want %v", ok, tt.wantMatch)
			}
		})
	}
}
