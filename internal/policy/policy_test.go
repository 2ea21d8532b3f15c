package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

func TestRegistry_LoadDir(t *testing.T) {
	dir := t.TempDir()

	mustWrite(t, filepath.Join(dir, "tools.yaml"), `
tools:
  - name: debug-echo
    sideEffects: none
    maxArgsSize: 1024
    quotaPerMinute: 60
    args:
      text:
        type: string
        optional: false
`)
	mustWrite(t, filepath.Join(dir, "resources.yaml"), `
allowedSchemes: ["file", "https"]
allowedHosts: ["example.com"]
rootDirs: ["/data"]
maxPathLength: 512
maxUriLength: 2048
maxReadBytes: 1048576
`)
	mustWrite(t, filepath.Join(dir, "methods.yaml"), `
methods:
  tools/call:
    required: ["name"]
    optional: ["arguments"]
`)
	mustWrite(t, filepath.Join(dir, "chaining.yaml"), `
rules:
  - from: "tools/list"
    to: "tools/call"
`)

	reg := NewRegistry()
	if err := reg.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}

	tool, ok := reg.Tool("debug-echo")
	if !ok {
		t.Fatal("expected debug-echo to be registered")
	}
	if tool.QuotaPerMinute != 60 {
		t.Errorf("QuotaPerMinute = %d, want 60", tool.QuotaPerMinute)
	}
	if tool.ArgsShape["text"].Type != "string" {
		t.Errorf("args.text.type = %q, want string", tool.ArgsShape["text"].Type)
	}

	rp := reg.ResourcePolicy()
	if len(rp.AllowedHosts) != 1 || rp.AllowedHosts[0] != "example.com" {
		t.Errorf("AllowedHosts = %v", rp.AllowedHosts)
	}

	req, ok := reg.MethodRequirement("tools/call")
	if !ok || len(req.Required) != 1 || req.Required[0] != "name" {
		t.Errorf("MethodRequirement(tools/call) = %+v, ok=%v", req, ok)
	}

	if !reg.AllowedNext("tools/list", "tools/call") {
		t.Error("expected tools/list -> tools/call to be allowed")
	}
	if reg.AllowedNext("tools/call", "resources/read") {
		t.Error("expected tools/call -> resources/read to be denied once rules are populated")
	}
}

func TestRegistry_EmptyChainingAllowsEverything(t *testing.T) {
	reg := NewRegistry()
	if !reg.AllowedNext("anything", "else") {
		t.Error("expected an unpopulated chaining rule set to permit any transition")
	}
}

func TestRegistry_MissingFilesAreSkipped(t *testing.T) {
	reg := NewRegistry()
	if err := reg.LoadDir(t.TempDir()); err != nil {
		t.Fatalf("LoadDir() on empty dir should not error, got %v", err)
	}
}

func TestRegistry_SetTool(t *testing.T) {
	reg := NewRegistry()
	reg.SetTool(valtypes.ToolSpec{Name: "inline-tool", SideEffects: valtypes.SideEffectRead})
	tool, ok := reg.Tool("inline-tool")
	if !ok || tool.SideEffects != valtypes.SideEffectRead {
		t.Errorf("Tool(inline-tool) = %+v, ok=%v", tool, ok)
	}
}

func TestMatchesDenyGlob(t *testing.T) {
	globs := []string{"*.env", "secrets/*"}
	if !MatchesDenyGlob("config.env", globs) {
		t.Error("expected config.env to match *.env")
	}
	if !MatchesDenyGlob("secrets/key.pem", globs) {
		t.Error("expected secrets/key.pem to match secrets/*")
	}
	if MatchesDenyGlob("readme.md", globs) {
		t.Error("expected readme.md to not match any deny glob")
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
