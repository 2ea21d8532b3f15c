package pipeline

import (
	"testing"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/layers/behavior"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/content"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/semantic"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/structure"
	"github.com/thearchitectit/guardrail-mcp/internal/policy"
	"github.com/thearchitectit/guardrail-mcp/internal/quota"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

type recordingSink struct {
	results []valtypes.Result
}

func (s *recordingSink) Record(msg *valtypes.Message, ctx *valtypes.ValidationContext, result valtypes.Result) {
	s.results = append(s.results, result)
}

func newTestPipeline(t *testing.T, sink DecisionSink) *Pipeline {
	t.Helper()
	reg := policy.NewRegistry()
	reg.SetMethodSpec(valtypes.MethodSpec{
		"tools/call": {Required: []string{"name"}, Optional: []string{"arguments"}},
		"tools/list": {},
	})
	reg.SetTool(valtypes.ToolSpec{
		Name: "debug-echo",
		ArgsShape: map[string]valtypes.ArgShape{
			"text": {Type: "string", Optional: false},
		},
	})

	return New(
		structure.New(nil),
		content.New(),
		behavior.New(120, 3000, 8),
		semantic.New(reg, quota.NewMemoryProvider(0), nil, false),
		WithSink(sink),
	)
}

func TestPipeline_BenignToolCallPasses(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPipeline(t, sink)
	ctx := &valtypes.ValidationContext{Timestamp: time.Now(), SessionID: "s1"}

	raw := []byte(`{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"debug-echo","arguments":{"text":"hello"}}}`)
	res := p.Validate(raw, ctx)
	if !res.Passed {
		t.Fatalf("expected benign tool call to pass, got %s", res.Reason)
	}
	if len(sink.results) != 1 || !sink.results[0].Passed {
		t.Errorf("expected one recorded passing decision, got %+v", sink.results)
	}
}

func TestPipeline_MalformedJSONBlocked(t *testing.T) {
	p := newTestPipeline(t, &recordingSink{})
	ctx := &valtypes.ValidationContext{Timestamp: time.Now()}

	res := p.Validate([]byte(`{not json`), ctx)
	if res.Passed {
		t.Fatal("expected malformed JSON to fail")
	}
	if res.Severity != valtypes.SeverityCritical {
		t.Errorf("Severity = %v, want CRITICAL", res.Severity)
	}
}

func TestPipeline_StructureLayerBlocksFirst(t *testing.T) {
	p := newTestPipeline(t, &recordingSink{})
	ctx := &valtypes.ValidationContext{Timestamp: time.Now()}

	raw := []byte(`{"method":"tools/call","id":1,"params":{"name":"debug-echo","arguments":{"text":"hi"}}}`)
	res := p.Validate(raw, ctx)
	if res.Passed {
		t.Fatal("expected message missing jsonrpc version to fail at L1")
	}
	if res.LayerName != "Layer1-Structure" {
		t.Errorf("LayerName = %q, want Layer1-Structure", res.LayerName)
	}
}

func TestPipeline_ContentLayerBlocksPathTraversal(t *testing.T) {
	p := newTestPipeline(t, &recordingSink{})
	ctx := &valtypes.ValidationContext{Timestamp: time.Now()}

	raw := []byte(`{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"debug-echo","arguments":{"text":"../../etc/passwd"}}}`)
	res := p.Validate(raw, ctx)
	if res.Passed {
		t.Fatal("expected path traversal payload to fail")
	}
	if res.ViolationType != valtypes.ViolationPathTraversal {
		t.Errorf("ViolationType = %v, want PATH_TRAVERSAL", res.ViolationType)
	}
	if res.LayerName != "Layer2-Content" {
		t.Errorf("LayerName = %q, want Layer2-Content", res.LayerName)
	}
}

func TestPipeline_SemanticLayerBlocksUnknownTool(t *testing.T) {
	p := newTestPipeline(t, &recordingSink{})
	ctx := &valtypes.ValidationContext{Timestamp: time.Now()}

	raw := []byte(`{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"not-a-tool","arguments":{}}}`)
	res := p.Validate(raw, ctx)
	if res.Passed {
		t.Fatal("expected unregistered tool to fail")
	}
	if res.ViolationType != valtypes.ViolationToolNotAllowed {
		t.Errorf("ViolationType = %v, want TOOL_NOT_ALLOWED", res.ViolationType)
	}
}

func TestPipeline_BurstTriggersBehaviorLayer(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPipeline(t, sink)
	base := time.Now()

	raw := []byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`)
	failures := 0
	for i := 0; i < 15; i++ {
		ctx := &valtypes.ValidationContext{Timestamp: base.Add(time.Duration(i) * 50 * time.Millisecond), SessionID: "burst-session"}
		res := p.Validate(raw, ctx)
		if !res.Passed {
			failures++
		}
	}
	if failures < 7 {
		t.Fatalf("expected at least 7 of 15 rapid calls to fail, got %d", failures)
	}
}

func TestPipeline_SSRFAgainstCloudMetadata(t *testing.T) {
	p := newTestPipeline(t, &recordingSink{})
	ctx := &valtypes.ValidationContext{Timestamp: time.Now()}

	raw := []byte(`{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"debug-echo","arguments":{"text":"http://169.254.169.254/latest/meta-data/iam/security-credentials/"}}}`)
	res := p.Validate(raw, ctx)
	if res.Passed {
		t.Fatal("expected SSRF payload against cloud metadata to fail")
	}
	if res.ViolationType != valtypes.ViolationSSRFAttempt {
		t.Errorf("ViolationType = %v, want SSRF_ATTEMPT", res.ViolationType)
	}
}
