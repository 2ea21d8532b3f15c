package behavior

import (
	"testing"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

func TestLayer_BurstThreshold(t *testing.T) {
	layer := New(1000, 10000, 8)
	base := time.Now()

	var lastResult valtypes.Result
	failures := 0
	for i := 0; i < 15; i++ {
		now := base.Add(time.Duration(i) * 100 * time.Millisecond)
		lastResult = layer.Validate("conn-1", 100, "tools/call", now)
		if !lastResult.Passed {
			failures++
		}
	}

	if failures == 0 {
		t.Fatal("expected at least one burst failure across 15 rapid calls")
	}
}

func TestLayer_OversizeMessage(t *testing.T) {
	layer := New(1000, 10000, 1000)
	res := layer.Validate("conn-1", 25_000, "tools/call", time.Now())
	if res.Passed {
		t.Fatal("expected oversize message to fail")
	}
	if res.ViolationType != valtypes.ViolationOversizedMessage {
		t.Errorf("ViolationType = %v, want OVERSIZED_MESSAGE", res.ViolationType)
	}
}

func TestLayer_ProbingMethodName(t *testing.T) {
	layer := New(1000, 10000, 1000)
	res := layer.Validate("conn-1", 100, "probe_admin_config", time.Now())
	if res.Passed {
		t.Fatal("expected probing method name to fail")
	}
	if res.ViolationType != valtypes.ViolationSuspiciousMethod {
		t.Errorf("ViolationType = %v, want SUSPICIOUS_METHOD", res.ViolationType)
	}
}

func TestLayer_BenignMethod(t *testing.T) {
	layer := New(1000, 10000, 1000)
	res := layer.Validate("conn-1", 100, "tools/call", time.Now())
	if !res.Passed {
		t.Fatalf("expected benign call to pass, got %s", res.Reason)
	}
}

func TestLayer_RateLimitExceeded(t *testing.T) {
	layer := New(5, 10000, 1000)
	base := time.Now()
	var last valtypes.Result
	for i := 0; i < 10; i++ {
		last = layer.Validate("conn-2", 100, "tools/list", base)
	}
	if last.Passed {
		t.Fatal("expected per-minute rate limit to trip after exceeding the configured max")
	}
	if last.ViolationType != valtypes.ViolationRateLimitExceeded {
		t.Errorf("ViolationType = %v, want RATE_LIMIT_EXCEEDED", last.ViolationType)
	}
}

func TestLayer_Sweep(t *testing.T) {
	layer := New(1000, 10000, 1000)
	layer.Validate("conn-3", 100, "tools/call", time.Now())
	layer.Sweep(time.Now().Add(3 * time.Hour))

	layer.mu.Lock()
	_, exists := layer.state["conn-3"]
	layer.mu.Unlock()
	if exists {
		t.Error("expected stale state to be swept after 2h+ring-timeout")
	}
}
