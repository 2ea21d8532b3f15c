package audit

import (
	"testing"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

func TestLoggerRecordPassed(t *testing.T) {
	l := NewLogger(10)
	msg := &valtypes.Message{Method: "tools/call"}
	ctx := &valtypes.ValidationContext{SessionID: "sess-1", RequestID: "req-1"}

	l.Record(msg, ctx, valtypes.Pass("Pipeline").Normalize())

	// process() runs async off the buffered channel; give it a tick.
	time.Sleep(10 * time.Millisecond)
}

func TestLoggerRecordBlocked(t *testing.T) {
	l := NewLogger(10)
	msg := &valtypes.Message{Method: "tools/call"}
	ctx := &valtypes.ValidationContext{SessionID: "sess-2"}

	result := valtypes.Block("Layer4-Semantic", valtypes.SeverityHigh, valtypes.ViolationToolNotAllowed, "tool not registered", 0.9).Normalize()
	l.Record(msg, ctx, result)

	time.Sleep(10 * time.Millisecond)
}

func TestLoggerRecordNilMessage(t *testing.T) {
	l := NewLogger(10)
	result := valtypes.Block("Pipeline", valtypes.SeverityCritical, valtypes.ViolationMalformedMessage, "bad json", 1.0).Normalize()

	// msg is nil when parsing fails before a Message exists; Record must
	// not panic on that path.
	l.Record(nil, &valtypes.ValidationContext{}, result)
}

func TestLoggerDropsOnFullBuffer(t *testing.T) {
	l := NewLogger(1)
	msg := &valtypes.Message{Method: "ping"}
	ctx := &valtypes.ValidationContext{}

	for i := 0; i < 50; i++ {
		l.Record(msg, ctx, valtypes.Pass("Pipeline").Normalize())
	}
}

func TestLogSession(t *testing.T) {
	l := NewLogger(10)
	l.LogSession(EventSessionCreated, "sess-3")
	l.LogSession(EventSessionExpired, "sess-3")
}

func TestLogConfigReload(t *testing.T) {
	l := NewLogger(10)
	l.LogConfigReload("catalog-overlay", nil)
}
