package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

func TestSQLiteSinkWriteAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink() error = %v", err)
	}
	defer sink.Close()

	event := Event{
		ID:        "evt-1",
		Timestamp: time.Now().UTC(),
		Type:      EventValidationBlocked,
		Severity:  SevCritical,
		SessionID: "sess-1",
		Method:    "tools/call",
		Layer:     "Layer4-Semantic",
		Reason:    "tool not registered",
	}
	if err := sink.Write(event); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	events, err := sink.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ID != "evt-1" {
		t.Errorf("ID = %q, want evt-1", events[0].ID)
	}
}

func TestSQLiteSinkSeverityFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink() error = %v", err)
	}
	defer sink.Close()

	_ = sink.Write(Event{ID: "a", Timestamp: time.Now(), Type: EventValidationPassed, Severity: SevInfo})
	_ = sink.Write(Event{ID: "b", Timestamp: time.Now(), Type: EventValidationBlocked, Severity: SevCritical})

	events, err := sink.Severity(string(SevCritical), 10)
	if err != nil {
		t.Fatalf("Severity() error = %v", err)
	}
	if len(events) != 1 || events[0].ID != "b" {
		t.Fatalf("expected only event b, got %+v", events)
	}
}

func TestSQLiteSinkCountBySeverity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink() error = %v", err)
	}
	defer sink.Close()

	_ = sink.Write(Event{ID: "a", Timestamp: time.Now(), Type: EventValidationPassed, Severity: SevInfo})
	_ = sink.Write(Event{ID: "b", Timestamp: time.Now(), Type: EventValidationPassed, Severity: SevInfo})
	_ = sink.Write(Event{ID: "c", Timestamp: time.Now(), Type: EventValidationBlocked, Severity: SevCritical})

	counts, err := sink.CountBySeverity()
	if err != nil {
		t.Fatalf("CountBySeverity() error = %v", err)
	}
	if counts[string(SevInfo)] != 2 {
		t.Errorf("info count = %d, want 2", counts[string(SevInfo)])
	}
	if counts[string(SevCritical)] != 1 {
		t.Errorf("critical count = %d, want 1", counts[string(SevCritical)])
	}
}

func TestLoggerWithSQLiteSinkForwardsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink() error = %v", err)
	}
	defer sink.Close()

	l := NewLogger(10, WithSQLiteSink(sink))
	msg := &valtypes.Message{Method: "tools/call"}
	ctx := &valtypes.ValidationContext{SessionID: "sess-1"}
	l.Record(msg, ctx, valtypes.Pass("Pipeline").Normalize())

	time.Sleep(50 * time.Millisecond)
	events, err := sink.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(events))
	}
}
