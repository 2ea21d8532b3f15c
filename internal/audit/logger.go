// Package audit implements the decision sink (pipeline.DecisionSink)
// that every terminal validation result — passed or blocked — is
// recorded through, plus session lifecycle events, via a buffered-channel
// Logger: a bounded channel drained by a single goroutine so a slow
// writer never blocks the validation hot path.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thearchitectit/guardrail-mcp/internal/metrics"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// EventType is the closed set of audit event categories.
type EventType string

const (
	EventValidationPassed  EventType = "validation_passed"
	EventValidationBlocked EventType = "validation_blocked"
	EventSessionCreated    EventType = "session_created"
	EventSessionExpired    EventType = "session_expired"
	EventConfigReloaded    EventType = "config_reloaded"
)

// Severity mirrors valtypes.Severity for events that aren't tied to a
// validation Result (e.g. session lifecycle).
type Severity string

const (
	SevInfo     Severity = "info"
	SevWarning  Severity = "warning"
	SevCritical Severity = "critical"
)

// Event is one audit record.
type Event struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          EventType              `json:"type"`
	Severity      Severity               `json:"severity"`
	SessionID     string                 `json:"sessionId,omitempty"`
	ClientID      string                 `json:"clientId,omitempty"`
	RequestID     string                 `json:"requestId,omitempty"`
	Method        string                 `json:"method,omitempty"`
	Layer         string                 `json:"layer,omitempty"`
	ViolationType valtypes.ViolationType `json:"violationType,omitempty"`
	Confidence    float64                `json:"confidence,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Logger is the buffered audit writer. It satisfies
// pipeline.DecisionSink without importing the pipeline package, keeping
// the dependency direction from core outward to ambient concerns.
type Logger struct {
	backend chan Event
	sqlite  *SQLiteSink
}

// LoggerOption configures a Logger at construction.
type LoggerOption func(*Logger)

// WithSQLiteSink durably persists every event to sink in addition to
// structured logging. cmd/server wires this in when AuditSQLitePath is
// set; internal/pipeline never references SQLiteSink directly.
func WithSQLiteSink(sink *SQLiteSink) LoggerOption {
	return func(l *Logger) { l.sqlite = sink }
}

// NewLogger starts an audit logger with the given channel buffer size.
// A full buffer drops the newest event rather than blocking the caller
// — validation throughput must never wait on log I/O.
func NewLogger(bufferSize int, opts ...LoggerOption) *Logger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	l := &Logger{backend: make(chan Event, bufferSize)}
	for _, opt := range opts {
		opt(l)
	}
	go l.process()
	return l
}

// Record implements pipeline.DecisionSink: it turns a terminal
// validation result into an audit event. msg is nil when the message
// failed to parse at all (L1 pre-check); callers must handle that case.
func (l *Logger) Record(msg *valtypes.Message, ctx *valtypes.ValidationContext, result valtypes.Result) {
	eventType := EventValidationPassed
	severity := SevInfo
	if !result.Passed {
		eventType = EventValidationBlocked
		switch result.Severity {
		case valtypes.SeverityCritical, valtypes.SeverityHigh:
			severity = SevCritical
		case valtypes.SeverityMedium:
			severity = SevWarning
		default:
			severity = SevInfo
		}
	}

	event := Event{
		Type:          eventType,
		Severity:      severity,
		Layer:         result.LayerName,
		ViolationType: result.ViolationType,
		Confidence:    result.Confidence,
		Reason:        result.Reason,
	}
	if ctx != nil {
		event.SessionID = ctx.SessionID
		event.ClientID = ctx.ClientID
		event.RequestID = ctx.RequestID
	}
	if msg != nil {
		event.Method = msg.Method
	}

	metrics.RecordAuditEvent(string(eventType), string(severity))
	l.log(event)
}

// LogSession records a session lifecycle event (creation, expiry).
func (l *Logger) LogSession(eventType EventType, sessionID string) {
	l.log(Event{
		Type:      eventType,
		Severity:  SevInfo,
		SessionID: sessionID,
	})
}

// LogConfigReload records a hot-reload of policy, catalog overlay, or
// config, regardless of source (fsnotify watcher or explicit admin call).
func (l *Logger) LogConfigReload(what string, err error) {
	event := Event{
		Type:     EventConfigReloaded,
		Severity: SevInfo,
		Details:  map[string]interface{}{"component": what},
	}
	if err != nil {
		event.Severity = SevWarning
		event.Reason = err.Error()
	}
	l.log(event)
}

func (l *Logger) log(event Event) {
	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UTC()

	select {
	case l.backend <- event:
	default:
		metrics.RecordAuditDrop()
		slog.Error("audit buffer full, dropping event", "type", event.Type)
	}
}

// process drains the backend channel to structured logs, and to the
// optional SQLite sink when one is attached.
func (l *Logger) process() {
	for event := range l.backend {
		data, _ := json.Marshal(event)
		level := slog.LevelInfo
		switch event.Severity {
		case SevWarning:
			level = slog.LevelWarn
		case SevCritical:
			level = slog.LevelError
		}
		slog.Log(context.Background(), level, "audit", "event", string(data))

		if l.sqlite != nil {
			if err := l.sqlite.Write(event); err != nil {
				slog.Warn("audit: failed to persist event to sqlite sink", "error", err)
			}
		}
	}
}
