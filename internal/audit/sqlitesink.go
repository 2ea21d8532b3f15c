package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink durably persists audit events to a local SQLite database,
// for an embedder that wants an inspectable audit trail without
// standing up Postgres, mirroring internal/catalog's
// database/sql-plus-driver-import connection setup against a local
// file instead of a network DSN.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if necessary) the SQLite database at
// path and ensures its schema exists.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite sink: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping sqlite sink: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate sqlite sink: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS audit_events (
	id             TEXT PRIMARY KEY,
	timestamp      TEXT NOT NULL,
	type           TEXT NOT NULL,
	severity       TEXT NOT NULL,
	session_id     TEXT,
	client_id      TEXT,
	request_id     TEXT,
	method         TEXT,
	layer          TEXT,
	violation_type TEXT,
	confidence     REAL,
	reason         TEXT,
	details        TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_severity ON audit_events(severity);
`

// Write inserts one event.
func (s *SQLiteSink) Write(event Event) error {
	var details string
	if event.Details != nil {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		details = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_events
			(id, timestamp, type, severity, session_id, client_id, request_id, method, layer, violation_type, confidence, reason, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UTC().Format(time.RFC3339Nano), event.Type, event.Severity,
		event.SessionID, event.ClientID, event.RequestID, event.Method, event.Layer,
		event.ViolationType, event.Confidence, event.Reason, details)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Recent returns the most recent limit events, newest first.
func (s *SQLiteSink) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, timestamp, type, severity, session_id, client_id, request_id, method, layer, violation_type, confidence, reason, details
		FROM audit_events
		ORDER BY timestamp DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Severity returns events matching a single severity, newest first.
func (s *SQLiteSink) Severity(severity string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, timestamp, type, severity, session_id, client_id, request_id, method, layer, violation_type, confidence, reason, details
		FROM audit_events
		WHERE severity = ?
		ORDER BY timestamp DESC
		LIMIT ?`, severity, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query events by severity: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountBySeverity returns the total persisted event count grouped by
// severity, for a summary view.
func (s *SQLiteSink) CountBySeverity() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT severity, COUNT(*) FROM audit_events GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("audit: count by severity: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("audit: scan severity count: %w", err)
		}
		counts[severity] = count
	}
	return counts, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			e         Event
			timestamp string
			details   sql.NullString
		)
		if err := rows.Scan(&e.ID, &timestamp, &e.Type, &e.Severity, &e.SessionID, &e.ClientID,
			&e.RequestID, &e.Method, &e.Layer, &e.ViolationType, &e.Confidence, &e.Reason, &details); err != nil {
			return nil, fmt.Errorf("audit: scan event row: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
			e.Timestamp = ts
		}
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
