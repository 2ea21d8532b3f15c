package circuitbreaker

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"

	"github.com/thearchitectit/guardrail-mcp/internal/config"
)

func TestState(t *testing.T) {
	tests := []struct {
		name         string
		state        gobreaker.State
		wantStateStr string
	}{
		{"closed state", gobreaker.StateClosed, "closed"},
		{"open state", gobreaker.StateOpen, "open"},
		{"half-open state", gobreaker.StateHalfOpen, "half-open"},
		{"unknown state (shouldn't happen)", gobreaker.State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "t"})
			got := stateString(tt.state)
			if got != tt.wantStateStr {
				t.Errorf("stateString(%v) = %q, want %q", tt.state, got, tt.wantStateStr)
			}
			_ = breaker
		})
	}
}

// stateString exercises the same switch State uses, without needing to
// force gobreaker into a specific state.
func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func TestStateNilBreaker(t *testing.T) {
	if got := State(nil); got != "disabled" {
		t.Errorf("State(nil) = %q, want disabled", got)
	}
}

func TestNewManagerDisabled(t *testing.T) {
	cfg := &config.Config{CircuitBreakerEnabled: false}
	m := NewManager(cfg)
	if m.DBBreaker != nil || m.RedisBreaker != nil {
		t.Errorf("NewManager with disabled config should leave both breakers nil")
	}
	if m.GetDBState() != "disabled" || m.GetRedisState() != "disabled" {
		t.Errorf("disabled manager states = %q/%q, want disabled/disabled", m.GetDBState(), m.GetRedisState())
	}
}

func TestNewManagerEnabled(t *testing.T) {
	cfg := &config.Config{
		CircuitBreakerEnabled:          true,
		CircuitBreakerMaxRequests:      3,
		CircuitBreakerFailureThreshold: 3,
	}
	m := NewManager(cfg)
	if m.DBBreaker == nil || m.RedisBreaker == nil {
		t.Fatalf("NewManager with enabled config should build both breakers")
	}
	if m.GetDBState() != "closed" {
		t.Errorf("fresh DBBreaker state = %q, want closed", m.GetDBState())
	}
}

func TestExecuteDBDisabledRunsDirectly(t *testing.T) {
	m := NewManager(&config.Config{CircuitBreakerEnabled: false})
	called := false
	err := m.ExecuteDB(context.Background(), func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Errorf("ExecuteDB() error = %v", err)
	}
	if !called {
		t.Errorf("ExecuteDB() did not run the operation")
	}
}

func TestExecuteDBPropagatesError(t *testing.T) {
	m := NewManager(&config.Config{
		CircuitBreakerEnabled:          true,
		CircuitBreakerMaxRequests:      3,
		CircuitBreakerFailureThreshold: 3,
	})
	wantErr := errors.New("boom")
	err := m.ExecuteDB(context.Background(), func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("ExecuteDB() error = %v, want %v", err, wantErr)
	}
}

func TestExecuteWithRetrySucceedsAfterFailures(t *testing.T) {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "test",
		MaxRequests: 5,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return false },
	})

	attempts := 0
	err := ExecuteWithRetry(context.Background(), breaker, 3, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Errorf("ExecuteWithRetry() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("ExecuteWithRetry() attempts = %d, want 2", attempts)
	}
}
