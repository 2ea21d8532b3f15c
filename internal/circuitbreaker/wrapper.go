package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/thearchitectit/guardrail-mcp/internal/metrics"
)

// ExecuteDB runs operation through the Postgres breaker. With the
// breaker disabled (nil) it runs operation directly.
func (m *Manager) ExecuteDB(ctx context.Context, operation func() error) error {
	return execute(ctx, m.DBBreaker, "catalog-postgres", operation)
}

// ExecuteRedis runs operation through the Redis breaker. With the
// breaker disabled (nil) it runs operation directly.
func (m *Manager) ExecuteRedis(ctx context.Context, operation func() error) error {
	return execute(ctx, m.RedisBreaker, "quota-redis", operation)
}

func execute(ctx context.Context, breaker *gobreaker.CircuitBreaker, name string, operation func() error) error {
	if breaker == nil {
		return operation()
	}

	_, err := breaker.Execute(func() (interface{}, error) {
		done := make(chan error, 1)
		go func() { done <- operation() }()

		select {
		case opErr := <-done:
			return nil, opErr
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: operation cancelled: %w", name, ctx.Err())
		}
	})

	if err != nil {
		metrics.RecordCircuitBreakerFailure(name)
	} else {
		metrics.RecordCircuitBreakerSuccess(name)
	}
	metrics.RecordCircuitBreakerState(name, State(breaker))
	return err
}

// ExecuteWithRetry runs operation through breaker with exponential
// backoff retries, bailing out immediately if the breaker is open.
func ExecuteWithRetry(ctx context.Context, breaker *gobreaker.CircuitBreaker, maxRetries int, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := execute(ctx, breaker, "retry", operation)
		if err == nil {
			return nil
		}
		lastErr = err

		if err == gobreaker.ErrOpenState {
			return fmt.Errorf("circuit breaker is open: %w", err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		}

		if attempt < maxRetries-1 {
			backoff := time.Duration(attempt+1) * 100 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", maxRetries, lastErr)
}

// GetDBState returns the current state of the Postgres circuit breaker.
func (m *Manager) GetDBState() string {
	return State(m.DBBreaker)
}

// GetRedisState returns the current state of the Redis circuit breaker.
func (m *Manager) GetRedisState() string {
	return State(m.RedisBreaker)
}
