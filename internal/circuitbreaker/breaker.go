// Package circuitbreaker wraps the two external calls the validation
// middleware makes outside its own process — the Postgres pattern
// store (catalog overrides) and the Redis quota backend — in
// sony/gobreaker circuit breakers, so a degraded backend fails fast
// and predictably instead of stalling every request behind it.
package circuitbreaker

import (
	"github.com/sony/gobreaker"

	"github.com/thearchitectit/guardrail-mcp/internal/config"
)

// Manager holds the circuit breakers for every external backend the
// middleware talks to, built once from Config at startup.
type Manager struct {
	DBBreaker    *gobreaker.CircuitBreaker
	RedisBreaker *gobreaker.CircuitBreaker
}

// NewManager builds a Manager from cfg. With CircuitBreakerEnabled
// false both breakers are nil and ExecuteDB/ExecuteRedis run the
// operation directly, unprotected — useful for local development
// against a single Postgres/Redis instance that isn't expected to fail.
func NewManager(cfg *config.Config) *Manager {
	if !cfg.CircuitBreakerEnabled {
		return &Manager{}
	}

	failureThreshold := uint32(cfg.CircuitBreakerFailureThreshold)
	tripOn := func(counts gobreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= failureThreshold && failureRatio >= 0.6
	}

	return &Manager{
		DBBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "catalog-postgres",
			MaxRequests: uint32(cfg.CircuitBreakerMaxRequests),
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: tripOn,
		}),
		RedisBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "quota-redis",
			MaxRequests: uint32(cfg.CircuitBreakerMaxRequests),
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout / 6, // Redis should recover faster than Postgres
			ReadyToTrip: tripOn,
		}),
	}
}

// State renders a gobreaker state as the lowercase string the metrics
// and health endpoints use.
func State(breaker *gobreaker.CircuitBreaker) string {
	if breaker == nil {
		return "disabled"
	}
	switch breaker.State() {
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
