// Package config loads the embedder-facing validation options plus the
// ambient operational settings (storage backends, circuit breaker
// tuning, audit buffering) from environment variables, via
// caarlos0/env-based Config with envDefault tags and a single Load()
// entry point.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process-wide configuration for a guardrail-mcp
// deployment. It carries no authentication material and no TLS
// settings: this middleware validates MCP messages, it does not
// terminate connections or authenticate principals — that is the
// embedder's job.
type Config struct {
	// Structure / size limits (L1).
	MaxMessageSize  int64 `env:"MAX_MESSAGE_SIZE" envDefault:"1048576"`
	MaxStringLength int   `env:"MAX_STRING_LENGTH" envDefault:"65536"`
	MaxParamEntries int   `env:"MAX_PARAM_ENTRIES" envDefault:"256"`
	MaxNestingDepth int   `env:"MAX_NESTING_DEPTH" envDefault:"20"`

	// Behavior (L3) rate/burst thresholds.
	MaxRequestsPerMinute int `env:"MAX_REQUESTS_PER_MINUTE" envDefault:"300"`
	MaxRequestsPerHour   int `env:"MAX_REQUESTS_PER_HOUR" envDefault:"6000"`
	BurstThreshold       int `env:"BURST_THRESHOLD" envDefault:"20"`
	BurstWindowMs        int `env:"BURST_WINDOW_MS" envDefault:"1000"`

	// Default semantic policy (L4) applied absent a per-tool override.
	DefaultAllowNetwork bool `env:"DEFAULT_ALLOW_NETWORK" envDefault:"false"`
	DefaultAllowWrites  bool `env:"DEFAULT_ALLOW_WRITES" envDefault:"false"`
	ChainingEnabled     bool `env:"CHAINING_ENABLED" envDefault:"false"`

	// Policy file locations (C7): a directory containing tools.yaml,
	// resources.yaml, methods.yaml, chaining.yaml. Empty means the
	// registry starts empty and relies entirely on programmatic Set*
	// calls from the embedder.
	PolicyDir string `env:"POLICY_DIR" envDefault:""`

	// Pattern catalog overlay (C2) hot-reload directory.
	CatalogOverlayDir string `env:"CATALOG_OVERLAY_DIR" envDefault:""`

	// Hot-reloadable rate/burst/log-level overlay file (ambient). Empty
	// disables the watcher; the process then only picks up these values
	// at startup.
	HotReloadPath string `env:"HOT_RELOAD_PATH" envDefault:""`

	// Session memory (C6).
	MaxSessions  int   `env:"MAX_SESSIONS" envDefault:"5000"`
	SessionTTLMs int64 `env:"SESSION_TTL_MS" envDefault:"1800000"`
	ClockSkewMs  int64 `env:"CLOCK_SKEW_MS" envDefault:"5000"`

	// Error sanitization (C11).
	ProductionMode bool `env:"PRODUCTION_MODE" envDefault:"true"`
	MaxLogLength   int  `env:"MAX_LOG_LENGTH" envDefault:"500"`

	// Logging (ambient).
	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat             string `env:"LOG_FORMAT" envDefault:"json"`
	EnableLogging         bool   `env:"ENABLE_LOGGING" envDefault:"true"`
	VerboseLogging        bool   `env:"VERBOSE_LOGGING" envDefault:"false"`
	LogPerformanceMetrics bool   `env:"LOG_PERFORMANCE_METRICS" envDefault:"false"`

	// Audit (C10 decision sink) buffering.
	AuditBufferSize int `env:"AUDIT_BUFFER_SIZE" envDefault:"1000"`

	// Metrics (ambient).
	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`
	MetricsPort    int  `env:"METRICS_PORT" envDefault:"9090"`

	// HTTP transport (C12).
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8443"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Optional Postgres-backed pattern catalog overrides (domain stack:
	// jackc/pgx). Empty DSN disables the override store entirely and the
	// catalog runs with its compiled-in patterns only.
	CatalogDatabaseDSN string `env:"CATALOG_DATABASE_DSN" envDefault:""`

	// Optional Redis-backed distributed quota provider (domain stack:
	// go-redis). Empty address falls back to the in-process memory
	// quota provider.
	QuotaRedisAddr     string `env:"QUOTA_REDIS_ADDR" envDefault:""`
	QuotaRedisPassword string `env:"QUOTA_REDIS_PASSWORD" envDefault:""`
	QuotaRedisDB       int    `env:"QUOTA_REDIS_DB" envDefault:"0"`

	// Circuit breaker tuning (domain stack: sony/gobreaker), applied to
	// the Postgres pattern store and Redis quota backend.
	CircuitBreakerEnabled          bool          `env:"CIRCUIT_BREAKER_ENABLED" envDefault:"true"`
	CircuitBreakerMaxRequests      int           `env:"CIRCUIT_BREAKER_MAX_REQUESTS" envDefault:"3"`
	CircuitBreakerInterval         time.Duration `env:"CIRCUIT_BREAKER_INTERVAL" envDefault:"10s"`
	CircuitBreakerTimeout          time.Duration `env:"CIRCUIT_BREAKER_TIMEOUT" envDefault:"30s"`
	CircuitBreakerFailureThreshold int           `env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD" envDefault:"3"`

	// SQLite audit sink (domain stack: mattn/go-sqlite3), used when the
	// embedder wants a durable local audit trail instead of (or beside)
	// slog output. Empty path disables it.
	AuditSQLitePath string `env:"AUDIT_SQLITE_PATH" envDefault:""`
}

// Load parses Config from the process environment, applying the
// envDefault tags for anything unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that envDefault tags alone can't express.
func (c *Config) Validate() error {
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("config: MAX_MESSAGE_SIZE must be positive")
	}
	if c.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("config: MAX_REQUESTS_PER_MINUTE must be positive")
	}
	if c.SessionTTLMs <= 0 {
		return fmt.Errorf("config: SESSION_TTL_MS must be positive")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("config: LOG_FORMAT must be %q or %q", "json", "text")
	}
	return nil
}

// SessionTTL returns the session TTL as a time.Duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMs) * time.Millisecond
}

// ClockSkew returns the allowed clock skew as a time.Duration.
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewMs) * time.Millisecond
}

// UsesRedisQuota reports whether a distributed quota backend is configured.
func (c *Config) UsesRedisQuota() bool {
	return c.QuotaRedisAddr != ""
}

// UsesCatalogDatabase reports whether a Postgres override store is configured.
func (c *Config) UsesCatalogDatabase() bool {
	return c.CatalogDatabaseDSN != ""
}

// UsesSQLiteAudit reports whether the SQLite audit sink is enabled.
func (c *Config) UsesSQLiteAudit() bool {
	return c.AuditSQLitePath != ""
}

// Masked returns a copy of Config safe to log: DSNs and Redis passwords
// are replaced with a fixed redaction marker so connection strings never
// reach the logs verbatim.
func (c *Config) Masked() *Config {
	masked := *c
	if masked.CatalogDatabaseDSN != "" {
		masked.CatalogDatabaseDSN = "[REDACTED]"
	}
	if masked.QuotaRedisPassword != "" {
		masked.QuotaRedisPassword = "[REDACTED]"
	}
	return &masked
}
