// Package mcpserver is the embedder-facing surface: it wraps a
// mark3labs/mcp-go server.MCPServer with the validation pipeline so
// that every tool/resource/prompt handler an embedder registers only
// ever sees messages that already passed L1-L5.
package mcpserver

import (
	"log/slog"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/layers/contextual"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/structure"
	"github.com/thearchitectit/guardrail-mcp/internal/pipeline"
	"github.com/thearchitectit/guardrail-mcp/internal/policy"
	"github.com/thearchitectit/guardrail-mcp/internal/quota"
	"github.com/thearchitectit/guardrail-mcp/internal/session"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// ServerInfo names the embedder's server for the MCP handshake.
type ServerInfo struct {
	Name    string
	Version string
}

// Options is the enumerated construction surface: every field
// SecureMcpServer accepts to build its pipeline and defaults. An
// embedder fills in what it needs; zero values fall back to the same
// defaults internal/config.Load applies for a standalone process.
type Options struct {
	MaxMessageSize        int64
	MaxStringLength       int
	MaxParamEntries       int
	MaxNestingDepth       int
	MaxRequestsPerMinute  int
	MaxRequestsPerHour    int
	BurstThreshold        int
	BurstWindowMs         int64
	EnableLogging         bool
	VerboseLogging        bool
	LogPerformanceMetrics bool
	LogLevel              string

	DefaultAllowNetwork bool
	DefaultAllowWrites  bool

	ToolRegistry    []valtypes.ToolSpec
	ResourcePolicy  valtypes.ResourcePolicy
	MethodSpec      valtypes.MethodSpec
	ChainingRules   []valtypes.ChainingRule
	ChainingEnabled bool

	// Quotas overrides QuotaPerMinute/QuotaPerHour on an already
	// registered ToolSpec by name, so an embedder can tune limits
	// without restating the whole tool contract.
	Quotas map[string]valtypes.QuotaLimits

	QuotaProvider quota.Provider

	MaxSessions  int
	SessionTTLMs int64
	ClockSkewMs  int64

	// Contextual installs the optional L5 layer. Nil disables it, off by
	// default.
	Contextual *contextual.Layer

	// Sink receives a Record call for every terminal pipeline
	// decision. Nil means decisions are not recorded.
	Sink pipeline.DecisionSink
}

// Option configures Options at construction. Embedders compose these
// the same way internal/layers/structure.Option composes L1 options.
type Option func(*Options)

// WithMaxMessageSize sets the L1 byte ceiling.
func WithMaxMessageSize(n int64) Option { return func(o *Options) { o.MaxMessageSize = n } }

// WithMaxStringLength sets the L1 maximum string-leaf length.
func WithMaxStringLength(n int) Option { return func(o *Options) { o.MaxStringLength = n } }

// WithMaxParamEntries sets the L1 maximum params entry count.
func WithMaxParamEntries(n int) Option { return func(o *Options) { o.MaxParamEntries = n } }

// WithMaxNestingDepth sets the L1 maximum params nesting depth.
func WithMaxNestingDepth(n int) Option { return func(o *Options) { o.MaxNestingDepth = n } }

// WithRateLimits sets the L3 sustained-rate ceilings.
func WithRateLimits(perMinute, perHour int) Option {
	return func(o *Options) { o.MaxRequestsPerMinute = perMinute; o.MaxRequestsPerHour = perHour }
}

// WithBurstThreshold sets the L3 burst-activity ceiling.
func WithBurstThreshold(n int) Option { return func(o *Options) { o.BurstThreshold = n } }

// WithBurstWindow sets the L3 lookback window burst detection counts
// recent arrivals within.
func WithBurstWindow(d time.Duration) Option {
	return func(o *Options) { o.BurstWindowMs = d.Milliseconds() }
}

// WithLogging toggles C11's enable/verbose/performance logging flags.
func WithLogging(enabled, verbose, performanceMetrics bool) Option {
	return func(o *Options) {
		o.EnableLogging = enabled
		o.VerboseLogging = verbose
		o.LogPerformanceMetrics = performanceMetrics
	}
}

// WithLogLevel sets the slog level name ("debug", "info", "warn", "error").
func WithLogLevel(level string) Option { return func(o *Options) { o.LogLevel = level } }

// WithDefaultPolicy sets the side-effect defaults a session starts with.
func WithDefaultPolicy(allowNetwork, allowWrites bool) Option {
	return func(o *Options) { o.DefaultAllowNetwork = allowNetwork; o.DefaultAllowWrites = allowWrites }
}

// WithToolRegistry registers the allowed tool set for L4.
func WithToolRegistry(tools ...valtypes.ToolSpec) Option {
	return func(o *Options) { o.ToolRegistry = append(o.ToolRegistry, tools...) }
}

// WithResourcePolicy sets the resources/read access policy for L4.
func WithResourcePolicy(rp valtypes.ResourcePolicy) Option {
	return func(o *Options) { o.ResourcePolicy = rp }
}

// WithMethodSpec sets the per-method required/optional param contract.
func WithMethodSpec(spec valtypes.MethodSpec) Option {
	return func(o *Options) { o.MethodSpec = spec }
}

// WithChaining installs method-chaining rules and enables the check.
func WithChaining(enabled bool, rules ...valtypes.ChainingRule) Option {
	return func(o *Options) { o.ChainingEnabled = enabled; o.ChainingRules = append(o.ChainingRules, rules...) }
}

// WithQuotas overrides per-tool quota limits by tool name.
func WithQuotas(quotas map[string]valtypes.QuotaLimits) Option {
	return func(o *Options) { o.Quotas = quotas }
}

// WithQuotaProvider installs a non-default C5 backend (e.g. a
// quota.RedisProvider for multi-instance deployments).
func WithQuotaProvider(p quota.Provider) Option { return func(o *Options) { o.QuotaProvider = p } }

// WithSessions sets the C6 session memory's capacity and TTL.
func WithSessions(maxSessions int, ttl time.Duration) Option {
	return func(o *Options) {
		o.MaxSessions = maxSessions
		o.SessionTTLMs = ttl.Milliseconds()
	}
}

// WithClockSkew sets the tolerance C6/C9 timestamp checks allow.
func WithClockSkew(skew time.Duration) Option {
	return func(o *Options) { o.ClockSkewMs = skew.Milliseconds() }
}

// WithContextual installs the optional L5 layer.
func WithContextual(l *contextual.Layer) Option { return func(o *Options) { o.Contextual = l } }

// WithSink installs the audit decision sink.
func WithSink(sink pipeline.DecisionSink) Option { return func(o *Options) { o.Sink = sink } }

func defaultOptions() Options {
	return Options{
		MaxMessageSize:       1_000_000,
		MaxRequestsPerMinute: 120,
		MaxRequestsPerHour:   3000,
		BurstThreshold:       8,
		EnableLogging:        true,
		LogLevel:             "info",
		MaxSessions:          5000,
		SessionTTLMs:         (30 * time.Minute).Milliseconds(),
		ClockSkewMs:          (5 * time.Minute).Milliseconds(),
		MethodSpec:           structure.DefaultMethodSpec(),
	}
}

func (o Options) sessionTTL() time.Duration {
	if o.SessionTTLMs <= 0 {
		return 0
	}
	return time.Duration(o.SessionTTLMs) * time.Millisecond
}

func buildRegistry(o Options) *policy.Registry {
	reg := policy.NewRegistry()
	tools := make(map[string]valtypes.ToolSpec, len(o.ToolRegistry))
	for _, t := range o.ToolRegistry {
		tools[t.Name] = t
	}
	for name, q := range o.Quotas {
		t, ok := tools[name]
		if !ok {
			slog.Warn("mcpserver: quota override for unregistered tool ignored", "tool", name)
			continue
		}
		t.QuotaPerMinute = q.Minute
		t.QuotaPerHour = q.Hour
		tools[name] = t
	}
	for _, t := range tools {
		reg.SetTool(t)
	}
	reg.SetResourcePolicy(o.ResourcePolicy)
	if o.MethodSpec != nil {
		reg.SetMethodSpec(o.MethodSpec)
	}
	reg.SetChainingRules(o.ChainingRules)
	return reg
}

func buildSessionStore(o Options) *session.Store {
	return session.New(o.MaxSessions, o.sessionTTL())
}
