// Package semantic implements the semantic layer (L4): tool call
// contracts, resource access policy, side-effect gating, quotas, and
// (optionally) method chaining, wired onto the C7 registries in
// internal/policy.
package semantic

import (
	"encoding/json"
	"net"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/thearchitectit/guardrail-mcp/internal/policy"
	"github.com/thearchitectit/guardrail-mcp/internal/quota"
	"github.com/thearchitectit/guardrail-mcp/internal/session"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

const maxEstimatedReadBytes = 10_000_000

// Layer is the semantic (L4) validator.
type Layer struct {
	registry        *policy.Registry
	quota           quota.Provider
	sessions        *session.Store
	chainingEnabled bool
}

// New builds the semantic layer. chainingEnabled toggles the tool
// chaining check at runtime: the shipped wiring ships it disabled but
// keeps the rule schema live, exposed as a plain constructor flag
// rather than dead code behind a comment.
func New(registry *policy.Registry, quotaProvider quota.Provider, sessions *session.Store, chainingEnabled bool) *Layer {
	return &Layer{registry: registry, quota: quotaProvider, sessions: sessions, chainingEnabled: chainingEnabled}
}

func (l *Layer) Name() string { return "Layer4-Semantic" }

// Validate runs the five checks in fixed order, short-circuiting on the
// first failure.
func (l *Layer) Validate(msg *valtypes.Message, ctx *valtypes.ValidationContext) valtypes.Result {
	params, _ := msg.Params.(map[string]interface{})

	if res := l.checkMethodShape(msg.Method, params); !res.Passed {
		return res
	}

	if msg.Method == "tools/call" {
		if res := l.checkToolCall(params, ctx); !res.Passed {
			return res
		}
	}

	if msg.Method == "resources/read" {
		if res := l.checkResourceRead(params, ctx); !res.Passed {
			return res
		}
	}

	if msg.Method == "tools/call" {
		if res := l.checkSideEffectsAndEgress(params, ctx); !res.Passed {
			return res
		}
	}

	if l.chainingEnabled {
		if res := l.checkChaining(msg.Method, ctx); !res.Passed {
			return res
		}
	}

	return valtypes.Pass(l.Name())
}

func (l *Layer) checkMethodShape(method string, params map[string]interface{}) valtypes.Result {
	req, ok := l.registry.MethodRequirement(method)
	if !ok {
		return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationInvalidMCPMethod,
			"unknown MCP method: "+method, 0.6)
	}
	for _, name := range req.Required {
		if _, present := params[name]; !present {
			return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationMissingRequiredParam,
				"missing required param: "+name, 0.85)
		}
	}
	return valtypes.Pass(l.Name())
}

func (l *Layer) checkToolCall(params map[string]interface{}, ctx *valtypes.ValidationContext) valtypes.Result {
	name, _ := params["name"].(string)
	spec, ok := l.registry.Tool(name)
	if !ok {
		return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationToolNotAllowed,
			"tool not in registry: "+name, 0.9)
	}

	args, _ := params["arguments"].(map[string]interface{})
	for argName, shape := range spec.ArgsShape {
		v, present := args[argName]
		if !present {
			if !shape.Optional {
				return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationMissingRequiredParam,
					"missing required tool argument: "+argName, 0.85)
			}
			continue
		}
		if !matchesArgType(v, shape.Type) {
			return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationInvalidToolArguments,
				"tool argument has wrong type: "+argName, 0.8)
		}
	}

	argsBytes, err := json.Marshal(args)
	if err != nil {
		return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationArgSerializationError,
			"failed to serialize tool arguments", 0.7)
	}
	if spec.MaxArgsSize > 0 && int64(len(argsBytes)) > spec.MaxArgsSize {
		return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationArgsEgressLimit,
			"tool arguments exceed maxArgsSize", 0.75)
	}

	if l.quota != nil {
		passed, reason := l.quota.IncrementAndCheck("tool:"+name,
			valtypes.QuotaLimits{Minute: spec.QuotaPerMinute, Hour: spec.QuotaPerHour}, ctx.Timestamp)
		if !passed {
			return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationQuotaExceeded, reason, 0.9)
		}
	}

	return valtypes.Pass(l.Name())
}

func matchesArgType(v interface{}, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	default:
		return true
	}
}

func (l *Layer) checkResourceRead(params map[string]interface{}, ctx *valtypes.ValidationContext) valtypes.Result {
	uri, _ := params["uri"].(string)
	rp := l.registry.ResourcePolicy()

	if rp.MaxURILength > 0 && len(uri) > rp.MaxURILength {
		return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationResourcePolicy,
			"resource URI exceeds maxUriLength", 0.7)
	}

	scheme, rest := splitScheme(uri)
	if scheme == "" {
		scheme = "file"
	}
	if len(rp.AllowedSchemes) > 0 && !contains(rp.AllowedSchemes, scheme) {
		return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationResourcePolicy,
			"resource scheme not allowed: "+scheme, 0.9)
	}

	switch scheme {
	case "file":
		if res := l.checkFileResource(rest, rp, ctx.BaseDir); !res.Passed {
			return res
		}
	case "http", "https":
		if res := l.checkHTTPResource(uri, rp); !res.Passed {
			return res
		}
	}

	estimatedReadBytes := len(uri) * 1024
	if estimatedReadBytes > maxEstimatedReadBytes {
		estimatedReadBytes = maxEstimatedReadBytes
	}
	if rp.MaxReadBytes > 0 && int64(estimatedReadBytes) > rp.MaxReadBytes {
		return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationResourceEgressLimit,
			"estimated resource read exceeds maxReadBytes", 0.7)
	}

	if l.quota != nil {
		passed, reason := l.quota.IncrementAndCheck("method:resources/read", valtypes.QuotaLimits{Minute: 0, Hour: 0}, ctx.Timestamp)
		if !passed {
			return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationQuotaExceeded, reason, 0.9)
		}
	}

	return valtypes.Pass(l.Name())
}

func (l *Layer) checkFileResource(rawPath string, rp valtypes.ResourcePolicy, baseDir string) valtypes.Result {
	if baseDir == "" {
		baseDir = "."
	}
	abs := rawPath
	if !path.IsAbs(abs) {
		abs = filepath.Join(baseDir, abs)
	}
	abs = filepath.ToSlash(filepath.Clean(abs))

	if rp.MaxPathLength > 0 && len(abs) > rp.MaxPathLength {
		return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationResourcePolicy,
			"resource path exceeds maxPathLength", 0.7)
	}

	if len(rp.RootDirs) > 0 {
		underRoot := false
		for _, root := range rp.RootDirs {
			normRoot := filepath.ToSlash(filepath.Clean(root))
			if abs == normRoot || strings.HasPrefix(abs, normRoot+"/") {
				underRoot = true
				break
			}
		}
		if !underRoot {
			return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationResourcePolicy,
				"resource path escapes configured root directories", 0.9)
		}
	}

	if policy.MatchesDenyGlob(abs, rp.DenyGlobs) {
		return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationResourcePolicy,
			"resource path matches a deny glob", 0.9)
	}

	return valtypes.Pass(l.Name())
}

func (l *Layer) checkHTTPResource(rawURI string, rp valtypes.ResourcePolicy) valtypes.Result {
	u, err := url.Parse(rawURI)
	if err != nil {
		return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationResourcePolicy,
			"failed to parse resource URL", 0.85)
	}
	if len(rp.AllowedHosts) > 0 {
		host := stripDefaultPort(u)
		if !contains(rp.AllowedHosts, host) {
			return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationResourcePolicy,
				"resource host not allowed: "+host, 0.9)
		}
	}
	return valtypes.Pass(l.Name())
}

func stripDefaultPort(u *url.URL) string {
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return u.Host
	}
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		return host
	}
	return u.Host
}

func (l *Layer) checkSideEffectsAndEgress(params map[string]interface{}, ctx *valtypes.ValidationContext) valtypes.Result {
	name, _ := params["name"].(string)
	spec, ok := l.registry.Tool(name)
	if !ok {
		return valtypes.Pass(l.Name())
	}

	switch spec.SideEffects {
	case valtypes.SideEffectWrite:
		if !ctx.Policy.AllowWrites {
			return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationSideEffectNotAllowed,
				"tool requires write access not granted by policy", 0.9)
		}
	case valtypes.SideEffectNetwork:
		if !ctx.Policy.AllowNetwork {
			return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationSideEffectNotAllowed,
				"tool requires network access not granted by policy", 0.9)
		}
	}

	if spec.MaxEgressBytes > 0 {
		args, _ := params["arguments"].(map[string]interface{})
		argsBytes, err := json.Marshal(args)
		if err != nil {
			return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationArgSerializationError,
				"failed to serialize tool arguments for egress estimate", 0.7)
		}
		estimatedEgress := int64(len(argsBytes)) * 16
		if estimatedEgress > spec.MaxEgressBytes {
			return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationToolEgressLimit,
				"estimated tool egress exceeds maxEgressBytes", 0.7)
		}
	}

	return valtypes.Pass(l.Name())
}

func (l *Layer) checkChaining(method string, ctx *valtypes.ValidationContext) valtypes.Result {
	key := ctx.SessionKey()
	prev := "*"
	if l.sessions != nil {
		if entry, ok := l.sessions.Get(key, ctx.Timestamp); ok {
			if last, ok := entry.Data["lastMethod"].(string); ok {
				prev = last
			}
		}
	}

	if !l.registry.AllowedNext(prev, method) {
		return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationChainViolation,
			"method chaining rule rejected "+prev+" -> "+method, 0.85)
	}

	if l.sessions != nil {
		l.sessions.Set(key, map[string]interface{}{"lastMethod": method}, ctx.Timestamp)
	}
	return valtypes.Pass(l.Name())
}

func splitScheme(uri string) (scheme, rest string) {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return "", uri
	}
	return uri[:idx], uri[idx+3:]
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
