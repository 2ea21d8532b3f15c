// Package structure implements the JSON-RPC 2.0 structure layer (L1):
// schema, size, encoding, and control-character hygiene checks that run
// before any content inspection.
package structure

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

const (
	minBytes            = 10
	maxBytes            = 50_000
	maxMethodLength      = 100
	maxParamEntries      = 20
	maxStringLeafLength  = 5000
	maxNestingDepth      = 10
	maxControlChars      = 10
)

var methodNameRe = regexp.MustCompile(`^[A-Za-z0-9_/-]+$`)

// dangerousInvisible mirrors the canonicalizer's zero-width/override set;
// structure hygiene rejects a message containing these even before
// canonicalization runs.
var dangerousInvisible = map[rune]bool{
	0x200B: true, 0x200C: true, 0x200D: true,
	0x2060: true, 0xFEFF: true, 0x202E: true,
}

// knownMethodRequirements is the built-in MCP method requirement table;
// Layer wraps an injected valtypes.MethodSpec so an embedder can extend
// or replace it, defaulting to this set.
var knownMethodRequirements = valtypes.MethodSpec{
	"tools/call":     {Required: []string{"name"}, Optional: []string{"arguments"}},
	"resources/read": {Required: []string{"uri"}},
	"prompts/get":    {Required: []string{"name"}, Optional: []string{"arguments"}},
	"tools/list":     {},
	"resources/list": {},
	"prompts/list":   {},
}

// DefaultMethodSpec returns a copy of the built-in MCP method
// requirement table, for callers (such as internal/mcpserver) that
// need the same default L1 falls back to when populating a separate
// registry that has no such built-in fallback of its own.
func DefaultMethodSpec() valtypes.MethodSpec {
	spec := make(valtypes.MethodSpec, len(knownMethodRequirements))
	for k, v := range knownMethodRequirements {
		spec[k] = v
	}
	return spec
}

// Layer is the structure (L1) validator.
type Layer struct {
	methodSpec      valtypes.MethodSpec
	minBytes        int
	maxBytes        int
	maxStringLen    int
	maxParamEntries int
	maxNestingDepth int
}

// Option configures a Layer at construction.
type Option func(*Layer)

// WithMaxBytes overrides the maximum message size, wiring the
// embedder's configured MaxMessageSize into L1 rather than the
// built-in default.
func WithMaxBytes(n int) Option {
	return func(l *Layer) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// WithMaxStringLength overrides the maximum length of any single string
// leaf within params.
func WithMaxStringLength(n int) Option {
	return func(l *Layer) {
		if n > 0 {
			l.maxStringLen = n
		}
	}
}

// WithMaxParamEntries overrides the maximum number of entries in a
// params object or array, applied at every nesting level.
func WithMaxParamEntries(n int) Option {
	return func(l *Layer) {
		if n > 0 {
			l.maxParamEntries = n
		}
	}
}

// WithMaxNestingDepth overrides how deeply params may nest before L1
// rejects the message outright, independent of its serialized size.
func WithMaxNestingDepth(n int) Option {
	return func(l *Layer) {
		if n > 0 {
			l.maxNestingDepth = n
		}
	}
}

// New builds the structure layer. A nil methodSpec falls back to the
// built-in MCP method table.
func New(methodSpec valtypes.MethodSpec, opts ...Option) *Layer {
	if methodSpec == nil {
		methodSpec = knownMethodRequirements
	}
	l := &Layer{
		methodSpec:      methodSpec,
		minBytes:        minBytes,
		maxBytes:        maxBytes,
		maxStringLen:    maxStringLeafLength,
		maxParamEntries: maxParamEntries,
		maxNestingDepth: maxNestingDepth,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Layer) Name() string { return "Layer1-Structure" }

// Validate runs the structure checks in order, returning the first
// failure.
func (l *Layer) Validate(msg *valtypes.Message, raw []byte) valtypes.Result {
	if msg.JSONRPC != "2.0" {
		return valtypes.Block(l.Name(), valtypes.SeverityCritical, valtypes.ViolationInvalidProtocol,
			"jsonrpc version must be 2.0", 1.0)
	}

	if msg.Method == "" {
		return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationInvalidMethod,
			"method is required", 1.0)
	}
	if len(msg.Method) > maxMethodLength {
		return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationInvalidMethod,
			"method name exceeds maximum length", 1.0)
	}
	if !methodNameRe.MatchString(msg.Method) {
		return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationInvalidMethod,
			"method name contains disallowed characters", 1.0)
	}

	if msg.HasID {
		switch msg.ID.(type) {
		case string, float64, nil:
		default:
			return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationInvalidSchema,
				"id must be a string, number, or null", 1.0)
		}
	}

	if res := l.checkEncodingHygiene(raw); !res.Passed {
		return res
	}

	size := len(raw)
	if size < l.minBytes {
		return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationSizeLimitExceeded,
			"message smaller than minimum allowed size", 0.9)
	}
	if size > l.maxBytes {
		return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationSizeLimitExceeded,
			"message exceeds maximum allowed size", 1.0)
	}

	if res := l.checkParamsShape(msg.Params); !res.Passed {
		return res
	}

	if res := l.checkMethodRequirements(msg); !res.Passed {
		return res
	}

	return valtypes.Pass(l.Name())
}

func (l *Layer) checkEncodingHygiene(raw []byte) valtypes.Result {
	controlCount := 0
	for _, b := range raw {
		if b == 0x00 {
			return valtypes.Block(l.Name(), valtypes.SeverityCritical, valtypes.ViolationDangerousEncoding,
				"message contains a null byte", 1.0)
		}
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			controlCount++
		}
	}
	if controlCount > maxControlChars {
		return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationSuspiciousEncoding,
			"message contains excessive control characters", 0.9)
	}

	for _, r := range string(raw) {
		if dangerousInvisible[r] {
			return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationDangerousEncoding,
				"message contains dangerous invisible unicode", 0.9)
		}
	}
	return valtypes.Pass(l.Name())
}

func (l *Layer) checkParamsShape(params interface{}) valtypes.Result {
	if params == nil {
		return valtypes.Pass(l.Name())
	}
	switch p := params.(type) {
	case map[string]interface{}:
		if len(p) > l.maxParamEntries {
			return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationParamLimitExceeded,
				"params object exceeds maximum entry count", 0.8)
		}
		for _, v := range p {
			if res := l.checkLeaf(v, 1); !res.Passed {
				return res
			}
		}
	case []interface{}:
		if len(p) > l.maxParamEntries {
			return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationParamLimitExceeded,
				"params array exceeds maximum entry count", 0.8)
		}
		for _, v := range p {
			if res := l.checkLeaf(v, 1); !res.Passed {
				return res
			}
		}
	default:
		return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationInvalidSchema,
			"params must be an object or array", 0.9)
	}
	return valtypes.Pass(l.Name())
}

func (l *Layer) checkLeaf(v interface{}, depth int) valtypes.Result {
	if depth > l.maxNestingDepth {
		return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationNestingLimitExceeded,
			"params nesting exceeds maximum depth", 0.8)
	}
	switch leaf := v.(type) {
	case string:
		if len(leaf) > l.maxStringLen {
			return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationStringLimitExceeded,
				"a params string leaf exceeds the maximum length", 0.8)
		}
	case map[string]interface{}:
		if len(leaf) > l.maxParamEntries {
			return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationParamLimitExceeded,
				"nested params object exceeds maximum entry count", 0.8)
		}
		for _, nested := range leaf {
			if res := l.checkLeaf(nested, depth+1); !res.Passed {
				return res
			}
		}
	case []interface{}:
		if len(leaf) > l.maxParamEntries {
			return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationParamLimitExceeded,
				"nested params array exceeds maximum entry count", 0.8)
		}
		for _, nested := range leaf {
			if res := l.checkLeaf(nested, depth+1); !res.Passed {
				return res
			}
		}
	}
	return valtypes.Pass(l.Name())
}

func (l *Layer) checkMethodRequirements(msg *valtypes.Message) valtypes.Result {
	spec, known := l.methodSpec[msg.Method]
	if !known {
		return valtypes.Pass(l.Name())
	}
	if len(spec.Required) == 0 {
		return valtypes.Pass(l.Name())
	}
	obj, _ := msg.Params.(map[string]interface{})
	for _, req := range spec.Required {
		if obj == nil {
			return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationMissingRequiredParam,
				"missing required parameter: "+req, 0.9)
		}
		if _, ok := obj[req]; !ok {
			return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationMissingRequiredParam,
				"missing required parameter: "+req, 0.9)
		}
	}
	return valtypes.Pass(l.Name())
}

// ParseMessage normalizes a raw JSON-RPC payload into a valtypes.Message.
// It accepts the SDK-variant shapes the transport wrapper may see.
func ParseMessage(raw []byte) (*valtypes.Message, error) {
	var wire struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}

	msg := &valtypes.Message{JSONRPC: wire.JSONRPC, Method: wire.Method}

	if len(wire.ID) > 0 && string(wire.ID) != "null" {
		msg.HasID = true
		var id interface{}
		if err := json.Unmarshal(wire.ID, &id); err == nil {
			msg.ID = id
		}
	} else if len(wire.ID) > 0 {
		msg.HasID = true
		msg.ID = nil
	}

	if len(wire.Params) > 0 {
		var params interface{}
		if err := json.Unmarshal(wire.Params, &params); err == nil {
			msg.Params = params
		}
	}

	return msg, nil
}

// Stringify renders params back to a best-effort string for content-layer
// canonicalization; non-string leaves are JSON-encoded.
func Stringify(msg *valtypes.Message) string {
	var b strings.Builder
	b.WriteString(msg.Method)
	if msg.Params != nil {
		encoded, err := json.Marshal(msg.Params)
		if err == nil {
			b.Write(encoded)
		}
	}
	return b.String()
}
