package contextual

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/security"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// RegisterOAuthURLCheck adds a request validator that rejects
// "resources/read" and tool-argument URIs pointing at an OAuth
// authorization endpoint outside allowedHosts — a common SSRF/token-
// theft vector in MCP clients that blindly follow redirect_uri params.
func (l *Layer) RegisterOAuthURLCheck(allowedHosts []string, opts ValidatorOptions) {
	l.AddValidator("oauth-url-check", func(msg *valtypes.Message, ctx *valtypes.ValidationContext) valtypes.Result {
		params, _ := msg.Params.(map[string]interface{})
		raw, _ := json.Marshal(params)
		for _, match := range extractURLs(string(raw)) {
			u, err := url.Parse(match)
			if err != nil {
				continue
			}
			if !strings.Contains(strings.ToLower(u.Path), "oauth") && !strings.Contains(strings.ToLower(u.Path), "authorize") {
				continue
			}
			if !hostAllowed(u.Hostname(), allowedHosts) {
				return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationResourcePolicy,
					"oauth authorization URL targets a disallowed host: "+u.Hostname(), 0.8)
			}
		}
		return valtypes.Pass(l.Name())
	}, opts)
}

// RegisterResponseSecretScrubber adds a response validator that flags
// (rather than mutates — L5 validators report pass/fail, not rewrite)
// outbound content containing what looks like a credential, reusing
// the same pattern catalog the document-ingestion path uses.
func (l *Layer) RegisterResponseSecretScrubber(enabled bool) {
	l.AddResponseValidator("response-secret-scrubber", func(response interface{}, request *valtypes.Message, ctx *valtypes.ValidationContext) valtypes.Result {
		raw, err := json.Marshal(response)
		if err != nil {
			return valtypes.Pass(l.Name())
		}
		if security.HasSecrets(string(raw)) {
			return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationDangerousDataURI,
				"response content matches a known secret pattern", 0.85)
		}
		return valtypes.Pass(l.Name())
	}, enabled)
}

// rateShaper is a minimal per-method sliding counter backing
// RegisterMethodRateShaping. It is intentionally simpler than the
// behavior layer's tracker: L5 rate shaping is meant as an example
// host extension, not a replacement for C4.
type rateShaper struct {
	mu     sync.Mutex
	counts map[string]int
	window time.Duration
	limit  int
	reset  time.Time
}

// RegisterMethodRateShaping adds a request validator that caps calls
// to a single method within window, independent of the behavior
// layer's overall rate limits — useful for throttling one expensive
// method (e.g. a search tool) more tightly than the rest.
func (l *Layer) RegisterMethodRateShaping(method string, limit int, window time.Duration, now time.Time, opts ValidatorOptions) {
	shaper := &rateShaper{counts: make(map[string]int), window: window, limit: limit, reset: now.Add(window)}
	l.AddValidator("rate-shape:"+method, func(msg *valtypes.Message, ctx *valtypes.ValidationContext) valtypes.Result {
		if msg.Method != method {
			return valtypes.Pass(l.Name())
		}
		shaper.mu.Lock()
		defer shaper.mu.Unlock()

		if ctx.Timestamp.After(shaper.reset) {
			shaper.counts = make(map[string]int)
			shaper.reset = ctx.Timestamp.Add(shaper.window)
		}
		key := ctx.SessionKey()
		shaper.counts[key]++
		if shaper.counts[key] > limit {
			return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationRateLimitExceeded,
				"method "+method+" exceeded its per-session rate shape", 0.7)
		}
		return valtypes.Pass(l.Name())
	}, opts)
}

func hostAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, h := range allowed {
		if h == host {
			return true
		}
	}
	return false
}

// extractURLs finds http/https substrings in s without pulling in a
// full tokenizer — good enough for a best-effort built-in validator.
func extractURLs(s string) []string {
	var urls []string
	for _, scheme := range []string{"https://", "http://"} {
		idx := 0
		for {
			pos := strings.Index(s[idx:], scheme)
			if pos < 0 {
				break
			}
			start := idx + pos
			end := start
			for end < len(s) && !strings.ContainsRune(" \t\n\"'<>", rune(s[end])) {
				end++
			}
			urls = append(urls, s[start:end])
			idx = end
		}
	}
	return urls
}
