// Package content implements the content layer (L2): canonicalizes the
// message, then runs the pattern catalog over the canonical form, plus
// the data-URI and CSS checks the catalog keeps separate.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/thearchitectit/guardrail-mcp/internal/canon"
	"github.com/thearchitectit/guardrail-mcp/internal/catalog"
	"github.com/thearchitectit/guardrail-mcp/internal/metrics"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// defaultCacheMaxSize bounds the canonicalization memo cache. On
// overflow it is cleared wholesale rather than LRU-evicted: simplicity
// trumps a few extra recomputes.
const defaultCacheMaxSize = 1000

// Layer is the content (L2) validator.
type Layer struct {
	mu           sync.Mutex
	memo         map[string]string
	cacheMaxSize int
}

// New builds the content layer with the default memo cache size.
func New() *Layer {
	return &Layer{memo: make(map[string]string), cacheMaxSize: defaultCacheMaxSize}
}

func (l *Layer) Name() string { return "Layer2-Content" }

// Validate canonicalizes the message and scans it for catalog matches,
// data-URI abuse, and CSS injection, in that order.
func (l *Layer) Validate(msg *valtypes.Message, ctx *valtypes.ValidationContext, serialized string) valtypes.Result {
	if msg == nil {
		return valtypes.Block(l.Name(), valtypes.SeverityCritical, valtypes.ViolationValidationError,
			"message is null or undefined", 1.0)
	}

	canonical := l.canonicalize(msg, serialized)
	ctx.Canonical = canonical
	ctx.HasCanonical = true

	if m, ok := catalog.ScanDataURIs(canonical); ok {
		return valtypes.Block(l.Name(), m.Severity, m.ViolationType, m.Name, m.Confidence)
	}
	if m, ok := catalog.ScanCSS(canonical); ok {
		return valtypes.Block(l.Name(), m.Severity, m.ViolationType, m.Name, m.Confidence)
	}
	if m, ok := catalog.Scan(canonical); ok {
		return valtypes.Block(l.Name(), m.Severity, m.ViolationType, m.Name, m.Confidence)
	}

	return valtypes.Pass(l.Name())
}

// canonicalize memoizes the canonical form by a {method, hash(params),
// size} key, in a simple capped map consistent with the
// clear-on-overflow policy.
func (l *Layer) canonicalize(msg *valtypes.Message, serialized string) string {
	key := l.memoKey(msg, serialized)

	l.mu.Lock()
	if cached, ok := l.memo[key]; ok {
		l.mu.Unlock()
		metrics.RecordCacheHit("canonicalization")
		return cached
	}
	l.mu.Unlock()
	metrics.RecordCacheMiss("canonicalization")

	result := canon.Canonicalize(serialized)

	l.mu.Lock()
	if len(l.memo) >= l.cacheMaxSize {
		l.memo = make(map[string]string)
	}
	l.memo[key] = result
	l.mu.Unlock()

	return result
}

func (l *Layer) memoKey(msg *valtypes.Message, serialized string) string {
	sum := sha256.Sum256([]byte(serialized))
	return fmt.Sprintf("%s:%s:%d", msg.Method, hex.EncodeToString(sum[:8]), len(serialized))
}
