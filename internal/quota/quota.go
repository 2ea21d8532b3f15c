// Package quota implements the quota provider (C5): a pluggable
// per-minute/per-hour counter keyed by session+tool, checked by the
// semantic layer before a tool call is allowed through.
package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// Provider is anything that can increment-and-check a quota key. The
// semantic layer depends only on this interface, so a distributed
// implementation (see redis.go) can be substituted without changing
// callers.
type Provider interface {
	IncrementAndCheck(key string, limits valtypes.QuotaLimits, now time.Time) (passed bool, reason string)
	Sweep(now time.Time)
}

type counterWindow struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

type keyState struct {
	minute counterWindow
	hour   counterWindow
}

// MemoryProvider is the default in-process quota provider: sliding
// per-key windows guarded by a single mutex, matching the behavior
// layer's tracker shape. clockSkew is the same tolerance WithClockSkew
// configures, applied here to the window-reset comparison so a counter
// does not reset early just because the caller's clock runs slightly
// ahead.
type MemoryProvider struct {
	mu        sync.Mutex
	state     map[string]*keyState
	clockSkew time.Duration
}

// NewMemoryProvider builds an empty in-memory quota provider. clockSkew
// is added to each window's length before a counter is considered
// expired and reset.
func NewMemoryProvider(clockSkew time.Duration) *MemoryProvider {
	if clockSkew < 0 {
		clockSkew = 0
	}
	return &MemoryProvider{state: make(map[string]*keyState), clockSkew: clockSkew}
}

// IncrementAndCheck increments the counters for key and reports whether
// the call is still within both limits. A zero limit in either field
// means that window is not checked, per the data model's QuotaLimits
// convention.
func (p *MemoryProvider) IncrementAndCheck(key string, limits valtypes.QuotaLimits, now time.Time) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state[key]
	if st == nil {
		st = &keyState{}
		p.state[key] = st
	}

	if limits.Minute > 0 {
		if !advance(&st.minute, time.Minute, limits.Minute, now, p.clockSkew) {
			return false, fmt.Sprintf("Per-minute quota exceeded for %s: %d/%d", key, st.minute.count, limits.Minute)
		}
	}
	if limits.Hour > 0 {
		if !advance(&st.hour, time.Hour, limits.Hour, now, p.clockSkew) {
			return false, fmt.Sprintf("Per-hour quota exceeded for %s: %d/%d", key, st.hour.count, limits.Hour)
		}
	}
	return true, ""
}

func advance(w *counterWindow, window time.Duration, limit int, now time.Time, clockSkew time.Duration) bool {
	if w.windowStart.IsZero() || now.Sub(w.windowStart) > window+clockSkew {
		w.windowStart = now
		w.count = 0
	}
	w.count++
	w.lastSeen = now
	return w.count <= limit
}

// Sweep drops keys whose minute and hour counters have both gone stale:
// a bucket is stale once it has sat untouched for longer than its own
// window plus one more window of grace plus clock skew (2*windowMs +
// clockSkewMs), rather than one flat staleness figure shared by both
// buckets. Callers run it from a periodic goroutine; it must never be
// invoked from IncrementAndCheck's call path.
func (p *MemoryProvider) Sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	minuteCutoff := now.Add(-(2*time.Minute + p.clockSkew))
	hourCutoff := now.Add(-(2*time.Hour + p.clockSkew))
	for key, st := range p.state {
		minuteStale := st.minute.lastSeen.IsZero() || st.minute.lastSeen.Before(minuteCutoff)
		hourStale := st.hour.lastSeen.IsZero() || st.hour.lastSeen.Before(hourCutoff)
		if minuteStale && hourStale {
			delete(p.state, key)
		}
	}
}
