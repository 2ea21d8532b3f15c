// Package behavior implements the behavior layer (L3): per-process
// sliding-window rate/burst tracking and lightweight automation
// heuristics (oversize messages, low-variance timing, probing method
// names).
package behavior

import (
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/metrics"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

const (
	minuteWindow     = 60_000 * time.Millisecond
	hourWindow       = 3_600_000 * time.Millisecond
	burstRingWindow  = 30_000 * time.Millisecond
	burstLookback    = 10_000 * time.Millisecond
	oversizeBytes    = 20_000
	ringSweepMaxAge  = time.Hour
	counterStaleness = 2 * time.Hour
)

var probingMethodRe = regexp.MustCompile(`(?i)^(test|probe|check|scan|enum)|admin|secret|key|config`)

type window struct {
	count      int
	windowStart time.Time
	lastSeen   time.Time
}

// scopeState is per-process state: every key shares the same tracker,
// guarded here by a mutex since Go runs multiple goroutines concurrently.
type scopeState struct {
	minute window
	hour   window
	ring   []time.Time
	inter  []time.Duration
	last   time.Time
}

// Layer is the behavior (L3) validator. maxPerMinute/maxPerHour/
// burstThreshold are the embedder-facing options
// (maxRequestsPerMinute, maxRequestsPerHour, burstThreshold); the rest
// of the thresholds are fixed constants.
type Layer struct {
	mu             sync.Mutex
	state          map[string]*scopeState
	burstThreshold int
	maxPerMinute   int
	maxPerHour     int
	burstLookback  time.Duration
}

// New builds the behavior layer with the given limits. Zero values fall
// back to the shipped defaults.
func New(maxPerMinute, maxPerHour, burstThreshold int) *Layer {
	if burstThreshold <= 0 {
		burstThreshold = 8
	}
	if maxPerMinute <= 0 {
		maxPerMinute = 120
	}
	if maxPerHour <= 0 {
		maxPerHour = 3000
	}
	return &Layer{
		state:          make(map[string]*scopeState),
		burstThreshold: burstThreshold,
		maxPerMinute:   maxPerMinute,
		maxPerHour:     maxPerHour,
		burstLookback:  burstLookback,
	}
}

// SetLimits hot-swaps the sustained-rate and burst thresholds, for a
// config.Watcher reload without restarting the process. Zero values are
// ignored so a partial reload can't zero out a limit by accident.
func (l *Layer) SetLimits(maxPerMinute, maxPerHour, burstThreshold int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if maxPerMinute > 0 {
		l.maxPerMinute = maxPerMinute
	}
	if maxPerHour > 0 {
		l.maxPerHour = maxPerHour
	}
	if burstThreshold > 0 {
		l.burstThreshold = burstThreshold
	}
}

// SetBurstWindow hot-swaps the lookback window burst detection counts
// recent arrivals within (BurstWindowMs).
func (l *Layer) SetBurstWindow(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d > 0 {
		l.burstLookback = d
	}
}

func (l *Layer) Name() string { return "Layer3-Behavior" }

// Validate runs the checks in fixed order: per-minute rate, per-hour
// rate, burst, oversize, automated timing, probing method name.
func (l *Layer) Validate(key string, serializedSize int, method string, now time.Time) valtypes.Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state[key]
	if st == nil {
		st = &scopeState{}
		l.state[key] = st
	}

	if res := advanceAndCheck(&st.minute, minuteWindow, l.maxPerMinute, now, l.Name(),
		valtypes.ViolationRateLimitExceeded, "per-minute rate exceeded"); !res.Passed {
		metrics.RecordRateLimitHit("minute", method)
		return res
	}
	if res := advanceAndCheck(&st.hour, hourWindow, l.maxPerHour, now, l.Name(),
		valtypes.ViolationRateLimitExceeded, "per-hour rate exceeded"); !res.Passed {
		metrics.RecordRateLimitHit("hour", method)
		return res
	}

	st.ring = append(st.ring, now)
	cutoff := now.Add(-burstRingWindow)
	st.ring = dropBefore(st.ring, cutoff)
	burstCutoff := now.Add(-l.burstLookback)
	recent := countAfter(st.ring, burstCutoff)
	if recent > l.burstThreshold {
		metrics.RecordRateLimitHit("burst", method)
		return valtypes.Block(l.Name(), valtypes.SeverityHigh, valtypes.ViolationBurstActivity,
			"burst activity detected", 0.9)
	}
	metrics.RecordRateLimitAllowed("session")

	if serializedSize > oversizeBytes {
		return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationOversizedMessage,
			"message exceeds oversize threshold", 0.7)
	}

	if !st.last.IsZero() {
		st.inter = append(st.inter, now.Sub(st.last))
		if len(st.inter) > 5 {
			st.inter = st.inter[len(st.inter)-5:]
		}
	}
	st.last = now
	if len(st.inter) == 5 {
		mean, stddev := meanStddev(st.inter)
		if mean >= 100*time.Millisecond && mean <= 2000*time.Millisecond && stddev < 50*time.Millisecond {
			return valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationAutomatedTiming,
				"automated request timing detected", 0.75)
		}
	}

	if probingMethodRe.MatchString(method) {
		return valtypes.Block(l.Name(), valtypes.SeverityLow, valtypes.ViolationSuspiciousMethod,
			"method name matches a probing pattern", 0.5)
	}

	return valtypes.Pass(l.Name())
}

func advanceAndCheck(w *window, windowMs time.Duration, limit int, now time.Time, layerName string, vt valtypes.ViolationType, reason string) valtypes.Result {
	if w.windowStart.IsZero() || now.Sub(w.windowStart) > windowMs {
		w.windowStart = now
		w.count = 0
	}
	w.count++
	w.lastSeen = now
	if w.count > limit {
		return valtypes.Block(layerName, valtypes.SeverityHigh, vt, reason, 0.85)
	}
	return valtypes.Pass(layerName)
}

func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func countAfter(ts []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range ts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func meanStddev(durations []time.Duration) (time.Duration, time.Duration) {
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	mean := sum / time.Duration(len(durations))

	var variance float64
	for _, d := range durations {
		diff := float64(d - mean)
		variance += diff * diff
	}
	variance /= float64(len(durations))
	stddev := time.Duration(math.Sqrt(variance))
	return mean, stddev
}

// Sweep drops ring entries older than an hour and counters untouched for
// more than 2 hours. It must not block Validate; callers run it from a
// ticker goroutine at an interval of at least 60s.
func (l *Layer) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ringCutoff := now.Add(-ringSweepMaxAge)
	staleCutoff := now.Add(-counterStaleness)

	for key, st := range l.state {
		st.ring = dropBefore(st.ring, ringCutoff)
		minuteStale := st.minute.lastSeen.IsZero() || st.minute.lastSeen.Before(staleCutoff)
		hourStale := st.hour.lastSeen.IsZero() || st.hour.lastSeen.Before(staleCutoff)
		if minuteStale {
			st.minute = window{}
		}
		if hourStale {
			st.hour = window{}
		}
		if len(st.ring) == 0 && minuteStale && hourStale {
			delete(l.state, key)
		}
	}
}
