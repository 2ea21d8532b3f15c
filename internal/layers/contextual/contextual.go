// Package contextual implements the contextual layer (L5, optional):
// host-registered validators and response validators, plus a small
// TTL-keyed scratch store for validators that need cross-request
// memory. Unlike every other layer, L5 is entirely host-extensible —
// this package is the registration surface, not a fixed rule set.
package contextual

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// RequestValidatorFunc inspects an inbound message.
type RequestValidatorFunc func(msg *valtypes.Message, ctx *valtypes.ValidationContext) valtypes.Result

// ResponseValidatorFunc inspects an outbound response.
type ResponseValidatorFunc func(response interface{}, request *valtypes.Message, ctx *valtypes.ValidationContext) valtypes.Result

// GlobalRuleFunc runs unconditionally, ahead of every registered
// validator, and fails open on panic unless told otherwise by the
// caller's own recover logic.
type GlobalRuleFunc func(msg *valtypes.Message, ctx *valtypes.ValidationContext) valtypes.Result

// ValidatorOptions configures one registered request validator.
type ValidatorOptions struct {
	Enabled       bool
	Priority      int // ascending: lower runs first
	SkipOnSuccess bool
	FailOnError   bool
}

type registeredValidator struct {
	name string
	fn   RequestValidatorFunc
	opts ValidatorOptions
}

type registeredResponseValidator struct {
	name    string
	fn      ResponseValidatorFunc
	enabled bool
}

type registeredGlobalRule struct {
	fn      GlobalRuleFunc
	enabled bool
}

type contextEntry struct {
	value   interface{}
	expires time.Time
}

// Layer is the L5 validator surface: hosts register validators via
// its public Add* methods, then Validate/ValidateResponse run them.
type Layer struct {
	mu                sync.RWMutex
	globalRules       []registeredGlobalRule
	requestValidators []registeredValidator
	responseValidators []registeredResponseValidator

	storeMu sync.Mutex
	store   map[string]contextEntry
}

// New builds an empty L5 layer. Hosts register built-ins and their
// own validators on the returned layer before wiring it into the
// pipeline.
func New() *Layer {
	return &Layer{store: make(map[string]contextEntry)}
}

func (l *Layer) Name() string { return "Layer5-Contextual" }

// AddGlobalRule registers an unordered rule that runs before every
// request validator.
func (l *Layer) AddGlobalRule(fn GlobalRuleFunc, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalRules = append(l.globalRules, registeredGlobalRule{fn: fn, enabled: enabled})
}

// AddValidator registers a named request validator and keeps the
// internal list sorted by ascending priority.
func (l *Layer) AddValidator(name string, fn RequestValidatorFunc, opts ValidatorOptions) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requestValidators = append(l.requestValidators, registeredValidator{name: name, fn: fn, opts: opts})
	sort.SliceStable(l.requestValidators, func(i, j int) bool {
		return l.requestValidators[i].opts.Priority < l.requestValidators[j].opts.Priority
	})
}

// AddResponseValidator registers a named response validator.
func (l *Layer) AddResponseValidator(name string, fn ResponseValidatorFunc, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responseValidators = append(l.responseValidators, registeredResponseValidator{name: name, fn: fn, enabled: enabled})
}

// Validate runs the global rules, then the enabled request validators
// in priority order, halting on the first failing result.
func (l *Layer) Validate(msg *valtypes.Message, ctx *valtypes.ValidationContext) valtypes.Result {
	l.mu.RLock()
	rules := append([]registeredGlobalRule(nil), l.globalRules...)
	validators := append([]registeredValidator(nil), l.requestValidators...)
	l.mu.RUnlock()

	for _, rule := range rules {
		if !rule.enabled {
			continue
		}
		res := l.runGlobalRule(rule, msg, ctx)
		if !res.Passed {
			return res
		}
	}

	for _, v := range validators {
		if !v.opts.Enabled {
			continue
		}
		res := l.runValidator(v, msg, ctx)
		if !res.Passed {
			return res
		}
		if res.Passed && v.opts.SkipOnSuccess {
			break
		}
	}

	return valtypes.Pass(l.Name())
}

// ValidateResponse runs the enabled response validators in
// registration order, halting on the first failing result.
func (l *Layer) ValidateResponse(response interface{}, request *valtypes.Message, ctx *valtypes.ValidationContext) valtypes.Result {
	l.mu.RLock()
	validators := append([]registeredResponseValidator(nil), l.responseValidators...)
	l.mu.RUnlock()

	for _, v := range validators {
		if !v.enabled {
			continue
		}
		res := l.runResponseValidator(v, response, request, ctx)
		if !res.Passed {
			return res
		}
	}
	return valtypes.Pass(l.Name())
}

func (l *Layer) runGlobalRule(rule registeredGlobalRule, msg *valtypes.Message, ctx *valtypes.ValidationContext) (res valtypes.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("contextual: global rule panicked, treating as pass", "panic", r)
			res = valtypes.Pass(l.Name())
		}
	}()
	return rule.fn(msg, ctx)
}

// runValidator invokes a single request validator. A panic is logged
// and treated as a pass unless the validator opted into FailOnError,
// in which case it becomes a MEDIUM VALIDATOR_ERROR failure.
func (l *Layer) runValidator(v registeredValidator, msg *valtypes.Message, ctx *valtypes.ValidationContext) (res valtypes.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("contextual: request validator panicked", "name", v.name, "panic", r)
			if v.opts.FailOnError {
				res = valtypes.Block(l.Name(), valtypes.SeverityMedium, valtypes.ViolationValidatorError,
					"validator "+v.name+" failed", 0.6)
				return
			}
			res = valtypes.Pass(l.Name())
		}
	}()
	return v.fn(msg, ctx)
}

func (l *Layer) runResponseValidator(v registeredResponseValidator, response interface{}, request *valtypes.Message, ctx *valtypes.ValidationContext) (res valtypes.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("contextual: response validator panicked, treating as pass", "name", v.name, "panic", r)
			res = valtypes.Pass(l.Name())
		}
	}()
	return v.fn(response, request, ctx)
}

// SetContext stores value under key for ttl. Validators use this for
// cross-request memory (e.g., per-session rate shaping).
func (l *Layer) SetContext(key string, value interface{}, ttl time.Duration, now time.Time) {
	l.storeMu.Lock()
	defer l.storeMu.Unlock()
	l.store[key] = contextEntry{value: value, expires: now.Add(ttl)}
}

// GetContext retrieves a stored value. Expiry is evaluated lazily on
// read: an expired entry is evicted and reported as absent.
func (l *Layer) GetContext(key string, now time.Time) (interface{}, bool) {
	l.storeMu.Lock()
	defer l.storeMu.Unlock()
	entry, ok := l.store[key]
	if !ok {
		return nil, false
	}
	if now.After(entry.expires) {
		delete(l.store, key)
		return nil, false
	}
	return entry.value, true
}
