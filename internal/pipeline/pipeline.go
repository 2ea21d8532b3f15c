// Package pipeline implements the validation pipeline (C10): the
// ordered composition of L1-L5 that every inbound message runs
// through, with normalization, audit logging, and panic containment
// applied uniformly regardless of which layer is enabled.
package pipeline

import (
	"log/slog"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/layers/behavior"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/contextual"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/content"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/semantic"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/structure"
	"github.com/thearchitectit/guardrail-mcp/internal/metrics"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// DecisionSink records every terminal pipeline decision (blocked or
// allowed) for audit. Implementations must not block the pipeline for
// long; internal/audit's logger buffers writes for this reason.
type DecisionSink interface {
	Record(msg *valtypes.Message, ctx *valtypes.ValidationContext, result valtypes.Result)
}

type noopSink struct{}

func (noopSink) Record(*valtypes.Message, *valtypes.ValidationContext, valtypes.Result) {}

// Pipeline holds the ordered, enabled layer set. L1-L4 are always
// present; L5 is optional and nil when not configured.
type Pipeline struct {
	structureLayer *structure.Layer
	contentLayer   *content.Layer
	behaviorLayer  *behavior.Layer
	semanticLayer  *semantic.Layer
	contextualLayer *contextual.Layer

	sink DecisionSink
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithContextual installs the optional L5 layer.
func WithContextual(l *contextual.Layer) Option {
	return func(p *Pipeline) { p.contextualLayer = l }
}

// WithSink installs the audit decision sink. Without this option,
// decisions are simply not recorded.
func WithSink(sink DecisionSink) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// New builds a pipeline from the four mandatory layers plus options.
func New(structureLayer *structure.Layer, contentLayer *content.Layer, behaviorLayer *behavior.Layer, semanticLayer *semantic.Layer, opts ...Option) *Pipeline {
	p := &Pipeline{
		structureLayer: structureLayer,
		contentLayer:   contentLayer,
		behaviorLayer:  behaviorLayer,
		semanticLayer:  semanticLayer,
		sink:           noopSink{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate parses raw and runs every configured layer in fixed order —
// L1, L2, L3, L4, then L5 if present — short-circuiting on the first
// failing result. The state machine is terminal in one step per
// message: READY -> (L1..L5 in sequence) -> ALLOWED|BLOCKED.
func (p *Pipeline) Validate(raw []byte, ctx *valtypes.ValidationContext) valtypes.Result {
	msg, err := structure.ParseMessage(raw)
	if err != nil {
		res := valtypes.Block("Pipeline", valtypes.SeverityCritical, valtypes.ViolationMalformedMessage,
			"failed to parse message: "+err.Error(), 1.0).Normalize()
		p.sink.Record(nil, ctx, res)
		return res
	}

	steps := []func() valtypes.Result{
		func() valtypes.Result { return p.structureLayer.Validate(msg, raw) },
		func() valtypes.Result { return p.contentLayer.Validate(msg, ctx, structure.Stringify(msg)) },
		func() valtypes.Result {
			return p.behaviorLayer.Validate(ctx.SessionKey(), len(raw), msg.Method, ctx.Timestamp)
		},
		func() valtypes.Result { return p.semanticLayer.Validate(msg, ctx) },
	}
	if p.contextualLayer != nil {
		steps = append(steps, func() valtypes.Result { return p.contextualLayer.Validate(msg, ctx) })
	}

	for _, step := range steps {
		start := time.Now()
		res := p.runStep(step).Normalize()
		recordLayerMetric(res, time.Since(start))
		if !res.Passed {
			p.sink.Record(msg, ctx, res)
			return res
		}
	}

	final := valtypes.Pass("Pipeline").Normalize()
	p.sink.Record(msg, ctx, final)
	return final
}

// recordLayerMetric reports one layer's decision and latency, keyed by
// the layer name the result itself carries (Layer1-Structure ..
// Layer5-Contextual).
func recordLayerMetric(res valtypes.Result, duration time.Duration) {
	result := "blocked"
	if res.Passed {
		result = "passed"
	}
	metrics.RecordValidation(res.LayerName, result, duration)
}

// ValidateResponse runs the optional L5 response validators over an
// outbound payload. Without a contextual layer installed, every
// response passes.
func (p *Pipeline) ValidateResponse(response interface{}, request *valtypes.Message, ctx *valtypes.ValidationContext) valtypes.Result {
	if p.contextualLayer == nil {
		return valtypes.Pass("Pipeline").Normalize()
	}
	res := func() (res valtypes.Result) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("pipeline: response validation panicked", "panic", r)
				res = valtypes.Block("Pipeline", valtypes.SeverityCritical, valtypes.ViolationValidationError,
					"response validation failed internally", 1.0)
			}
		}()
		return p.contextualLayer.ValidateResponse(response, request, ctx)
	}()
	return res.Normalize()
}

// runStep invokes a single layer step with panic containment: any
// exception from C0-C8 is converted into a CRITICAL VALIDATION_ERROR
// rather than propagating and killing the pipeline.
func (p *Pipeline) runStep(step func() valtypes.Result) (res valtypes.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline: layer panicked", "panic", r)
			res = valtypes.Block("Pipeline", valtypes.SeverityCritical, valtypes.ViolationValidationError,
				"internal validation error", 1.0)
		}
	}()
	return step()
}
