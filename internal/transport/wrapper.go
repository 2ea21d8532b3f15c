// Package transport implements the secure transport wrapper (C12): the
// boundary every raw JSON-RPC payload crosses before it reaches the
// wrapped MCP server, and every outbound response crosses before it
// reaches the client. It classifies a payload as request, notification,
// or response, runs the appropriate side of the validation pipeline,
// and turns a blocked result into a sanitized JSON-RPC error rather
// than ever forwarding the raw violation upstream.
package transport

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/pipeline"
	"github.com/thearchitectit/guardrail-mcp/internal/sanitizer"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// Action tells the caller what to do with a validated inbound payload.
type Action int

const (
	// ActionForward means the payload passed validation and should be
	// handed to the wrapped MCP server unmodified.
	ActionForward Action = iota
	// ActionRespond means validation blocked the payload and Output
	// holds the sanitized JSON-RPC error to send back to the caller in
	// place of a forwarded request.
	ActionRespond
	// ActionDrop means validation blocked the payload but it was a
	// notification — JSON-RPC notifications get no response, so the
	// payload is silently discarded.
	ActionDrop
)

// envelope is the minimal wire shape used to classify a raw payload
// without fully decoding it: a response carries an id and either a
// result or an error, and never a method.
type envelope struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Classify reports whether raw looks like a JSON-RPC response (as
// opposed to a request or notification). Malformed payloads classify
// as non-response so they still go through request validation and get
// rejected there with a proper sanitized error.
func Classify(raw []byte) (isResponse bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	if env.Method != "" {
		return false
	}
	return len(env.Result) > 0 || len(env.Error) > 0
}

// Wrapper is the C12 boundary: a validation pipeline plus an error
// sanitizer, independent of any specific transport (stdio, HTTP/SSE).
type Wrapper struct {
	pipeline  *pipeline.Pipeline
	sanitizer *sanitizer.Sanitizer
}

// New builds a Wrapper around an already-configured pipeline and
// sanitizer.
func New(p *pipeline.Pipeline, s *sanitizer.Sanitizer) *Wrapper {
	return &Wrapper{pipeline: p, sanitizer: s}
}

// HandleInbound classifies and validates one raw inbound payload.
// Responses are forwarded verbatim without ever entering the pipeline:
// traffic flowing from the upstream server back through a proxying
// client is not itself a new MCP request and carries no method to
// validate against. Requests and notifications are parsed and run
// through the pipeline; a blocked request gets a sanitized JSON-RPC
// error, a blocked notification is dropped silently.
func (w *Wrapper) HandleInbound(raw []byte, ctx *valtypes.ValidationContext) (Action, []byte) {
	if Classify(raw) {
		return ActionForward, raw
	}

	result := w.pipeline.Validate(raw, ctx)
	if result.Passed {
		return ActionForward, raw
	}

	id, hasID := extractID(raw)
	if !hasID {
		return ActionDrop, nil
	}

	errResp := w.sanitizer.CreateSanitizedErrorResponse(id, result.Reason, result.Severity, result.ViolationType, ctx.Timestamp)
	body, err := errResp.Marshal()
	if err != nil {
		slog.Error("transport: failed to marshal sanitized error response", "error", err)
		return ActionDrop, nil
	}
	return ActionRespond, body
}

// HandleOutbound runs the optional L5 response validators over an
// outbound payload. A blocked response is replaced with a sanitized
// JSON-RPC error carrying the original request's id, so a response
// that would leak a secret or violate an L5 policy never reaches the
// caller intact.
func (w *Wrapper) HandleOutbound(response interface{}, request *valtypes.Message, ctx *valtypes.ValidationContext) (Action, []byte) {
	result := w.pipeline.ValidateResponse(response, request, ctx)
	if result.Passed {
		body, err := json.Marshal(response)
		if err != nil {
			slog.Error("transport: failed to marshal outbound response", "error", err)
			errResp := w.sanitizer.CreateSanitizedErrorResponse(requestID(request), "failed to encode response", valtypes.SeverityCritical, valtypes.ViolationInternalError, time.Now())
			out, _ := errResp.Marshal()
			return ActionRespond, out
		}
		return ActionForward, body
	}

	errResp := w.sanitizer.CreateSanitizedErrorResponse(requestID(request), result.Reason, result.Severity, result.ViolationType, ctx.Timestamp)
	body, err := errResp.Marshal()
	if err != nil {
		slog.Error("transport: failed to marshal sanitized response error", "error", err)
		return ActionDrop, nil
	}
	return ActionRespond, body
}

func requestID(request *valtypes.Message) interface{} {
	if request == nil || !request.HasID {
		return nil
	}
	return request.ID
}

func extractID(raw []byte) (interface{}, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if len(env.ID) == 0 || string(env.ID) == "null" {
		return nil, false
	}
	var id interface{}
	if err := json.Unmarshal(env.ID, &id); err != nil {
		return nil, false
	}
	return id, true
}
