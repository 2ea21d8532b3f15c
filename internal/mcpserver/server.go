package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpgo "github.com/mark3labs/mcp-go/server"

	"github.com/thearchitectit/guardrail-mcp/internal/layers/behavior"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/content"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/semantic"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/structure"
	"github.com/thearchitectit/guardrail-mcp/internal/pipeline"
	"github.com/thearchitectit/guardrail-mcp/internal/policy"
	"github.com/thearchitectit/guardrail-mcp/internal/quota"
	"github.com/thearchitectit/guardrail-mcp/internal/sanitizer"
	"github.com/thearchitectit/guardrail-mcp/internal/session"
	"github.com/thearchitectit/guardrail-mcp/internal/transport"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// ToolHandlerFunc is the signature an embedder registers for a single
// tool, identical to mark3labs/mcp-go's own HandleCallTool shape so
// existing handlers can be dropped in unchanged.
type ToolHandlerFunc func(ctx context.Context, name string, arguments map[string]interface{}) (*mcp.CallToolResult, error)

// ResourceHandlerFunc is the signature an embedder registers for
// reading one resource URI.
type ResourceHandlerFunc func(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)

type registeredTool struct {
	descriptor mcp.Tool
}

type registeredResource struct {
	descriptor mcp.Resource
}

// Server is the embedder-facing wrapped MCP server SecureMcpServer
// builds: a mark3labs/mcp-go server.MCPServer whose every inbound
// message first crosses a transport.Wrapper, and whose every outbound
// response is checked by the optional L5 layer before it reaches the
// caller.
type Server struct {
	info    ServerInfo
	opts    Options
	mcp     mcpgo.MCPServer
	wrapper *transport.Wrapper

	registry *policy.Registry
	sessions *session.Store
	behavior *behavior.Layer
	quota    quota.Provider

	mu        sync.RWMutex
	tools     map[string]registeredTool
	resources map[string]registeredResource
	toolFunc  ToolHandlerFunc
	resFunc   ResourceHandlerFunc
}

// SecureMcpServer constructs the wrapped MCP server: a standard
// server.MCPServer with the validation pipeline wired in front of it.
// options is an ordered set of functional Option values;
// defaults match internal/config.Load's zero-value behavior so a
// caller using SecureMcpServer without any options gets the same
// posture as the standalone process.
func SecureMcpServer(info ServerInfo, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	applyLogLevel(o.LogLevel)

	registry := buildRegistry(o)
	sessions := buildSessionStore(o)

	quotaProvider := o.QuotaProvider
	if quotaProvider == nil {
		quotaProvider = quota.NewMemoryProvider(time.Duration(o.ClockSkewMs) * time.Millisecond)
	}

	behaviorLayer := behavior.New(o.MaxRequestsPerMinute, o.MaxRequestsPerHour, o.BurstThreshold)
	if o.BurstWindowMs > 0 {
		behaviorLayer.SetBurstWindow(time.Duration(o.BurstWindowMs) * time.Millisecond)
	}
	contentLayer := content.New()
	structureLayer := structure.New(o.MethodSpec,
		structure.WithMaxBytes(int(o.MaxMessageSize)),
		structure.WithMaxStringLength(o.MaxStringLength),
		structure.WithMaxParamEntries(o.MaxParamEntries),
		structure.WithMaxNestingDepth(o.MaxNestingDepth),
	)
	semanticLayer := semantic.New(registry, quotaProvider, sessions, o.ChainingEnabled)

	pipelineOpts := []pipeline.Option{}
	if o.Contextual != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithContextual(o.Contextual))
	}
	if o.Sink != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithSink(o.Sink))
	}
	p := pipeline.New(structureLayer, contentLayer, behaviorLayer, semanticLayer, pipelineOpts...)

	s := &Server{
		info:      info,
		opts:      o,
		mcp:       mcpgo.NewDefaultServer(info.Name, info.Version),
		wrapper:   transport.New(p, sanitizer.New(isProduction(o))),
		registry:  registry,
		sessions:  sessions,
		behavior:  behaviorLayer,
		quota:     quotaProvider,
		tools:     make(map[string]registeredTool),
		resources: make(map[string]registeredResource),
	}

	s.mcp.HandleListTools(s.listTools)
	s.mcp.HandleCallTool(s.callTool)
	s.mcp.HandleListResources(s.listResources)
	s.mcp.HandleReadResource(s.readResource)

	return s
}

// isProduction infers the sanitizer's posture from the logging
// options: an embedder that turned on verbose logging is explicitly
// asking for developer-facing detail, which is incompatible with
// production-mode's randomized generic messages.
func isProduction(o Options) bool {
	return !o.VerboseLogging
}

func applyLogLevel(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(lvl)
}

// RegisterTool adds a tool to both the semantic layer's allowed-tool
// registry and the wrapped MCP server's call-tool dispatch table. All
// tools share one ToolHandlerFunc dispatched by name, matching the
// teacher's single HandleCallTool-with-switch pattern.
func (s *Server) RegisterTool(spec valtypes.ToolSpec, descriptor mcp.Tool, handler ToolHandlerFunc) {
	s.registry.SetTool(spec)
	s.mu.Lock()
	s.tools[spec.Name] = registeredTool{descriptor: descriptor}
	s.toolFunc = handler
	s.mu.Unlock()
}

// RegisterResource adds a resource to the wrapped MCP server's
// read-resource dispatch table.
func (s *Server) RegisterResource(descriptor mcp.Resource, handler ResourceHandlerFunc) {
	s.mu.Lock()
	s.resources[descriptor.Uri] = registeredResource{descriptor: descriptor}
	s.resFunc = handler
	s.mu.Unlock()
}

func (s *Server) listTools(ctx context.Context, cursor *string) (*mcp.ListToolsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]mcp.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t.descriptor)
	}
	return &mcp.ListToolsResult{Tools: tools}, nil
}

func (s *Server) callTool(ctx context.Context, name string, arguments map[string]interface{}) (*mcp.CallToolResult, error) {
	s.mu.RLock()
	handler := s.toolFunc
	s.mu.RUnlock()
	if handler == nil {
		return &mcp.CallToolResult{
			Content: []interface{}{mcp.TextContent{Type: "text", Text: "tool not implemented: " + name}},
			IsError: true,
		}, nil
	}
	return handler(ctx, name, arguments)
}

func (s *Server) listResources(ctx context.Context, cursor *string) (*mcp.ListResourcesResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resources := make([]mcp.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		resources = append(resources, r.descriptor)
	}
	return &mcp.ListResourcesResult{Resources: resources}, nil
}

func (s *Server) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	s.mu.RLock()
	handler := s.resFunc
	s.mu.RUnlock()
	if handler == nil {
		return &mcp.ReadResourceResult{
			Contents: []interface{}{mcp.TextResourceContents{Uri: uri, Text: "resource not found: " + uri}},
		}, nil
	}
	return handler(ctx, uri)
}

// HandleMessage implements transport.MessageHandler: it is the single
// point every transport (stdio, HTTP/SSE) funnels a raw payload
// through. Inbound validation runs first; only a passing message ever
// reaches the wrapped mark3labs/mcp-go dispatch, and its result runs
// back through outbound (L5) validation before it is returned.
func (s *Server) HandleMessage(ctx context.Context, raw []byte, valCtx *valtypes.ValidationContext) []byte {
	if valCtx.Policy == (valtypes.Policy{}) {
		valCtx.Policy = valtypes.Policy{AllowNetwork: s.opts.DefaultAllowNetwork, AllowWrites: s.opts.DefaultAllowWrites}
	}

	action, out := s.wrapper.HandleInbound(raw, valCtx)
	switch action {
	case transport.ActionDrop:
		return nil
	case transport.ActionRespond:
		return out
	}

	if transport.Classify(raw) {
		return raw
	}

	msg, err := structure.ParseMessage(raw)
	if err != nil {
		// HandleInbound already validated structure; a parse failure
		// here would mean the pipeline and this parse disagree, which
		// should not happen, so fail closed rather than dispatch.
		slog.Error("mcpserver: re-parse of a passed message failed", "error", err)
		return nil
	}
	if !msg.HasID {
		s.dispatchNotification(ctx, raw)
		return nil
	}

	var request mcpgo.JSONRPCRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		slog.Error("mcpserver: failed to decode validated request", "error", err)
		return nil
	}

	response := s.mcp.Request(ctx, request)

	respAction, respOut := s.wrapper.HandleOutbound(response, msg, valCtx)
	if respAction == transport.ActionDrop {
		return nil
	}
	return respOut
}

func (s *Server) dispatchNotification(ctx context.Context, raw []byte) {
	var request mcpgo.JSONRPCRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return
	}
	_ = s.mcp.Request(ctx, request)
}

// Connect starts receiving on the given transport. srv is either a
// *transport.StdioServer or a *transport.HTTPServer; both accept a
// context and run until it is cancelled or the underlying stream
// closes.
func (s *Server) Connect(ctx context.Context, srv interface {
	Serve(ctx context.Context) error
}) error {
	return srv.Serve(ctx)
}

// Shutdown flushes the background bookkeeping required on teardown:
// the behavior layer's ring/counter sweep and the quota
// provider's sweep, both run once more with the current time so a
// caller inspecting state immediately after Shutdown sees it fully
// reclaimed rather than waiting for the next scheduled tick.
func (s *Server) Shutdown(ctx context.Context) error {
	now := time.Now()
	s.behavior.Sweep(now)
	s.quota.Sweep(now)
	if closer, ok := s.quota.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Registry exposes the semantic layer's registry so an embedder can
// hot-swap it (e.g. from internal/catalog.Watcher or a policy reload
// endpoint) without rebuilding the whole server.
func (s *Server) Registry() *policy.Registry { return s.registry }

// Sessions exposes the session store for embedders that want to
// inspect or seed session state directly (e.g. a test harness).
func (s *Server) Sessions() *session.Store { return s.sessions }

// Behavior exposes the L3 layer so a config.Watcher can hot-swap its
// rate and burst thresholds without rebuilding the server.
func (s *Server) Behavior() *behavior.Layer { return s.behavior }
