package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/thearchitectit/guardrail-mcp/internal/metrics"
	guardrailMiddleware "github.com/thearchitectit/guardrail-mcp/internal/middleware"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// MessageHandler is the boundary transport.HTTPServer calls into for
// every validated (or validation-rejected) raw JSON-RPC payload. The
// embedder-facing internal/mcpserver package implements this, wiring
// a Wrapper together with the underlying mark3labs/mcp-go server.
type MessageHandler interface {
	// HandleMessage processes one raw inbound JSON-RPC payload end to
	// end: inbound validation, dispatch to the MCP server if allowed,
	// outbound validation of the result. It returns the raw bytes to
	// send back to the caller, or nil for a notification that produces
	// no response (whether blocked or successfully processed).
	HandleMessage(ctx context.Context, raw []byte, valCtx *valtypes.ValidationContext) []byte
}

// sseSession is one long-lived SSE connection's response sink.
type sseSession struct {
	id            string
	createdAt     time.Time
	lastActivity  time.Time
	responseQueue chan []byte
	closed        chan struct{}
}

// HTTPServer is the streamable-HTTP transport: an SSE endpoint for the
// server-to-client direction and a POST endpoint for client-to-server
// messages.
type HTTPServer struct {
	echo           *echo.Echo
	handler        MessageHandler
	productionMode bool
	addr           string

	sessionsMu sync.RWMutex
	sessions   map[string]*sseSession
}

// HTTPOption configures an HTTPServer at construction.
type HTTPOption func(*HTTPServer)

// WithProductionMode restricts the SSE endpoint's allowed CORS origins
// to the production allow-list instead of localhost wildcards.
func WithProductionMode(production bool) HTTPOption {
	return func(s *HTTPServer) { s.productionMode = production }
}

// WithAddr sets the listen address Serve binds to.
func WithAddr(addr string) HTTPOption {
	return func(s *HTTPServer) { s.addr = addr }
}

// NewHTTPServer builds the Echo app and routes. handler receives every
// validated message; the server itself owns no validation logic beyond
// the classify-and-dispatch plumbing.
func NewHTTPServer(handler MessageHandler, opts ...HTTPOption) *HTTPServer {
	s := &HTTPServer{handler: handler, sessions: make(map[string]*sseSession)}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(guardrailMiddleware.CorrelationIDMiddleware())
	e.Use(guardrailMiddleware.RequestLogger())
	e.Use(metrics.PrometheusMiddleware())
	e.Use(s.securityHeadersMiddleware())
	e.Use(middleware.BodyLimit("1M"))

	e.GET("/mcp/v1/sse", s.handleSSE)
	e.POST("/mcp/v1/message", s.handleMessagePost, middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: 30 * time.Second,
	}))

	s.echo = e
	go s.runSessionCleanup()
	return s
}

// Start runs the HTTP server, blocking until it stops or errors.
func (s *HTTPServer) Start(addr string) error {
	slog.Info("transport: starting HTTP/SSE server", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown gracefully drains in-flight connections.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Serve runs the server on the address set by WithAddr (defaulting to
// ":8443") and blocks until ctx is cancelled, at which point it
// performs a graceful shutdown. This is the shape mcpserver.Server's
// Connect expects from any transport it drives.
func (s *HTTPServer) Serve(ctx context.Context) error {
	addr := s.addr
	if addr == "" {
		addr = ":8443"
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *HTTPServer) securityHeadersMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "1; mode=block")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

func (s *HTTPServer) isOriginAllowed(origin string) bool {
	allowed := []string{"http://localhost:*", "https://localhost:*"}
	if s.productionMode {
		allowed = []string{"http://localhost:8443", "https://localhost:8443"}
	}
	for _, a := range allowed {
		if strings.HasSuffix(a, ":*") {
			if strings.HasPrefix(origin, strings.TrimSuffix(a, ":*")) {
				return true
			}
		} else if origin == a {
			return true
		}
	}
	return false
}

var (
	sseEndpointPrefix = []byte("event: endpoint\ndata: ")
	sseMessagePrefix  = []byte("event: message\ndata: ")
	sseDoubleNewline  = []byte("\n\n")
	ssePingComment    = []byte(": ping\n\n")
)

func (s *HTTPServer) handleSSE(c echo.Context) error {
	origin := c.Request().Header.Get("Origin")
	originAllowed := s.isOriginAllowed(origin)

	resp := c.Response()
	resp.Header().Set("Content-Type", "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	if originAllowed && origin != "" {
		resp.Header().Set("Access-Control-Allow-Origin", origin)
		resp.Header().Set("Access-Control-Allow-Methods", "GET")
		resp.Header().Set("Vary", "Origin")
	}
	resp.WriteHeader(http.StatusOK)

	sessionID := generateSessionID()
	now := time.Now()
	session := &sseSession{
		id:            sessionID,
		createdAt:     now,
		lastActivity:  now,
		responseQueue: make(chan []byte, 100),
		closed:        make(chan struct{}),
	}

	s.sessionsMu.Lock()
	s.sessions[sessionID] = session
	s.sessionsMu.Unlock()
	defer func() {
		s.sessionsMu.Lock()
		if cur, ok := s.sessions[sessionID]; ok && cur == session {
			delete(s.sessions, sessionID)
			close(session.closed)
		}
		s.sessionsMu.Unlock()
	}()

	var sb strings.Builder
	sb.Grow(100)
	if c.Request().TLS != nil {
		sb.WriteString("https://")
	} else {
		sb.WriteString("http://")
	}
	sb.WriteString(c.Request().Host)
	sb.WriteString("/mcp/v1/message?session_id=")
	sb.WriteString(sessionID)

	if err := writeSSEEvent(resp, sseEndpointPrefix, sb.String()); err != nil {
		return nil
	}
	resp.Flush()
	if err := writeSSEComment(resp, ssePingComment); err != nil {
		return nil
	}
	resp.Flush()

	clientGone := c.Request().Context().Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case payload := <-session.responseQueue:
			if err := writeSSEEvent(resp, sseMessagePrefix, string(payload)); err != nil {
				return nil
			}
			resp.Flush()
		case <-ticker.C:
			if err := writeSSEComment(resp, ssePingComment); err != nil {
				return nil
			}
			resp.Flush()
		case <-clientGone:
			return nil
		}
	}
}

func (s *HTTPServer) handleMessagePost(c echo.Context) error {
	sessionID := c.QueryParam("session_id")

	raw, err := readBody(c)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	valCtx := &valtypes.ValidationContext{
		Timestamp:      time.Now(),
		SessionID:      sessionID,
		ClientID:       c.RealIP(),
		TransportLevel: true,
		RequestID:      c.Response().Header().Get(echo.HeaderXRequestID),
	}

	out := s.handler.HandleMessage(c.Request().Context(), raw, valCtx)

	s.sessionsMu.RLock()
	session, ok := s.sessions[sessionID]
	s.sessionsMu.RUnlock()

	if out == nil {
		return c.NoContent(http.StatusAccepted)
	}
	if ok {
		session.lastActivity = time.Now()
		select {
		case session.responseQueue <- out:
			return c.NoContent(http.StatusAccepted)
		case <-session.closed:
			return c.NoContent(http.StatusGone)
		case <-time.After(time.Second):
			return c.NoContent(http.StatusServiceUnavailable)
		}
	}
	return c.Blob(http.StatusOK, "application/json", out)
}

func readBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	defer req.Body.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := req.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

func (s *HTTPServer) runSessionCleanup() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("transport: session cleanup goroutine panicked, restarting", "panic", r)
			time.Sleep(5 * time.Second)
			go s.runSessionCleanup()
		}
	}()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		s.sessionsMu.Lock()
		for id, sess := range s.sessions {
			if sess.lastActivity.Before(cutoff) {
				delete(s.sessions, id)
				close(sess.closed)
			}
		}
		s.sessionsMu.Unlock()
	}
}

func writeSSEEvent(w http.ResponseWriter, prefix []byte, data string) error {
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	if _, err := w.Write([]byte(data)); err != nil {
		return err
	}
	_, err := w.Write(sseDoubleNewline)
	return err
}

func writeSSEComment(w http.ResponseWriter, comment []byte) error {
	_, err := w.Write(comment)
	return err
}

func generateSessionID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(buf)
}
