package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// StdioServer is the newline-delimited-JSON transport: every line of
// stdin is one JSON-RPC payload, and the handler's output (when
// non-nil) is written back as one line of stdout. This is the
// transport an embedder uses when the MCP client drives the process
// directly over pipes rather than HTTP/SSE.
type StdioServer struct {
	handler MessageHandler
	clientID string
	in      io.Reader
	out     io.Writer
}

// NewStdioServer builds a stdio transport over the given reader/writer
// (typically os.Stdin/os.Stdout). clientID identifies this connection
// for rate/quota/session scoping since stdio has no per-request origin
// to derive one from.
func NewStdioServer(handler MessageHandler, clientID string, in io.Reader, out io.Writer) *StdioServer {
	return &StdioServer{handler: handler, clientID: clientID, in: in, out: out}
}

// Serve reads one JSON-RPC payload per line until ctx is cancelled or
// the reader is exhausted. It runs synchronously: the caller typically
// invokes it from its own goroutine.
func (s *StdioServer) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)

		valCtx := &valtypes.ValidationContext{
			Timestamp:      time.Now(),
			ClientID:       s.clientID,
			TransportLevel: true,
		}

		out := s.handler.HandleMessage(ctx, raw, valCtx)
		if out == nil {
			continue
		}
		if _, err := s.out.Write(append(out, '\n')); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("transport: stdio scan error", "error", err)
		return err
	}
	return nil
}
