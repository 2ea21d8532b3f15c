package transport

import (
	"context"
	"strings"
	"testing"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

type fakeHandler struct {
	calls []string
	reply []byte
}

func (f *fakeHandler) HandleMessage(ctx context.Context, raw []byte, valCtx *valtypes.ValidationContext) []byte {
	f.calls = append(f.calls, string(raw))
	return f.reply
}

func TestStdioServerEchoesReply(t *testing.T) {
	handler := &fakeHandler{reply: []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)}
	in := strings.NewReader("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"tools/list\"}\n")
	var out strings.Builder

	s := NewStdioServer(handler, "test-client", in, &out)
	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if len(handler.calls) != 1 {
		t.Fatalf("handler called %d times, want 1", len(handler.calls))
	}
	if !strings.Contains(out.String(), `"result"`) {
		t.Errorf("stdout = %q, want it to contain the reply", out.String())
	}
}

func TestStdioServerSkipsNilReply(t *testing.T) {
	handler := &fakeHandler{reply: nil}
	in := strings.NewReader("{\"jsonrpc\":\"2.0\",\"method\":\"notifications/cancelled\"}\n")
	var out strings.Builder

	s := NewStdioServer(handler, "test-client", in, &out)
	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("stdout = %q, want empty for a dropped notification", out.String())
	}
}

func TestStdioServerSkipsBlankLines(t *testing.T) {
	handler := &fakeHandler{reply: nil}
	in := strings.NewReader("\n\n{\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n\n")
	var out strings.Builder

	s := NewStdioServer(handler, "test-client", in, &out)
	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if len(handler.calls) != 1 {
		t.Fatalf("handler called %d times, want 1", len(handler.calls))
	}
}
