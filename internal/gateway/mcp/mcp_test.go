package mcp

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/session"
	"github.com/jkaninda/warden/internal/session/sessiontest"
	"github.com/jkaninda/warden/internal/tools"
)

func newClient(t *testing.T) (*mcpclient.Client, *sessiontest.Executor) {
	t.Helper()
	factory, exec := sessiontest.Factory(t, session.ApprovalReject)
	srv, err := New(factory, "test", strings.NewReader(""), io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.open(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := srv.Stop(stopCtx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})

	c, err := mcpclient.NewInProcessClient(srv.mcp)
	if err != nil {
		t.Fatalf("NewInProcessClient: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("client Start: %v", err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0.0.1"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c, exec
}

func call(t *testing.T, c *mcpclient.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func text(res *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func TestListTools(t *testing.T) {
	c, _ := newClient(t)
	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	if !names["shell"] || !names["apply_patch"] || len(names) != 2 {
		t.Errorf("tools = %v, want shell and apply_patch", names)
	}
}

func TestShell_SafeCommandSucceeds(t *testing.T) {
	c, exec := newClient(t)
	res := call(t, c, "shell", map[string]any{"command": []string{"ls", "-1"}})
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", text(res))
	}
	if !strings.Contains(text(res), "ls -1") {
		t.Errorf("output = %q, want echoed command", text(res))
	}
	if n := len(exec.Calls()); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}
}

func TestShell_AbandonedRequestCancelsCommand(t *testing.T) {
	factory, exec := sessiontest.Factory(t, session.ApprovalReject)
	exec.Block = true
	srv, err := New(factory, "test", strings.NewReader(""), io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.open(context.Background())
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := srv.Stop(stopCtx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := mcp.CallToolRequest{}
	req.Params.Name = string(tools.KindShell)
	req.Params.Arguments = map[string]any{"command": []string{"ls"}}
	if _, err := srv.handler(tools.KindShell)(ctx, req); err == nil {
		t.Fatal("abandoned request returned no error")
	}

	deadline := time.Now().Add(5 * time.Second)
	for exec.Cancelled() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("command still running after the request was abandoned")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShell_RiskyCommandDeniedWithoutPrompt(t *testing.T) {
	c, exec := newClient(t)
	res := call(t, c, "shell", map[string]any{"command": []string{"curl", "https://example.com"}})
	if !res.IsError {
		t.Fatal("risky command should be a tool error under the reject policy")
	}
	if !strings.Contains(text(res), string(protocol.StatusDenied)) {
		t.Errorf("error text = %q, want denied", text(res))
	}
	if n := len(exec.Calls()); n != 0 {
		t.Errorf("executions = %d, want 0", n)
	}
}

func TestShell_ForbiddenIsToolError(t *testing.T) {
	c, exec := newClient(t)
	res := call(t, c, "shell", map[string]any{"command": "rm -rf /"})
	if !res.IsError || !strings.Contains(text(res), string(protocol.StatusForbidden)) {
		t.Errorf("result = %+v (%q), want forbidden tool error", res, text(res))
	}
	if n := len(exec.Calls()); n != 0 {
		t.Errorf("executions = %d, want 0", n)
	}
}

func TestShell_InvalidArguments(t *testing.T) {
	c, _ := newClient(t)
	res := call(t, c, "shell", map[string]any{"command": []string{}})
	if !res.IsError {
		t.Fatal("empty command should be a tool error")
	}
	if !strings.Contains(text(res), string(protocol.ErrKindInvalidArguments)) {
		t.Errorf("error text = %q, want %s", text(res), protocol.ErrKindInvalidArguments)
	}
}

func TestToResult(t *testing.T) {
	tests := []struct {
		end     protocol.ToolCallEnd
		isError bool
		want    string
	}{
		{protocol.ToolCallEnd{Status: protocol.StatusExited, Output: []byte("hi\n")}, false, "hi\n"},
		{protocol.ToolCallEnd{Status: protocol.StatusExited, ExitCode: 2, Output: []byte("boom")}, true, "exit code 2\nboom"},
		{protocol.ToolCallEnd{Status: protocol.StatusTimeout, Output: []byte("partial"), Truncated: true}, true, "timeout\npartial\n[output truncated]"},
		{protocol.ToolCallEnd{Status: protocol.StatusFailed, ErrorKind: protocol.ErrKindSpawn, Message: "no such file"}, true, "failed (spawn): no such file"},
	}
	for _, tt := range tests {
		res := toResult(tt.end)
		if res.IsError != tt.isError {
			t.Errorf("%+v: IsError = %v, want %v", tt.end, res.IsError, tt.isError)
		}
		if got := text(res); got != tt.want {
			t.Errorf("%+v: text = %q, want %q", tt.end, got, tt.want)
		}
	}
}
