package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/session"
	"github.com/jkaninda/warden/internal/session/sessiontest"
)

func runTestExec(t *testing.T, argv []string, approve approver) (protocol.ToolCallEnd, string, *sessiontest.Executor) {
	t.Helper()
	factory, exec := sessiontest.Factory(t, session.ApprovalPrompt)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout bytes.Buffer
	end, err := runExec(ctx, factory(), argv, 0, approve, &stdout, io.Discard)
	if err != nil {
		t.Fatalf("runExec: %v", err)
	}
	return end, stdout.String(), exec
}

func neverAsked(t *testing.T) approver {
	return func(req protocol.ApprovalRequested) (approval.Decision, string) {
		t.Errorf("unexpected approval request for %v", req.Command)
		return approval.Deny, ""
	}
}

func TestRunExec_SafeCommandStreamsOutput(t *testing.T) {
	end, out, _ := runTestExec(t, []string{"ls", "-la"}, neverAsked(t))
	if end.Status != protocol.StatusExited || exitCodeFor(end) != 0 {
		t.Errorf("end = %+v, want clean exit", end)
	}
	if out != "ls -la\n" {
		t.Errorf("stdout = %q, want streamed echo", out)
	}
}

func TestRunExec_ApprovedCommandRuns(t *testing.T) {
	var asked int
	end, _, exec := runTestExec(t, []string{"curl", "https://example.com"}, func(protocol.ApprovalRequested) (approval.Decision, string) {
		asked++
		return approval.Approve, ""
	})
	if asked != 1 {
		t.Errorf("approval asked %d times, want 1", asked)
	}
	if end.Status != protocol.StatusExited || len(exec.Calls()) != 1 {
		t.Errorf("end = %+v, calls = %d, want one clean run", end, len(exec.Calls()))
	}
}

func TestRunExec_DeniedCommandDoesNotRun(t *testing.T) {
	end, _, exec := runTestExec(t, []string{"curl", "https://example.com"}, func(protocol.ApprovalRequested) (approval.Decision, string) {
		return approval.Deny, "no"
	})
	if end.Status != protocol.StatusDenied || exitCodeFor(end) != 126 {
		t.Errorf("end = %+v, want denied with exit 126", end)
	}
	if n := len(exec.Calls()); n != 0 {
		t.Errorf("executions = %d, want 0", n)
	}
}

func TestRunExec_ForbiddenCommand(t *testing.T) {
	end, _, exec := runTestExec(t, []string{"rm", "-rf", "/"}, neverAsked(t))
	if end.Status != protocol.StatusForbidden || exitCodeFor(end) != 126 {
		t.Errorf("end = %+v, want forbidden with exit 126", end)
	}
	if n := len(exec.Calls()); n != 0 {
		t.Errorf("executions = %d, want 0", n)
	}
}

func TestRunExec_PropagatesExitCode(t *testing.T) {
	factory, exec := sessiontest.Factory(t, session.ApprovalPrompt)
	exec.ExitCode = 3
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	end, err := runExec(ctx, factory(), []string{"ls"}, 0, neverAsked(t), io.Discard, io.Discard)
	if err != nil {
		t.Fatalf("runExec: %v", err)
	}
	if got := exitCodeFor(end); got != 3 {
		t.Errorf("exit code = %d, want 3", got)
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		end  protocol.ToolCallEnd
		want int
	}{
		{protocol.ToolCallEnd{Status: protocol.StatusExited}, 0},
		{protocol.ToolCallEnd{Status: protocol.StatusExited, ExitCode: 2}, 2},
		{protocol.ToolCallEnd{Status: protocol.StatusTimeout}, 124},
		{protocol.ToolCallEnd{Status: protocol.StatusDenied}, 126},
		{protocol.ToolCallEnd{Status: protocol.StatusForbidden}, 126},
		{protocol.ToolCallEnd{Status: protocol.StatusCancelled}, 130},
		{protocol.ToolCallEnd{Status: protocol.StatusFailed, ErrorKind: protocol.ErrKindSpawn}, 127},
		{protocol.ToolCallEnd{Status: protocol.StatusFailed, ErrorKind: protocol.ErrKindSandboxSetup}, 1},
	}
	for _, tt := range tests {
		if got := exitCodeFor(tt.end); got != tt.want {
			t.Errorf("exitCodeFor(%s/%s) = %d, want %d", tt.end.Status, tt.end.ErrorKind, got, tt.want)
		}
	}
}

func TestPromptDecision(t *testing.T) {
	tests := []struct {
		input string
		want  approval.Decision
	}{
		{"y\n", approval.Approve},
		{"YES\n", approval.Approve},
		{"a\n", approval.ApproveForSession},
		{"\n", approval.Deny},
		{"nope\n", approval.Deny},
		{"", approval.Deny},
	}
	req := protocol.ApprovalRequested{Command: []string{"curl", "x"}, Cwd: "/tmp", Reason: "network access"}
	for _, tt := range tests {
		got, _ := promptDecision(bufio.NewReader(strings.NewReader(tt.input)), io.Discard, req)
		if got != tt.want {
			t.Errorf("promptDecision(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
