// Package sessiontest provides in-memory collaborators for tests that drive
// a real session without spawning processes.
package sessiontest

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/jkaninda/warden/internal/execpolicy"
	"github.com/jkaninda/warden/internal/runner"
	"github.com/jkaninda/warden/internal/sandbox"
	"github.com/jkaninda/warden/internal/session"
)

// Executor echoes the command line back as output and exits 0. It records
// every argv it receives.
type Executor struct {
	mu    sync.Mutex
	argvs [][]string

	cancelled int

	// ExitCode, when set, is reported instead of 0.
	ExitCode int
	// Block, when set, makes every run wait for cancellation.
	Block bool
}

// Run implements session.Executor.
func (e *Executor) Run(ctx context.Context, req runner.Request, onChunk func([]byte)) runner.Result {
	e.mu.Lock()
	e.argvs = append(e.argvs, req.Argv)
	code, block := e.ExitCode, e.Block
	e.mu.Unlock()

	if block {
		<-ctx.Done()
		e.mu.Lock()
		e.cancelled++
		e.mu.Unlock()
		return runner.Result{Status: runner.StatusCancelled, ExitCode: -1, Err: runner.ErrCancelled}
	}

	out := []byte(strings.Join(req.Argv, " ") + "\n")
	if onChunk != nil {
		onChunk(out)
	}
	return runner.Result{Status: runner.StatusExited, ExitCode: code, Output: out}
}

// Calls returns the argvs run so far.
func (e *Executor) Calls() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]string(nil), e.argvs...)
}

// Cancelled returns how many blocked runs were cancelled.
func (e *Executor) Cancelled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// Sandbox prepares unconfined contexts.
type Sandbox struct{}

// Prepare implements session.Sandboxer.
func (Sandbox) Prepare(p sandbox.Policy, n sandbox.NetworkPolicy, cwd string) (*sandbox.Context, error) {
	return &sandbox.Context{Policy: p, Network: n, Cwd: cwd, Backend: sandbox.BackendNone}, nil
}

// Factory returns a session factory rooted in a temporary directory and the
// executor its sessions share.
func Factory(t testing.TB, policy session.ApprovalPolicy) (func() *session.Session, *Executor) {
	t.Helper()
	exec := &Executor{}
	cwd := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	classifier := execpolicy.New(execpolicy.Rules{})
	return func() *session.Session {
		return session.New(session.Options{
			Config: session.Config{
				Cwd:            cwd,
				SandboxPolicy:  sandbox.WritableCwd(),
				Network:        sandbox.NetworkDisabled,
				ApprovalPolicy: policy,
				Executable:     "/usr/local/bin/warden",
			},
			Classifier: classifier,
			Sandbox:    Sandbox{},
			Executor:   exec,
			Logger:     logger,
		})
	}, exec
}
