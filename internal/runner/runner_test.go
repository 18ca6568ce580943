//go:build unix

package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/warden/internal/sandbox"
)

func newTestRunner(cfg Config) *Runner {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type chunkRecorder struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (c *chunkRecorder) add(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, append([]byte(nil), p...))
}

func (c *chunkRecorder) joined() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Join(c.chunks, nil)
}

func TestRun_ExitCode(t *testing.T) {
	r := newTestRunner(Config{})
	res := r.Run(context.Background(), Request{Argv: []string{"sh", "-c", "exit 3"}}, nil)
	if res.Status != StatusExited {
		t.Fatalf("status = %v, want exited (err: %v)", res.Status, res.Err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRun_CombinedOutputStreamed(t *testing.T) {
	r := newTestRunner(Config{})
	var rec chunkRecorder
	res := r.Run(context.Background(), Request{
		Argv: []string{"sh", "-c", "echo out; echo err >&2"},
		Cwd:  t.TempDir(),
	}, rec.add)
	if res.Status != StatusExited || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
	if got := string(res.Output); got != "out\nerr\n" {
		t.Errorf("output = %q, want %q", got, "out\nerr\n")
	}
	if !bytes.Equal(rec.joined(), res.Output) {
		t.Errorf("chunks = %q, want %q", rec.joined(), res.Output)
	}
}

func TestRun_TruncatesButStreamsEverything(t *testing.T) {
	r := newTestRunner(Config{OutputCap: 1024, ChunkSize: 512})
	var rec chunkRecorder
	res := r.Run(context.Background(), Request{
		Argv: []string{"sh", "-c", "head -c 5000 /dev/zero | tr '\\000' a"},
	}, rec.add)
	if res.Status != StatusExited || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
	if !res.Truncated {
		t.Error("Truncated = false, want true")
	}
	marker := "[... 3976 bytes truncated ...]\n"
	if !strings.HasPrefix(string(res.Output), marker) {
		t.Errorf("output does not start with %q", marker)
	}
	if len(res.Output) != len(marker)+1024 {
		t.Errorf("output length = %d, want %d", len(res.Output), len(marker)+1024)
	}
	live := rec.joined()
	if len(live) != 5000 {
		t.Errorf("streamed %d bytes, want 5000", len(live))
	}
	for _, c := range rec.chunks {
		if len(c) > 512 {
			t.Errorf("chunk of %d bytes exceeds chunk size", len(c))
		}
	}
}

func TestRun_Timeout(t *testing.T) {
	r := newTestRunner(Config{Grace: 200 * time.Millisecond})
	start := time.Now()
	res := r.Run(context.Background(), Request{
		Argv:    []string{"sleep", "30"},
		Timeout: 100 * time.Millisecond,
	}, nil)
	if res.Status != StatusTimedOut {
		t.Fatalf("status = %v, want timed_out", res.Status)
	}
	if !errors.Is(res.Err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("took %v, want termination within the grace period", elapsed)
	}
}

func TestRun_TimeoutEscalatesToKill(t *testing.T) {
	r := newTestRunner(Config{Grace: 200 * time.Millisecond})
	start := time.Now()
	res := r.Run(context.Background(), Request{
		Argv:    []string{"sh", "-c", "trap '' TERM; while :; do :; done"},
		Timeout: 100 * time.Millisecond,
	}, nil)
	if res.Status != StatusTimedOut {
		t.Fatalf("status = %v, want timed_out", res.Status)
	}
	if res.ExitCode != 128+9 {
		t.Errorf("exit code = %d, want SIGKILL (137)", res.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("took %v after SIGTERM was ignored", elapsed)
	}
}

func TestRun_Cancel(t *testing.T) {
	r := newTestRunner(Config{Grace: 200 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res := r.Run(ctx, Request{Argv: []string{"sleep", "30"}}, nil)
	if res.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled", res.Status)
	}
	if !errors.Is(res.Err, ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", res.Err)
	}
}

func TestRun_AlreadyCancelledDoesNotSpawn(t *testing.T) {
	r := newTestRunner(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := t.TempDir()
	res := r.Run(ctx, Request{Argv: []string{"touch", dir + "/ran"}}, nil)
	if res.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled", res.Status)
	}
	if _, err := os.Stat(dir + "/ran"); !os.IsNotExist(err) {
		t.Error("command ran after cancellation")
	}
}

func TestRun_SpawnFailure(t *testing.T) {
	r := newTestRunner(Config{})
	res := r.Run(context.Background(), Request{Argv: []string{"warden-no-such-command"}}, nil)
	if res.Status != StatusSpawnFailed {
		t.Fatalf("status = %v, want spawn_failed", res.Status)
	}
	if !errors.Is(res.Err, ErrSpawn) {
		t.Errorf("err = %v, want ErrSpawn", res.Err)
	}

	res = r.Run(context.Background(), Request{}, nil)
	if !errors.Is(res.Err, ErrSpawn) {
		t.Errorf("empty argv err = %v, want ErrSpawn", res.Err)
	}
}

func TestRun_Stdin(t *testing.T) {
	r := newTestRunner(Config{})
	res := r.Run(context.Background(), Request{
		Argv:  []string{"cat"},
		Stdin: []byte("from stdin"),
	}, nil)
	if got := string(res.Output); got != "from stdin" {
		t.Errorf("output = %q, want %q", got, "from stdin")
	}
}

func TestRun_Environment(t *testing.T) {
	t.Setenv("WARDEN_TEST_SECRET", "s3cret")
	script := `echo "${WARDEN_TEST_SECRET:-none} ${EXTRA:-none}"`

	all := newTestRunner(Config{EnvInherit: EnvInheritAll})
	res := all.Run(context.Background(), Request{
		Argv: []string{"sh", "-c", script},
		Env:  map[string]string{"EXTRA": "x"},
	}, nil)
	if got := strings.TrimSpace(string(res.Output)); got != "s3cret x" {
		t.Errorf("inherit all: output = %q", got)
	}

	core := newTestRunner(Config{EnvInherit: EnvInheritCore})
	res = core.Run(context.Background(), Request{Argv: []string{"sh", "-c", script}}, nil)
	if got := strings.TrimSpace(string(res.Output)); got != "none none" {
		t.Errorf("inherit core: output = %q", got)
	}
}

func TestRun_LingeringDescendantIsKilled(t *testing.T) {
	r := newTestRunner(Config{Grace: 200 * time.Millisecond})
	start := time.Now()
	res := r.Run(context.Background(), Request{
		Argv: []string{"sh", "-c", "sleep 30 & echo started"},
	}, nil)
	if res.Status != StatusExited || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
	if got := string(res.Output); got != "started\n" {
		t.Errorf("output = %q", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("took %v waiting for a background descendant", elapsed)
	}
}

func TestRun_SandboxUnsupported(t *testing.T) {
	r := newTestRunner(Config{})
	c := &sandbox.Context{Policy: sandbox.ReadOnly(), Network: sandbox.NetworkDisabled, Unsupported: true}
	res := r.Run(context.Background(), Request{Argv: []string{"true"}, Sandbox: c}, nil)
	if res.Status != StatusSandboxFailed {
		t.Fatalf("status = %v, want sandbox_failed", res.Status)
	}
	if !errors.Is(res.Err, sandbox.ErrSandboxUnsupported) {
		t.Errorf("err = %v, want ErrSandboxUnsupported", res.Err)
	}
}

func TestRun_UnconfinedContextExportsNetworkFlag(t *testing.T) {
	t.Setenv(sandbox.EnvNetworkDisabled, "")
	r := newTestRunner(Config{})
	c := &sandbox.Context{Policy: sandbox.Unrestricted(), Network: sandbox.NetworkDisabled, Unsupported: true}
	res := r.Run(context.Background(), Request{
		Argv:    []string{"sh", "-c", "echo $" + sandbox.EnvNetworkDisabled},
		Sandbox: c.WithoutConfinement(),
	}, nil)
	if got := strings.TrimSpace(string(res.Output)); got != "1" {
		t.Errorf("output = %q, want 1", got)
	}
}
