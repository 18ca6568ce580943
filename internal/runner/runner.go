// Package runner spawns a single command, streams its combined output, and
// guarantees that the process group is terminated and reaped on every path.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/jkaninda/warden/internal/sandbox"
)

var (
	ErrTimeout            = errors.New("command timed out")
	ErrCancelled          = errors.New("command cancelled")
	ErrSpawn              = errors.New("failed to spawn command")
	ErrStreamDisconnected = errors.New("output stream disconnected")
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultGrace     = 2 * time.Second
	DefaultChunkSize = 8 << 10
)

// Status is the terminal state of one execution.
type Status int

const (
	StatusExited Status = iota
	StatusTimedOut
	StatusCancelled
	StatusSpawnFailed
	StatusStreamFailed
	StatusSandboxFailed
)

func (s Status) String() string {
	switch s {
	case StatusExited:
		return "exited"
	case StatusTimedOut:
		return "timed_out"
	case StatusCancelled:
		return "cancelled"
	case StatusSpawnFailed:
		return "spawn_failed"
	case StatusStreamFailed:
		return "stream_failed"
	case StatusSandboxFailed:
		return "sandbox_failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Request describes one command to run.
type Request struct {
	Argv    []string
	Cwd     string
	Env     map[string]string // Added on top of the inherited environment.
	Stdin   []byte            // Nil connects stdin to the null device.
	Sandbox *sandbox.Context  // Nil runs the command unconfined.
	Timeout time.Duration     // Zero uses the runner default.
}

// Result is the outcome of Run. Output holds the retained tail of the
// combined stream, prefixed with a truncation marker when bytes were evicted.
type Result struct {
	Status    Status
	ExitCode  int
	Output    []byte
	Truncated bool
	Duration  time.Duration
	Err       error
}

// Config holds runner defaults.
type Config struct {
	Timeout    time.Duration
	Grace      time.Duration
	OutputCap  int
	ChunkSize  int
	EnvInherit string
}

// Runner executes commands. It holds no per-command state and is safe for
// concurrent use.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Runner, filling unset config fields with defaults.
func New(cfg Config, logger *slog.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.OutputCap <= 0 {
		cfg.OutputCap = DefaultOutputCap
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.EnvInherit == "" {
		cfg.EnvInherit = EnvInheritAll
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Run executes req and blocks until the child has been reaped. Each read from
// the output pipe is passed to onChunk as it arrives; onChunk runs on the
// reader goroutine and must not retain the slice past the call.
//
// Cancelling ctx ends the command with StatusCancelled. Reaching the timeout
// ends it with StatusTimedOut. Both send SIGTERM to the process group and
// SIGKILL after the grace period.
func (r *Runner) Run(ctx context.Context, req Request, onChunk func([]byte)) Result {
	start := time.Now()
	fail := func(status Status, err error) Result {
		return Result{Status: status, ExitCode: -1, Duration: time.Since(start), Err: err}
	}

	if len(req.Argv) == 0 {
		return fail(StatusSpawnFailed, fmt.Errorf("%w: empty command", ErrSpawn))
	}
	if err := ctx.Err(); err != nil {
		return fail(StatusCancelled, ErrCancelled)
	}

	launch := &sandbox.Launch{Argv: req.Argv}
	if req.Sandbox != nil {
		l, err := req.Sandbox.Launch(req.Argv)
		if err != nil {
			return fail(StatusSandboxFailed, err)
		}
		launch = l
	}
	defer launch.Close()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}

	cmd := exec.Command(launch.Argv[0], launch.Argv[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = buildEnv(r.cfg.EnvInherit, req.Env, launch.Env)
	cmd.ExtraFiles = launch.ExtraFiles
	if req.Stdin != nil {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}
	setProcessGroup(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return fail(StatusSpawnFailed, fmt.Errorf("%w: creating output pipe: %w", ErrSpawn, err))
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	r.logger.Debug("runner executing",
		slog.Any("command", req.Argv),
		slog.String("dir", req.Cwd),
		slog.Duration("timeout", timeout),
	)

	startErr := cmd.Start()
	_ = pw.Close()
	launch.Started()
	if startErr != nil {
		_ = pr.Close()
		return fail(StatusSpawnFailed, fmt.Errorf("%w: %w", ErrSpawn, startErr))
	}

	ring := NewRingBuffer(r.cfg.OutputCap)
	readDone := make(chan error, 1)
	go func() {
		readDone <- pump(pr, ring, r.cfg.ChunkSize, onChunk)
	}()

	setupDone := make(chan error, 1)
	go func() {
		setupDone <- launch.Wait()
	}()

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	status := StatusExited
	var cause error
	var readErr error
	readFinished := false
	exited := false

	for !exited {
		select {
		case <-waitDone:
			exited = true
		case readErr = <-readDone:
			readFinished = true
			if readErr != nil {
				status, cause = StatusStreamFailed, fmt.Errorf("%w: %w", ErrStreamDisconnected, readErr)
				r.stop(cmd, waitDone)
				exited = true
			}
			readDone = nil
		case <-timer.C:
			status, cause = StatusTimedOut, ErrTimeout
			r.logger.Warn("command timed out",
				slog.Any("command", req.Argv),
				slog.Duration("timeout", timeout),
			)
			r.stop(cmd, waitDone)
			exited = true
		case <-ctx.Done():
			status, cause = StatusCancelled, ErrCancelled
			r.stop(cmd, waitDone)
			exited = true
		}
	}

	if !readFinished {
		r.drain(cmd, pr, readDone)
	}
	_ = pr.Close()

	if setupErr := <-setupDone; setupErr != nil && status == StatusExited {
		status, cause = StatusSandboxFailed, setupErr
	}

	res := Result{
		Status:    status,
		ExitCode:  -1,
		Output:    ring.Report(),
		Truncated: ring.Truncated(),
		Duration:  time.Since(start),
		Err:       cause,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = exitCode(cmd.ProcessState)
	}

	r.logger.Debug("runner finished",
		slog.String("status", status.String()),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration),
		slog.Int64("evicted_bytes", ring.Evicted()),
	)
	return res
}

// stop terminates the process group: SIGTERM first, SIGKILL once the grace
// period has elapsed. It returns after the child has been reaped.
func (r *Runner) stop(cmd *exec.Cmd, waitDone <-chan error) {
	if err := terminateGroup(cmd.Process); err != nil {
		r.logger.Debug("sending SIGTERM failed", slog.String("error", err.Error()))
	}
	grace := time.NewTimer(r.cfg.Grace)
	defer grace.Stop()
	select {
	case <-waitDone:
		return
	case <-grace.C:
	}
	if err := killGroup(cmd.Process); err != nil {
		r.logger.Debug("sending SIGKILL failed", slog.String("error", err.Error()))
	}
	<-waitDone
}

// drain waits for the reader to reach EOF after the child exited. A
// descendant still holding the pipe after the grace period is killed and
// the read end is closed.
func (r *Runner) drain(cmd *exec.Cmd, pr *os.File, readDone <-chan error) {
	grace := time.NewTimer(r.cfg.Grace)
	defer grace.Stop()
	select {
	case <-readDone:
		return
	case <-grace.C:
	}
	r.logger.Warn("output pipe still open after exit, killing process group")
	_ = killGroup(cmd.Process)
	_ = pr.Close()
	<-readDone
}

// pump copies the pipe into ring, handing each read to onChunk.
func pump(pr *os.File, ring *RingBuffer, chunkSize int, onChunk func([]byte)) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := pr.Read(buf)
		if n > 0 {
			_, _ = ring.Write(buf[:n])
			if onChunk != nil {
				onChunk(buf[:n])
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
