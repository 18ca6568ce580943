package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/runner"
	"github.com/jkaninda/warden/internal/sandbox"
)

var (
	sandboxPolicy     string
	sandboxRoots      []string
	sandboxNetwork    string
	sandboxCwd        string
	sandboxPermissive bool
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox [flags] -- command [args...]",
	Short: "Run a command inside the sandbox without the exec policy",
	Long: `Run a command under the platform sandbox directly, skipping classification
and approval. Useful for checking what a policy allows on this machine.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSandbox,
}

func init() {
	f := sandboxCmd.Flags()
	f.StringVar(&sandboxPolicy, "policy", "writable-cwd", "Sandbox policy: read-only, writable-cwd, writable-roots, unrestricted")
	f.StringSliceVar(&sandboxRoots, "writable-root", nil, "Writable root for writable-roots (repeatable)")
	f.StringVar(&sandboxNetwork, "network", "disabled", "Network policy: disabled or full")
	f.StringVar(&sandboxCwd, "cwd", "", "Working directory (default: current directory)")
	f.BoolVar(&sandboxPermissive, "permissive", false, "Run unconfined when the platform has no sandbox")
}

func runSandbox(_ *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	policy, err := sandbox.ParsePolicy(sandboxPolicy, sandboxRoots)
	if err != nil {
		return err
	}
	network, err := sandbox.ParseNetwork(sandboxNetwork)
	if err != nil {
		return err
	}
	cwd := sandboxCwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return err
		}
	}

	sctx, err := sandbox.NewEnforcer(sandbox.Options{Logger: logger}).Prepare(policy, network, cwd)
	if err != nil {
		return err
	}
	if sctx.Unsupported {
		if !sandboxPermissive {
			return fmt.Errorf("%w on %s; pass --permissive to run unconfined", sandbox.ErrSandboxUnsupported, sandbox.PlatformBackend())
		}
		logger.Warn("sandbox unavailable, running unconfined")
		sctx = sctx.WithoutConfinement()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := runner.New(runner.Config{
		Timeout:    cfg.Exec.Timeout(),
		Grace:      cfg.Exec.Grace(),
		OutputCap:  cfg.Exec.OutputCap(),
		ChunkSize:  cfg.Exec.ChunkSize(),
		EnvInherit: cfg.Exec.EnvInherit,
	}, logger)
	res := r.Run(ctx, runner.Request{Argv: args, Cwd: cwd, Sandbox: sctx}, func(b []byte) {
		_, _ = os.Stdout.Write(b)
	})
	if code := runnerExitCode(res); code != 0 {
		return &exitCodeError{code: code, err: res.Err}
	}
	return nil
}

// runnerExitCode maps a raw runner result onto a shell-style exit code.
func runnerExitCode(res runner.Result) int {
	switch res.Status {
	case runner.StatusExited:
		return res.ExitCode
	case runner.StatusTimedOut:
		return 124
	case runner.StatusCancelled:
		return 130
	case runner.StatusSpawnFailed:
		return 127
	case runner.StatusSandboxFailed:
		return 126
	default:
		return 1
	}
}
