package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/execpolicy"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/session"
	"github.com/jkaninda/warden/internal/tools"
)

var (
	execSandbox       string
	execWritableRoots []string
	execNetwork       string
	execTimeout       time.Duration
	execCwd           string
	execYes           bool
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command [args...]",
	Short: "Run one command through the exec policy and the sandbox",
	Long: `Run one command the way an agent tool call would run it: classified by the
exec policy, confirmed on the terminal when approval is required, and spawned
inside the sandbox. The exit code mirrors the command's, with 124 for a
timeout, 126 for a denied or forbidden command, and 130 for an interrupt.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExecCmd,
}

func init() {
	f := execCmd.Flags()
	f.StringVar(&execSandbox, "sandbox", "", "Sandbox policy: read-only, writable-cwd, writable-roots, unrestricted")
	f.StringSliceVar(&execWritableRoots, "writable-root", nil, "Extra writable root (repeatable)")
	f.StringVar(&execNetwork, "network", "", "Network policy: disabled or full")
	f.DurationVar(&execTimeout, "timeout", 0, "Command timeout (default from config)")
	f.StringVar(&execCwd, "cwd", "", "Working directory (default: current directory)")
	f.BoolVarP(&execYes, "yes", "y", false, "Approve commands that need approval without asking")
}

func runExecCmd(_ *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if execSandbox != "" {
		cfg.Sandbox.Policy = execSandbox
	}
	if len(execWritableRoots) > 0 {
		cfg.Sandbox.WritableRoots = append(cfg.Sandbox.WritableRoots, execWritableRoots...)
	}
	if execNetwork != "" {
		cfg.Sandbox.Network = execNetwork
	}
	// The terminal is the approval channel here.
	cfg.Approval.Policy = string(session.ApprovalPrompt)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	scfg, err := sessionConfig(cfg, execCwd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	approve := terminalApprover(os.Stdin, os.Stderr)
	if execYes {
		approve = approveAll
	}
	end, err := runExec(ctx, sessionFactory(sc, scfg)(), args, execTimeout, approve, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	if code := exitCodeFor(end); code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

// approver answers one approval request.
type approver func(req protocol.ApprovalRequested) (approval.Decision, string)

func approveAll(protocol.ApprovalRequested) (approval.Decision, string) {
	return approval.Approve, "approved with --yes"
}

// terminalApprover asks on the terminal. Without one every request is denied.
func terminalApprover(in *os.File, out io.Writer) approver {
	interactive := isatty.IsTerminal(in.Fd()) || isatty.IsCygwinTerminal(in.Fd())
	reader := bufio.NewReader(in)
	return func(req protocol.ApprovalRequested) (approval.Decision, string) {
		if !interactive {
			fmt.Fprintf(out, "warden: %s needs approval (%s); use --yes to approve\n",
				execpolicy.Display(req.Command), req.Reason)
			return approval.Deny, "no terminal to confirm on"
		}
		return promptDecision(reader, out, req)
	}
}

func promptDecision(r *bufio.Reader, out io.Writer, req protocol.ApprovalRequested) (approval.Decision, string) {
	fmt.Fprintf(out, "\n%s\n  in %s\n  %s\nRun it? [y]es / [N]o / [a]lways this session: ",
		execpolicy.Display(req.Command), req.Cwd, req.Reason)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return approval.Deny, "no answer"
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return approval.Approve, ""
	case "a", "always":
		return approval.ApproveForSession, ""
	default:
		return approval.Deny, "declined on the terminal"
	}
}

// runExec drives sess through one shell call and returns its ToolCallEnd.
// Cancelling ctx cancels the call; the session is shut down before returning.
func runExec(ctx context.Context, sess *session.Session, argv []string, timeout time.Duration, approve approver, stdout, stderr io.Writer) (protocol.ToolCallEnd, error) {
	args, err := json.Marshal(tools.ShellArgs{Command: argv, TimeoutMs: timeout.Milliseconds()})
	if err != nil {
		return protocol.ToolCallEnd{}, err
	}

	sess.Start(context.Background())
	bg := context.Background()
	submit := func(op protocol.Op) {
		if err := sess.Submit(bg, protocol.Submission{Op: op}); err != nil && !errors.Is(err, session.ErrClosed) {
			fmt.Fprintf(stderr, "warden: %v\n", err)
		}
	}
	submit(protocol.ToolCallRequest{CallID: "exec", Tool: string(tools.KindShell), Arguments: args})

	go func() {
		select {
		case <-ctx.Done():
			submit(protocol.CancelTurn{})
		case <-sess.Done():
		}
	}()

	var (
		end  protocol.ToolCallEnd
		done bool
	)
	for ev := range sess.Events() {
		switch msg := ev.Msg.(type) {
		case protocol.ToolCallOutputChunk:
			_, _ = stdout.Write(msg.Data)
		case protocol.ApprovalRequested:
			decision, reason := approve(msg)
			submit(protocol.ApprovalDecision{RequestID: msg.RequestID, Decision: decision, Reason: reason})
		case protocol.Warning:
			fmt.Fprintf(stderr, "warden: warning: %s\n", msg.Message)
		case protocol.Error:
			fmt.Fprintf(stderr, "warden: %s: %s\n", msg.Kind, msg.Message)
		case protocol.ToolCallEnd:
			end, done = msg, true
			if msg.Status != protocol.StatusExited && msg.Message != "" {
				fmt.Fprintf(stderr, "warden: %s: %s\n", msg.Status, msg.Message)
			}
			if msg.Truncated {
				fmt.Fprintln(stderr, "warden: output truncated")
			}
			submit(protocol.Shutdown{})
		}
	}
	<-sess.Done()
	if !done {
		return end, errors.New("session ended before the command finished")
	}
	return end, nil
}

// exitCodeFor maps a finished call onto a shell-style exit code.
func exitCodeFor(end protocol.ToolCallEnd) int {
	switch end.Status {
	case protocol.StatusExited:
		return end.ExitCode
	case protocol.StatusTimeout:
		return 124
	case protocol.StatusDenied, protocol.StatusForbidden:
		return 126
	case protocol.StatusCancelled:
		return 130
	default:
		if end.ErrorKind == protocol.ErrKindSpawn {
			return 127
		}
		return 1
	}
}
