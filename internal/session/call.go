package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/execpolicy"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/runner"
	"github.com/jkaninda/warden/internal/sandbox"
	"github.com/jkaninda/warden/internal/tools"
)

// phase is the lifecycle position of a call.
type phase int

const (
	phaseRequested phase = iota
	phaseAwaitingApproval
	phaseExecuting
	phaseTerminal
)

// call is the loop's record of one tool call.
type call struct {
	id       string
	subID    string
	tool     string
	turn     *turn
	inv      *tools.Invocation
	decision execpolicy.Decision
	judged   bool // decision is set
	phase    phase
	start    time.Time
	cancel   context.CancelFunc
	backend  sandbox.Backend
}

// update is sent by a call goroutine to the loop.
type update struct {
	callID string
	chunk  []byte
	result *runner.Result
}

func (s *Session) handleToolCall(sub protocol.Submission, op protocol.ToolCallRequest) {
	if op.CallID == "" {
		s.emitError(sub.ID, protocol.ErrKindInvalidSubmission, "call_id is required")
		return
	}
	if _, dup := s.seen[op.CallID]; dup {
		s.emitError(sub.ID, protocol.ErrKindDuplicateCallID, fmt.Sprintf("call id %q is already in use", op.CallID))
		return
	}
	s.seen[op.CallID] = struct{}{}

	t := s.turnForCall(sub.ID)
	c := &call{
		id:    op.CallID,
		subID: sub.ID,
		tool:  op.Tool,
		turn:  t,
		start: time.Now(),
	}
	t.calls[c.id] = c
	s.calls[c.id] = c

	inv, err := tools.Resolve(op.Tool, op.Arguments, tools.Defaults{Cwd: t.cwd, Executable: s.cfg.Executable})
	if err != nil {
		s.emit(c.subID, protocol.ToolCallBegin{CallID: c.id, TurnID: t.id, Tool: op.Tool, Cwd: t.cwd})
		kind := protocol.ErrKindInvalidArguments
		if errors.Is(err, tools.ErrUnknownTool) {
			kind = protocol.ErrKindUnknownTool
		}
		s.finish(c, protocol.ToolCallEnd{Status: protocol.StatusFailed, ExitCode: -1, ErrorKind: kind, Message: err.Error()})
		return
	}
	c.inv = inv
	s.emit(c.subID, protocol.ToolCallBegin{
		CallID:  c.id,
		TurnID:  t.id,
		Tool:    string(inv.Kind),
		Command: inv.Display,
		Cwd:     inv.Cwd,
	})

	if t.cancelled {
		s.finish(c, protocol.ToolCallEnd{Status: protocol.StatusCancelled, ExitCode: -1, Message: "turn cancelled"})
		return
	}

	c.decision = s.classify(c)
	c.judged = true
	switch c.decision.Outcome {
	case execpolicy.Forbidden:
		s.logger.Warn("forbidden command refused",
			slog.String("call_id", c.id),
			slog.String("command", execpolicy.Display(inv.Display)),
			slog.String("rule", c.decision.Rule),
		)
		s.finish(c, protocol.ToolCallEnd{
			Status:   protocol.StatusForbidden,
			ExitCode: -1,
			Message:  fmt.Sprintf("%s: %s", execpolicy.ErrPolicyForbidden, c.decision.Reason),
		})
	case execpolicy.RequireApproval:
		s.requestApproval(c)
	default:
		s.dispatch(c, false)
	}
}

// classify runs the execution policy for the call's tool.
func (s *Session) classify(c *call) execpolicy.Decision {
	switch c.inv.Kind {
	case tools.KindApplyPatch:
		if s.approved.Contains(c.inv.Display) {
			return execpolicy.Decision{Outcome: execpolicy.AutoApprove, Reason: "approved for this session", Rule: "session"}
		}
		return execpolicy.ClassifyWrites(c.inv.Writes, writableRoots(c.turn.policy, c.inv.Cwd))
	default:
		return s.classifier.Classify(c.inv.Argv, c.inv.Cwd, s.approved)
	}
}

// writableRoots returns the directories a policy lets a call write to.
func writableRoots(p sandbox.Policy, cwd string) []string {
	switch p.Kind {
	case sandbox.PolicyUnrestricted:
		return []string{string(filepath.Separator)}
	case sandbox.PolicyWritableCwd:
		return []string{cwd}
	case sandbox.PolicyWritableRoots:
		return p.WritableRoots
	default:
		return nil
	}
}

func (s *Session) requestApproval(c *call) {
	if s.cfg.ApprovalPolicy == ApprovalReject {
		s.finish(c, protocol.ToolCallEnd{
			Status:   protocol.StatusDenied,
			ExitCode: -1,
			Message:  "approval required (" + c.decision.Reason + ") but the approval policy rejects unapproved commands",
		})
		return
	}
	id, err := s.approvals.Request(approval.CreateRequest{
		TurnID:  c.turn.id,
		CallID:  c.id,
		Command: c.inv.Display,
		Cwd:     c.inv.Cwd,
		Reason:  c.decision.Reason,
	})
	if err != nil {
		s.finish(c, protocol.ToolCallEnd{
			Status:    protocol.StatusFailed,
			ExitCode:  -1,
			ErrorKind: protocol.ErrKindApprovalUnavailable,
			Message:   err.Error(),
		})
		return
	}
	c.phase = phaseAwaitingApproval
	s.parked[id] = c
	s.requests[id] = false
	s.emit(c.subID, protocol.ApprovalRequested{
		RequestID: id,
		CallID:    c.id,
		TurnID:    c.turn.id,
		Command:   c.inv.Display,
		Cwd:       c.inv.Cwd,
		Reason:    c.decision.Reason,
	})
}

func (s *Session) handleApprovalDecision(sub protocol.Submission, op protocol.ApprovalDecision) {
	resolved, ok := s.requests[op.RequestID]
	if !ok {
		s.emitError(sub.ID, protocol.ErrKindApprovalNotFound, fmt.Sprintf("approval request %q not found", op.RequestID))
		return
	}
	if resolved {
		s.emitError(sub.ID, protocol.ErrKindApprovalResolved, approval.ErrAlreadyResolved.Error())
		return
	}
	r, err := s.approvals.Resolve(op.RequestID, op.Decision, op.Reason)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		s.emitError(sub.ID, protocol.ErrKindApprovalNotFound, err.Error())
		return
	case errors.Is(err, approval.ErrAlreadyResolved):
		s.emitError(sub.ID, protocol.ErrKindApprovalResolved, err.Error())
		return
	case errors.Is(err, approval.ErrInvalidDecision):
		s.emitError(sub.ID, protocol.ErrKindInvalidDecision, err.Error())
		return
	case err != nil:
		s.emitError(sub.ID, protocol.ErrKindInvalidSubmission, err.Error())
		return
	}

	s.requests[r.ID] = true
	c, ok := s.parked[r.ID]
	if !ok {
		return
	}
	delete(s.parked, r.ID)
	s.emit(sub.ID, protocol.ApprovalResolved{
		RequestID: r.ID,
		CallID:    c.id,
		Decision:  r.Decision,
		Reason:    r.ResolveReason,
	})
	s.recordApproval(c, r)

	if !r.Decision.Approved() {
		msg := "denied by user"
		if r.ResolveReason != "" {
			msg += ": " + r.ResolveReason
		}
		s.finish(c, protocol.ToolCallEnd{Status: protocol.StatusDenied, ExitCode: -1, Message: msg})
		return
	}
	if r.Decision == approval.ApproveForSession {
		s.approved.Add(c.inv.Display)
	}
	s.dispatch(c, true)
}

// handleCancelCall denies a parked call or kills a running one. A call that
// already ended is left alone.
func (s *Session) handleCancelCall(sub protocol.Submission, op protocol.CancelCall) {
	if _, ok := s.seen[op.CallID]; !ok {
		s.emitError(sub.ID, protocol.ErrKindInvalidSubmission, fmt.Sprintf("unknown call id %q", op.CallID))
		return
	}
	c, ok := s.calls[op.CallID]
	if !ok {
		return
	}
	switch c.phase {
	case phaseAwaitingApproval:
		for id, parked := range s.parked {
			if parked != c {
				continue
			}
			r, err := s.approvals.Resolve(id, approval.Deny, approval.CancelledReason)
			if err != nil {
				s.logger.Warn("cancelling parked call", slog.String("call_id", c.id), slog.String("error", err.Error()))
			}
			s.requests[id] = true
			delete(s.parked, id)
			if r != nil {
				s.emit(sub.ID, protocol.ApprovalResolved{
					RequestID: r.ID,
					CallID:    c.id,
					Decision:  r.Decision,
					Reason:    r.ResolveReason,
				})
				s.recordApproval(c, r)
			}
			s.finish(c, protocol.ToolCallEnd{Status: protocol.StatusDenied, ExitCode: -1, Message: "approval cancelled"})
			return
		}
	case phaseExecuting:
		s.logger.Info("cancelling tool call", slog.String("call_id", c.id))
		if c.cancel != nil {
			c.cancel()
		}
	}
}

// dispatch prepares the sandbox and starts the call's runner goroutine.
// userApproved widens an apply_patch sandbox to the approved targets.
func (s *Session) dispatch(c *call, userApproved bool) {
	if c.turn.cancelled {
		s.finish(c, protocol.ToolCallEnd{Status: protocol.StatusCancelled, ExitCode: -1, Message: "turn cancelled"})
		return
	}

	policy := c.turn.policy
	if userApproved && c.inv.Kind == tools.KindApplyPatch {
		policy = widenForPatch(policy, c.inv)
	}
	sctx, err := s.sandbox.Prepare(policy, c.turn.network, c.inv.Cwd)
	if err != nil {
		s.finish(c, protocol.ToolCallEnd{
			Status:    protocol.StatusFailed,
			ExitCode:  -1,
			ErrorKind: protocol.ErrKindSandboxSetup,
			Message:   err.Error(),
		})
		return
	}
	if sctx.Unsupported {
		if s.cfg.StrictSandbox {
			s.finish(c, protocol.ToolCallEnd{
				Status:    protocol.StatusFailed,
				ExitCode:  -1,
				ErrorKind: protocol.ErrKindSandboxUnsupported,
				Message:   sandbox.ErrSandboxUnsupported.Error(),
			})
			return
		}
		s.emit(c.subID, protocol.Warning{
			Message: fmt.Sprintf("sandboxing is not supported on this platform; call %s runs without %s confinement", c.id, policy),
		})
		sctx = sctx.WithoutConfinement()
	}
	c.backend = sctx.Backend

	ctx, cancel := context.WithCancel(s.ctx)
	c.cancel = cancel
	c.phase = phaseExecuting
	s.running++

	req := runner.Request{
		Argv:    c.inv.Argv,
		Cwd:     c.inv.Cwd,
		Stdin:   c.inv.Stdin,
		Sandbox: sctx,
		Timeout: c.inv.Timeout,
	}
	id := c.id
	go func() {
		defer cancel()
		res := s.executor.Run(ctx, req, func(chunk []byte) {
			data := make([]byte, len(chunk))
			copy(data, chunk)
			s.updates <- update{callID: id, chunk: data}
		})
		s.updates <- update{callID: id, result: &res}
	}()
}

// widenForPatch adds the nearest existing directory of every patch target to
// the writable set, so an approved patch outside the roots can be applied.
func widenForPatch(p sandbox.Policy, inv *tools.Invocation) sandbox.Policy {
	if p.Kind == sandbox.PolicyUnrestricted {
		return p
	}
	roots := append([]string(nil), writableRoots(p, inv.Cwd)...)
	seen := make(map[string]struct{}, len(roots))
	for _, r := range roots {
		seen[r] = struct{}{}
	}
	for _, w := range inv.Writes {
		dir := existingDir(filepath.Dir(w))
		if _, ok := seen[dir]; ok || dir == "" {
			continue
		}
		seen[dir] = struct{}{}
		roots = append(roots, dir)
	}
	return sandbox.WritableRoots(roots...)
}

func existingDir(dir string) string {
	for {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func (s *Session) handleUpdate(u update) {
	if u.result != nil {
		s.running--
	}
	c, ok := s.calls[u.callID]
	if !ok || c.phase != phaseExecuting {
		return
	}
	if u.result == nil {
		s.emit(c.subID, protocol.ToolCallOutputChunk{CallID: c.id, Data: u.chunk})
		return
	}

	res := u.result
	end := protocol.ToolCallEnd{
		ExitCode:  res.ExitCode,
		Output:    res.Output,
		Truncated: res.Truncated,
	}
	switch res.Status {
	case runner.StatusExited:
		end.Status = protocol.StatusExited
	case runner.StatusTimedOut:
		end.Status = protocol.StatusTimeout
	case runner.StatusCancelled:
		end.Status = protocol.StatusCancelled
	default:
		end.Status = protocol.StatusFailed
		end.ErrorKind = failureKind(res)
	}
	if res.Err != nil {
		end.Message = res.Err.Error()
	}
	s.finish(c, end)
}

func failureKind(res *runner.Result) protocol.ErrorKind {
	switch {
	case errors.Is(res.Err, sandbox.ErrSandboxUnsupported):
		return protocol.ErrKindSandboxUnsupported
	case res.Status == runner.StatusSandboxFailed:
		return protocol.ErrKindSandboxSetup
	case res.Status == runner.StatusStreamFailed:
		return protocol.ErrKindStreamDisconnected
	default:
		return protocol.ErrKindSpawn
	}
}

// finish moves c to its terminal state and emits its single ToolCallEnd.
func (s *Session) finish(c *call, end protocol.ToolCallEnd) {
	if c.phase == phaseTerminal {
		return
	}
	c.phase = phaseTerminal
	end.CallID = c.id
	end.DurationMs = time.Since(c.start).Milliseconds()
	s.emit(c.subID, end)

	delete(c.turn.calls, c.id)
	delete(s.calls, c.id)

	s.logger.Info("tool call finished",
		slog.String("call_id", c.id),
		slog.String("turn_id", c.turn.id),
		slog.String("status", string(end.Status)),
		slog.Int("exit_code", end.ExitCode),
		slog.Int64("duration_ms", end.DurationMs),
	)
	s.appendHistory(HistoryEntry{Role: "tool", CallID: c.id, Status: string(end.Status), ExitCode: end.ExitCode})
	s.record(c, audit.Event{
		Kind:       audit.KindToolCall,
		Status:     string(end.Status),
		ExitCode:   end.ExitCode,
		DurationMs: end.DurationMs,
		ErrorKind:  string(end.ErrorKind),
		Reason:     end.Message,
		Sandbox:    string(c.backend),
	})
	s.maybeComplete(c.turn)
}

func (s *Session) recordApproval(c *call, r *approval.Request) {
	s.record(c, audit.Event{
		Kind:      audit.KindApproval,
		RequestID: r.ID,
		Status:    string(r.Decision),
		Reason:    r.ResolveReason,
	})
}

func (s *Session) record(c *call, e audit.Event) {
	e.SessionID = s.id
	e.TurnID = c.turn.id
	e.CallID = c.id
	e.Tool = c.tool
	if c.inv != nil {
		e.Command = execpolicy.Display(c.inv.Display)
		e.Cwd = c.inv.Cwd
	}
	if c.judged {
		e.Outcome = c.decision.Outcome.String()
		e.Rule = c.decision.Rule
	}
	if err := s.recorder.Record(s.ctx, e); err != nil {
		s.logger.Error("failed to record audit event",
			slog.String("call_id", c.id),
			slog.String("error", err.Error()),
		)
	}
}
