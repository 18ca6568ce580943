package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/sandbox"
)

// turn groups the calls issued for one user request.
type turn struct {
	id        string
	subID     string
	cwd       string
	policy    sandbox.Policy
	network   sandbox.NetworkPolicy
	implicit  bool
	sealed    bool
	cancelled bool
	completed bool
	calls     map[string]*call // Non-terminal calls only.
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	s.emit("", s.configured())
	s.logger.Info("session started",
		slog.String("cwd", s.cfg.Cwd),
		slog.String("sandbox_policy", s.cfg.SandboxPolicy.String()),
		slog.String("network", string(s.cfg.Network)),
		slog.String("approval_policy", string(s.cfg.ApprovalPolicy)),
	)

	subs := s.subs
	ctxDone := ctx.Done()
	for {
		if s.shuttingDown {
			subs = nil
			if s.running == 0 {
				s.finishShutdown()
				return
			}
		}
		select {
		case sub := <-subs:
			s.handle(sub)
		case u := <-s.updates:
			s.handleUpdate(u)
		case <-ctxDone:
			ctxDone = nil
			if !s.shuttingDown {
				s.logger.Info("session context cancelled, shutting down")
				s.beginShutdown("")
			}
		}
	}
}

func (s *Session) handle(sub protocol.Submission) {
	switch op := sub.Op.(type) {
	case protocol.UserInput:
		s.appendHistory(HistoryEntry{Role: "user", Text: op.Text})
		if s.current == nil || s.current.sealed {
			s.openTurn(sub.ID, s.cfg.Cwd, s.cfg.SandboxPolicy, s.cfg.Network, false)
		}
	case protocol.UserTurn:
		s.handleUserTurn(sub, op)
	case protocol.ToolCallRequest:
		s.handleToolCall(sub, op)
	case protocol.ApprovalDecision:
		s.handleApprovalDecision(sub, op)
	case protocol.CancelTurn:
		if t := s.current; t != nil && !t.completed {
			s.cancelTurn(t, sub.ID)
		}
	case protocol.CancelCall:
		s.handleCancelCall(sub, op)
	case protocol.EndTurn:
		if t := s.current; t != nil && !t.sealed {
			t.sealed = true
			s.maybeComplete(t)
		}
	case protocol.RecordUsage:
		s.mu.Lock()
		s.usage.Input += op.InputTokens
		s.usage.Output += op.OutputTokens
		total := s.usage
		s.mu.Unlock()
		s.emit(sub.ID, protocol.TokenCount{
			Input:       op.InputTokens,
			Output:      op.OutputTokens,
			TotalInput:  total.Input,
			TotalOutput: total.Output,
		})
	case protocol.Shutdown:
		s.beginShutdown(sub.ID)
	default:
		s.emitError(sub.ID, protocol.ErrKindInvalidSubmission, fmt.Sprintf("unrecognized operation %T", sub.Op))
	}
}

func (s *Session) handleUserTurn(sub protocol.Submission, op protocol.UserTurn) {
	cwd := s.cfg.Cwd
	if op.Cwd != "" {
		if !filepath.IsAbs(op.Cwd) {
			s.emitError(sub.ID, protocol.ErrKindInvalidSubmission, fmt.Sprintf("cwd %q is not absolute", op.Cwd))
			return
		}
		cwd = filepath.Clean(op.Cwd)
	}
	policy := s.cfg.SandboxPolicy
	if op.SandboxPolicy != nil {
		policy = *op.SandboxPolicy
	}
	network := s.cfg.Network
	if op.Network != nil {
		network = *op.Network
	}
	if op.Text != "" {
		s.appendHistory(HistoryEntry{Role: "user", Text: op.Text})
	}
	s.openTurn(sub.ID, cwd, policy, network, false)
}

// openTurn starts a new current turn. An open previous turn is sealed and
// completes on its own once its calls are terminal.
func (s *Session) openTurn(subID, cwd string, policy sandbox.Policy, network sandbox.NetworkPolicy, implicit bool) *turn {
	if prev := s.current; prev != nil && !prev.sealed {
		prev.sealed = true
		s.maybeComplete(prev)
	}
	t := &turn{
		id:       uuid.NewString(),
		subID:    subID,
		cwd:      cwd,
		policy:   policy,
		network:  network,
		implicit: implicit,
		sealed:   implicit,
		calls:    make(map[string]*call),
	}
	s.turns[t.id] = t
	s.current = t
	s.emit(subID, protocol.TurnBegin{TurnID: t.id})
	return t
}

// turnForCall returns the turn a new call joins, opening an implicit turn
// when nothing suitable is open.
func (s *Session) turnForCall(subID string) *turn {
	t := s.current
	if t != nil && !t.completed && (t.cancelled || !t.sealed || t.implicit) {
		return t
	}
	return s.openTurn(subID, s.cfg.Cwd, s.cfg.SandboxPolicy, s.cfg.Network, true)
}

// cancelTurn denies the turn's parked approvals and cancels its running calls.
func (s *Session) cancelTurn(t *turn, subID string) {
	if t.cancelled {
		return
	}
	t.cancelled = true
	t.sealed = true
	s.logger.Info("turn cancelled", slog.String("turn_id", t.id), slog.Int("open_calls", len(t.calls)))

	for _, r := range s.approvals.CancelTurn(t.id) {
		if _, mine := s.requests[r.ID]; mine {
			s.requests[r.ID] = true
		}
		c, ok := s.parked[r.ID]
		if !ok {
			continue
		}
		delete(s.parked, r.ID)
		s.emit(subID, protocol.ApprovalResolved{
			RequestID: r.ID,
			CallID:    c.id,
			Decision:  r.Decision,
			Reason:    r.ResolveReason,
		})
		s.recordApproval(c, r)
		s.finish(c, protocol.ToolCallEnd{
			Status:   protocol.StatusDenied,
			ExitCode: -1,
			Message:  "approval cancelled",
		})
	}
	for _, c := range t.calls {
		if c.cancel != nil {
			c.cancel()
		}
	}
	s.maybeComplete(t)
}

func (s *Session) maybeComplete(t *turn) {
	if t.completed || !t.sealed || len(t.calls) > 0 {
		return
	}
	t.completed = true
	delete(s.turns, t.id)
	if s.current == t {
		s.current = nil
	}
	s.emit(t.subID, protocol.TurnComplete{TurnID: t.id})
}

func (s *Session) beginShutdown(subID string) {
	s.shuttingDown = true
	s.shutdownSub = subID
	for _, t := range s.turns {
		s.cancelTurn(t, subID)
	}
}

func (s *Session) finishShutdown() {
	for _, t := range s.turns {
		t.sealed = true
		s.maybeComplete(t)
	}
	s.emit(s.shutdownSub, protocol.ShutdownComplete{})
	s.logger.Info("session shut down")
}

func (s *Session) configured() protocol.SessionConfigured {
	mode := "strict"
	if !s.cfg.StrictSandbox {
		mode = "permissive"
	}
	return protocol.SessionConfigured{
		SessionID:        s.id,
		Cwd:              s.cfg.Cwd,
		SandboxPolicy:    s.cfg.SandboxPolicy,
		Network:          s.cfg.Network,
		SandboxSupported: s.supported,
		SandboxBackend:   sandbox.PlatformBackend(),
		SandboxMode:      mode,
		ApprovalPolicy:   string(s.cfg.ApprovalPolicy),
	}
}

// emit delivers an event in loop order. Events are dropped once the session
// context is cancelled so an abandoned stream cannot wedge the loop.
func (s *Session) emit(subID string, msg protocol.EventMsg) {
	select {
	case s.events <- protocol.Event{SubmissionID: subID, Msg: msg}:
	case <-s.ctx.Done():
	}
}

func (s *Session) emitError(subID string, kind protocol.ErrorKind, msg string) {
	s.logger.Warn("submission rejected",
		slog.String("submission_id", subID),
		slog.String("kind", string(kind)),
		slog.String("message", msg),
	)
	s.emit(subID, protocol.Error{Kind: kind, Message: msg})
}
