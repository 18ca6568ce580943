// Package mcp exposes the session's tools to MCP clients over stdio. All calls
// share one session that runs with the reject approval policy: commands that
// would need a human decision are denied instead of parked.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/session"
	"github.com/jkaninda/warden/internal/tools"
)

// ErrSessionClosed is returned to callers whose call was cut short by shutdown.
var ErrSessionClosed = errors.New("session closed")

// Server serves the tool set of one session to an MCP client.
type Server struct {
	newSession gateway.SessionFactory
	in         io.Reader
	out        io.Writer
	logger     *slog.Logger
	mcp        *server.MCPServer

	once    sync.Once
	mu      sync.Mutex
	sess    *session.Session
	waiters map[string]chan protocol.ToolCallEnd
}

var _ gateway.Gateway = (*Server)(nil)

// New creates an MCP server with one tool per dispatch table entry.
func New(factory gateway.SessionFactory, version string, in io.Reader, out io.Writer, logger *slog.Logger) (*Server, error) {
	s := &Server{
		newSession: factory,
		in:         in,
		out:        out,
		logger:     logger,
		waiters:    make(map[string]chan protocol.ToolCallEnd),
		mcp:        server.NewMCPServer("warden", version, server.WithToolCapabilities(false)),
	}
	for _, spec := range tools.Specs() {
		schema, err := json.Marshal(spec.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encoding %s schema: %w", spec.Name, err)
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(string(spec.Name), spec.Description, schema), s.handler(spec.Name))
	}
	return s, nil
}

// Start serves MCP over the configured streams until the client disconnects
// or ctx is canceled, then shuts the session down.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := s.open(ctx)
	s.logger.Info("mcp server started", slog.String("session_id", sess.ID()))

	stdio := server.NewStdioServer(s.mcp)
	err := stdio.Listen(ctx, s.in, s.out)

	if serr := sess.Submit(context.WithoutCancel(ctx), protocol.Submission{Op: protocol.Shutdown{}}); serr != nil && !errors.Is(serr, session.ErrClosed) {
		cancel()
	}
	<-sess.Done()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

// Stop cancels in-flight work by shutting the session down.
func (s *Server) Stop(ctx context.Context) error {
	sess := s.current()
	if sess == nil {
		return nil
	}
	if err := sess.Submit(ctx, protocol.Submission{Op: protocol.Shutdown{}}); err != nil && !errors.Is(err, session.ErrClosed) {
		return err
	}
	select {
	case <-sess.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// open starts the shared session and its event dispatcher once.
func (s *Server) open(ctx context.Context) *session.Session {
	s.once.Do(func() {
		sess := s.newSession()
		s.mu.Lock()
		s.sess = sess
		s.mu.Unlock()
		sess.Start(ctx)
		go s.dispatch(sess)
	})
	return s.current()
}

func (s *Server) current() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// dispatch routes terminal call events to the handler waiting on them.
func (s *Server) dispatch(sess *session.Session) {
	for ev := range sess.Events() {
		switch msg := ev.Msg.(type) {
		case protocol.ToolCallEnd:
			s.mu.Lock()
			ch, ok := s.waiters[msg.CallID]
			delete(s.waiters, msg.CallID)
			s.mu.Unlock()
			if ok {
				ch <- msg
			}
		case protocol.Warning:
			s.logger.Warn("session warning", slog.String("message", msg.Message))
		case protocol.Error:
			s.logger.Warn("session error", slog.String("kind", string(msg.Kind)), slog.String("message", msg.Message))
		}
	}
}

func (s *Server) handler(kind tools.Kind) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess := s.current()
		if sess == nil {
			return nil, ErrSessionClosed
		}
		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		callID := "mcp-" + uuid.NewString()
		ch := make(chan protocol.ToolCallEnd, 1)
		s.mu.Lock()
		s.waiters[callID] = ch
		s.mu.Unlock()
		forget := func() {
			s.mu.Lock()
			delete(s.waiters, callID)
			s.mu.Unlock()
		}

		err = sess.Submit(ctx, protocol.Submission{Op: protocol.ToolCallRequest{
			CallID:    callID,
			Tool:      string(kind),
			Arguments: args,
		}})
		if err != nil {
			forget()
			if errors.Is(err, session.ErrClosed) {
				return nil, ErrSessionClosed
			}
			return nil, err
		}

		select {
		case end := <-ch:
			return toResult(end), nil
		case <-sess.Done():
			forget()
			return nil, ErrSessionClosed
		case <-ctx.Done():
			// The client gave up on the request; stop the command too.
			forget()
			cancel := protocol.Submission{Op: protocol.CancelCall{CallID: callID}}
			if err := sess.Submit(context.WithoutCancel(ctx), cancel); err != nil && !errors.Is(err, session.ErrClosed) {
				s.logger.Warn("cancelling mcp call", slog.String("call_id", callID), slog.String("error", err.Error()))
			}
			return nil, ctx.Err()
		}
	}
}

// toResult renders a finished call. Only a clean exit is a successful result.
func toResult(end protocol.ToolCallEnd) *mcp.CallToolResult {
	if end.Status == protocol.StatusExited && end.ExitCode == 0 {
		return mcp.NewToolResultText(string(end.Output))
	}

	var sb strings.Builder
	switch end.Status {
	case protocol.StatusExited:
		fmt.Fprintf(&sb, "exit code %d", end.ExitCode)
	default:
		sb.WriteString(string(end.Status))
		if end.ErrorKind != "" {
			fmt.Fprintf(&sb, " (%s)", end.ErrorKind)
		}
	}
	if end.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(end.Message)
	}
	if len(end.Output) > 0 {
		sb.WriteString("\n")
		sb.Write(end.Output)
	}
	if end.Truncated {
		sb.WriteString("\n[output truncated]")
	}
	return mcp.NewToolResultError(sb.String())
}
