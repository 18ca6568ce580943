// Package stdio bridges one session to a pair of byte streams, one JSON
// envelope per line: submissions in, events out. It backs `warden proto`.
package stdio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/session"
)

// maxLineBytes bounds one inbound envelope. Patches travel inline.
const maxLineBytes = 16 << 20

// Server serves a single session over in and out.
type Server struct {
	newSession gateway.SessionFactory
	in         io.Reader
	out        io.Writer
	logger     *slog.Logger

	mu      sync.Mutex
	sess    *session.Session
	cancel  context.CancelFunc
	stopped chan struct{}
}

var _ gateway.Gateway = (*Server)(nil)

// New creates a stdio server.
func New(factory gateway.SessionFactory, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	return &Server{
		newSession: factory,
		in:         in,
		out:        out,
		logger:     logger,
		stopped:    make(chan struct{}),
	}
}

// Start runs the session until the input reaches EOF and every event,
// ending with ShutdownComplete, has been written.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(s.stopped)

	sess := s.newSession()
	s.mu.Lock()
	s.sess = sess
	s.cancel = cancel
	s.mu.Unlock()

	sess.Start(ctx)
	s.logger.Info("stdio session started", slog.String("session_id", sess.ID()))

	readErr := make(chan error, 1)
	go func() {
		err := s.readSubmissions(ctx, sess)
		readErr <- err
		if err != nil {
			cancel()
			return
		}
		// EOF: let in-flight calls finish, then close the stream.
		if err := sess.Submit(ctx, protocol.Submission{Op: protocol.Shutdown{}}); err != nil && !errors.Is(err, session.ErrClosed) {
			s.logger.Debug("shutdown submit failed", slog.Any("error", err))
		}
	}()

	werr := s.writeEvents(sess)
	<-sess.Done()
	select {
	case err := <-readErr:
		if err != nil {
			return err
		}
	default:
		// The client sent Shutdown; the reader may still be blocked on input.
	}
	return werr
}

// Stop asks the session to shut down and waits for it, cancelling it when
// ctx expires first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sess, cancel := s.sess, s.cancel
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.Submit(ctx, protocol.Submission{Op: protocol.Shutdown{}}); err != nil && !errors.Is(err, session.ErrClosed) {
		cancel()
	}
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (s *Server) readSubmissions(ctx context.Context, sess *session.Session) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sub, err := gateway.ParseSubmission(line)
		if err != nil {
			s.logger.Warn("invalid submission", slog.String("submission_id", sub.ID), slog.Any("error", err))
		}
		if err := sess.Submit(ctx, sub); err != nil {
			if errors.Is(err, session.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("submitting %s: %w", sub.ID, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading submissions: %w", err)
	}
	return nil
}

func (s *Server) writeEvents(sess *session.Session) error {
	w := bufio.NewWriter(s.out)
	var firstErr error
	for ev := range sess.Events() {
		if firstErr != nil {
			continue // keep draining so the session never blocks
		}
		data, err := gateway.MarshalEvent(ev)
		if err != nil {
			s.logger.Error("encoding event", slog.String("type", string(protocol.EventType(ev.Msg))), slog.Any("error", err))
			continue
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			firstErr = fmt.Errorf("writing event: %w", err)
			continue
		}
		if err := w.Flush(); err != nil {
			firstErr = fmt.Errorf("writing event: %w", err)
		}
	}
	return firstErr
}
