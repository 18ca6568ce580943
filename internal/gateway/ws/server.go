// Package ws implements the WebSocket session gateway. Every connection gets
// its own session: text frames carry submission envelopes in and event
// envelopes out, and closing the connection cancels whatever is still running.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/session"
)

// Subprotocol is the WebSocket subprotocol clients should request.
const Subprotocol = "warden-session-v1"

const (
	readLimit    = 16 << 20
	writeTimeout = 10 * time.Second
)

// Server upgrades HTTP requests into session connections.
type Server struct {
	newSession gateway.SessionFactory
	registry   *gateway.Registry
	cfg        *config.WebSocketGatewayConfig
	logger     *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a WebSocket server. Active sessions are tracked in registry.
func NewServer(factory gateway.SessionFactory, registry *gateway.Registry, cfg *config.WebSocketGatewayConfig, logger *slog.Logger) *Server {
	return &Server{
		newSession: factory,
		registry:   registry,
		cfg:        cfg,
		logger:     logger,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Registry returns the session registry managed by this server.
func (s *Server) Registry() *gateway.Registry {
	return s.registry
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Shutdown cancels every live session and waits for their connections to
// close, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(readLimit)

	s.wg.Add(1)
	defer s.wg.Done()
	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := s.newSession()
	id := sess.ID()
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
	s.registry.Register(id, "websocket")
	defer func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
		s.registry.Deregister(id)
	}()

	sess.Start(ctx)

	go s.readLoop(ctx, cancel, conn, sess)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, cancel, conn, id)

	// The session closes its event stream after ShutdownComplete, whether the
	// client asked for it or the connection went away.
	broken := false
	for ev := range sess.Events() {
		if broken {
			continue
		}
		if err := s.writeEvent(ctx, conn, ev); err != nil {
			s.logger.Debug("event write failed", slog.String("session_id", id), slog.String("error", err.Error()))
			broken = true
			cancel()
		}
	}
	<-sess.Done()

	if broken {
		conn.CloseNow()
		return
	}
	conn.Close(websocket.StatusNormalClosure, "session closed")
}

// readLoop submits every inbound frame until the connection fails. A lost
// client cancels the session, which denies parked approvals and kills
// running calls.
func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *session.Session) {
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				s.logger.Info("client disconnected normally", slog.String("session_id", sess.ID()))
			default:
				s.logger.Warn("client connection error",
					slog.String("session_id", sess.ID()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if typ != websocket.MessageText {
			s.logger.Warn("ignoring binary frame", slog.String("session_id", sess.ID()))
			continue
		}

		sub, err := gateway.ParseSubmission(data)
		if err != nil {
			s.logger.Warn("invalid submission",
				slog.String("session_id", sess.ID()),
				slog.String("submission_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}
		if err := sess.Submit(ctx, sub); err != nil {
			if errors.Is(err, session.ErrClosed) {
				// Shutdown was accepted; keep the connection open until the
				// writer has flushed ShutdownComplete.
				<-ctx.Done()
			}
			return
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string) {
	ticker := time.NewTicker(s.cfg.WSHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Debug("heartbeat ping failed",
						slog.String("session_id", sessionID),
						slog.String("error", err.Error()),
					)
					cancel()
				}
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev protocol.Event) error {
	data, err := gateway.MarshalEvent(ev)
	if err != nil {
		s.logger.Error("encoding event", slog.String("type", string(protocol.EventType(ev.Msg))), slog.String("error", err.Error()))
		return nil
	}
	// Events still flow while the session drains after cancellation.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer wcancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
