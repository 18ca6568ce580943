package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/session"
	"github.com/jkaninda/warden/internal/session/sessiontest"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory, _ := sessiontest.Factory(t, session.ApprovalReject)
	srv := NewServer(factory, gateway.NewRegistry(logger, nil), &config.WebSocketGatewayConfig{HeartbeatIntervalSeconds: 1}, logger)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, hs
}

func dial(t *testing.T, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{Subprotocol}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, sub protocol.Submission) {
	t.Helper()
	env, err := protocol.EncodeSubmission(sub)
	if err != nil {
		t.Fatalf("EncodeSubmission: %v", err)
	}
	data, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	ev, err := protocol.DecodeEvent(&env)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	return ev
}

func recvUntil[T protocol.EventMsg](t *testing.T, conn *websocket.Conn) (T, []protocol.Event) {
	t.Helper()
	var seen []protocol.Event
	for range 50 {
		ev := recv(t, conn)
		seen = append(seen, ev)
		if m, ok := ev.Msg.(T); ok {
			return m, seen
		}
	}
	var zero T
	t.Fatalf("no %T within 50 events", zero)
	return zero, seen
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

func TestServer_SessionPerConnection(t *testing.T) {
	srv, hs := newTestServer(t)
	a := dial(t, hs)
	b := dial(t, hs)

	ca, ok := recv(t, a).Msg.(protocol.SessionConfigured)
	if !ok {
		t.Fatal("first event on a is not SessionConfigured")
	}
	cb, ok := recv(t, b).Msg.(protocol.SessionConfigured)
	if !ok {
		t.Fatal("first event on b is not SessionConfigured")
	}
	if ca.SessionID == cb.SessionID {
		t.Errorf("connections share session %s", ca.SessionID)
	}
	waitFor(t, func() bool { return srv.Registry().Count() == 2 })
}

func TestServer_ToolCallRoundTrip(t *testing.T) {
	_, hs := newTestServer(t)
	conn := dial(t, hs)
	recv(t, conn) // SessionConfigured

	send(t, conn, protocol.Submission{
		ID: "s-1",
		Op: protocol.ToolCallRequest{CallID: "c-1", Tool: "shell", Arguments: json.RawMessage(`{"command":["pwd"]}`)},
	})
	end, seen := recvUntil[protocol.ToolCallEnd](t, conn)
	if end.CallID != "c-1" || end.Status != protocol.StatusExited {
		t.Errorf("end = %+v, want c-1 exited", end)
	}
	var begun bool
	for _, ev := range seen {
		if b, ok := ev.Msg.(protocol.ToolCallBegin); ok && b.CallID == "c-1" {
			begun = true
		}
	}
	if !begun {
		t.Error("ToolCallEnd arrived without ToolCallBegin")
	}
}

func TestServer_ShutdownClosesNormally(t *testing.T) {
	srv, hs := newTestServer(t)
	conn := dial(t, hs)
	recv(t, conn)

	send(t, conn, protocol.Submission{ID: "bye", Op: protocol.Shutdown{}})
	recvUntil[protocol.ShutdownComplete](t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", websocket.CloseStatus(err), err)
	}
	waitFor(t, func() bool { return srv.Registry().Count() == 0 })
}

func TestServer_InvalidFrameReportsError(t *testing.T) {
	_, hs := newTestServer(t)
	conn := dial(t, hs)
	recv(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"op.nope","id":"x-1"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	e, _ := recvUntil[protocol.Error](t, conn)
	if e.Kind != protocol.ErrKindInvalidSubmission {
		t.Errorf("kind = %q, want %q", e.Kind, protocol.ErrKindInvalidSubmission)
	}
}

func TestServer_DisconnectDeregisters(t *testing.T) {
	srv, hs := newTestServer(t)
	conn := dial(t, hs)
	recv(t, conn)
	waitFor(t, func() bool { return srv.Registry().Count() == 1 })

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return srv.Registry().Count() == 0 })
}

func TestServer_ShutdownCancelsSessions(t *testing.T) {
	srv, hs := newTestServer(t)
	conn := dial(t, hs)
	recv(t, conn)
	waitFor(t, func() bool { return srv.Registry().Count() == 1 })

	// Keep reading so the close handshake can complete.
	go func() {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := srv.Registry().Count(); n != 0 {
		t.Errorf("active sessions after Shutdown = %d, want 0", n)
	}
}
