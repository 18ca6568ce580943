package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/session"
	"github.com/jkaninda/warden/internal/session/sessiontest"
)

func encodeLine(t *testing.T, sub protocol.Submission) string {
	t.Helper()
	env, err := protocol.EncodeSubmission(sub)
	if err != nil {
		t.Fatalf("EncodeSubmission: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return string(data) + "\n"
}

func readEvents(t *testing.T, out []byte) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		var env protocol.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			t.Fatalf("output line is not an envelope: %v: %s", err, scanner.Text())
		}
		ev, err := protocol.DecodeEvent(&env)
		if err != nil {
			t.Fatalf("DecodeEvent: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func runServer(t *testing.T, input string) []protocol.Event {
	t.Helper()
	factory, _ := sessiontest.Factory(t, session.ApprovalReject)
	var out bytes.Buffer
	srv := New(factory, strings.NewReader(input), &out, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return readEvents(t, out.Bytes())
}

func TestServer_RunsToolCallAndShutsDownOnEOF(t *testing.T) {
	input := encodeLine(t, protocol.Submission{
		ID: "sub-1",
		Op: protocol.ToolCallRequest{CallID: "call-1", Tool: "shell", Arguments: json.RawMessage(`{"command":["ls","-la"]}`)},
	})
	events := runServer(t, input)

	if len(events) < 3 {
		t.Fatalf("got %d events, want at least 3", len(events))
	}
	if _, ok := events[0].Msg.(protocol.SessionConfigured); !ok {
		t.Errorf("first event = %T, want SessionConfigured", events[0].Msg)
	}
	if _, ok := events[len(events)-1].Msg.(protocol.ShutdownComplete); !ok {
		t.Errorf("last event = %T, want ShutdownComplete", events[len(events)-1].Msg)
	}

	var end *protocol.ToolCallEnd
	for _, ev := range events {
		if e, ok := ev.Msg.(protocol.ToolCallEnd); ok {
			end = &e
			if ev.SubmissionID != "sub-1" {
				t.Errorf("ToolCallEnd submission id = %q, want sub-1", ev.SubmissionID)
			}
		}
	}
	if end == nil {
		t.Fatal("no ToolCallEnd event")
	}
	if end.Status != protocol.StatusExited || end.ExitCode != 0 {
		t.Errorf("end = %+v, want exited 0", *end)
	}
	if !strings.Contains(string(end.Output), "ls -la") {
		t.Errorf("output = %q, want echoed command", end.Output)
	}
}

func TestServer_InvalidLinesBecomeErrors(t *testing.T) {
	input := "not json\n" +
		`{"type":"op.bogus","id":"bad-1"}` + "\n" +
		"\n"
	events := runServer(t, input)

	var kinds []protocol.ErrorKind
	var ids []string
	for _, ev := range events {
		if e, ok := ev.Msg.(protocol.Error); ok {
			kinds = append(kinds, e.Kind)
			ids = append(ids, ev.SubmissionID)
		}
	}
	if len(kinds) != 2 {
		t.Fatalf("got %d error events, want 2", len(kinds))
	}
	for _, k := range kinds {
		if k != protocol.ErrKindInvalidSubmission {
			t.Errorf("kind = %q, want %q", k, protocol.ErrKindInvalidSubmission)
		}
	}
	if ids[1] != "bad-1" {
		t.Errorf("second error submission id = %q, want bad-1", ids[1])
	}
	if ids[0] == "" {
		t.Error("unparseable line should still get a generated submission id")
	}
}

func TestServer_ClientShutdownEndsStart(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	factory, _ := sessiontest.Factory(t, session.ApprovalReject)
	var out bytes.Buffer
	srv := New(factory, pr, &out, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()

	if _, err := io.WriteString(pw, encodeLine(t, protocol.Submission{ID: "bye", Op: protocol.Shutdown{}})); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after client Shutdown")
	}

	events := readEvents(t, out.Bytes())
	last := events[len(events)-1]
	if _, ok := last.Msg.(protocol.ShutdownComplete); !ok {
		t.Fatalf("last event = %T, want ShutdownComplete", last.Msg)
	}
	if last.SubmissionID != "bye" {
		t.Errorf("ShutdownComplete submission id = %q, want bye", last.SubmissionID)
	}
}

func TestServer_StopBeforeStart(t *testing.T) {
	factory, _ := sessiontest.Factory(t, session.ApprovalReject)
	srv := New(factory, strings.NewReader(""), io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
