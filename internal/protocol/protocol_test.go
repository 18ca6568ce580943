package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/sandbox"
)

func TestDecodeSubmission_FromWire(t *testing.T) {
	line := `{"type":"op.tool_call","id":"sub-1","payload":{"call_id":"c1","tool":"shell","arguments":{"command":["ls","-l"]}},"timestamp":"2026-01-01T00:00:00Z"}`
	var env Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	sub, err := DecodeSubmission(&env)
	if err != nil {
		t.Fatalf("DecodeSubmission() error: %v", err)
	}
	if sub.ID != "sub-1" {
		t.Errorf("ID = %q, want sub-1", sub.ID)
	}
	call, ok := sub.Op.(ToolCallRequest)
	if !ok {
		t.Fatalf("Op = %T, want ToolCallRequest", sub.Op)
	}
	if call.CallID != "c1" || call.Tool != "shell" {
		t.Errorf("call = %+v", call)
	}
	if !strings.Contains(string(call.Arguments), `"ls"`) {
		t.Errorf("arguments = %s", call.Arguments)
	}
}

func TestDecodeSubmission_EmptyPayloadAndMissingID(t *testing.T) {
	sub, err := DecodeSubmission(&Envelope{Type: MsgShutdown})
	if err != nil {
		t.Fatalf("DecodeSubmission() error: %v", err)
	}
	if _, ok := sub.Op.(Shutdown); !ok {
		t.Errorf("Op = %T, want Shutdown", sub.Op)
	}
	if sub.ID == "" {
		t.Error("missing ID was not generated")
	}
}

func TestDecodeSubmission_Errors(t *testing.T) {
	if _, err := DecodeSubmission(&Envelope{Type: "op.nope", ID: "x"}); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("unknown type error = %v, want ErrUnknownMessage", err)
	}
	sub, err := DecodeSubmission(&Envelope{Type: MsgUserInput, ID: "x", Payload: json.RawMessage(`{"text":1}`)})
	if err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
	if sub.ID != "x" {
		t.Errorf("failed decode should keep the submission ID, got %q", sub.ID)
	}
}

func TestSubmission_RoundTripUserTurn(t *testing.T) {
	policy := sandbox.WritableRoots("/tmp/a")
	network := sandbox.NetworkFull
	in := Submission{ID: "s1", Op: UserTurn{Text: "hi", Cwd: "/tmp/a", SandboxPolicy: &policy, Network: &network}}

	env, err := EncodeSubmission(in)
	if err != nil {
		t.Fatalf("EncodeSubmission() error: %v", err)
	}
	if env.Type != MsgUserTurn || env.ID != "s1" {
		t.Fatalf("envelope = %+v", env)
	}
	data, _ := json.Marshal(env)
	var back Envelope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	out, err := DecodeSubmission(&back)
	if err != nil {
		t.Fatalf("DecodeSubmission() error: %v", err)
	}
	turn := out.Op.(UserTurn)
	if turn.SandboxPolicy == nil || turn.SandboxPolicy.Kind != sandbox.PolicyWritableRoots || turn.SandboxPolicy.WritableRoots[0] != "/tmp/a" {
		t.Errorf("policy = %+v", turn.SandboxPolicy)
	}
	if turn.Network == nil || *turn.Network != sandbox.NetworkFull {
		t.Errorf("network = %v", turn.Network)
	}
}

func TestEncodeEvent(t *testing.T) {
	env, err := EncodeEvent(Event{
		SubmissionID: "s1",
		Msg: ToolCallEnd{
			CallID:    "c1",
			Status:    StatusFailed,
			ExitCode:  -1,
			ErrorKind: ErrKindSandboxSetup,
			Message:   "sandbox setup failed",
		},
	})
	if err != nil {
		t.Fatalf("EncodeEvent() error: %v", err)
	}
	if env.Type != MsgToolCallEnd || env.SubmissionID != "s1" || env.ID == "" {
		t.Errorf("envelope = %+v", env)
	}
	var payload map[string]any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["status"] != "failed" || payload["error_kind"] != "sandbox_setup" {
		t.Errorf("payload = %v", payload)
	}

	back, err := DecodeEvent(env)
	if err != nil {
		t.Fatalf("DecodeEvent() error: %v", err)
	}
	if end, ok := back.Msg.(ToolCallEnd); !ok || end.CallID != "c1" {
		t.Errorf("decoded = %#v", back.Msg)
	}
}

func TestEncodeEvent_BinaryOutputSurvives(t *testing.T) {
	raw := []byte{'o', 'k', 0xff, 0xfe, '\n'}
	env, err := EncodeEvent(Event{Msg: ToolCallEnd{CallID: "c1", Status: StatusExited, Output: raw}})
	if err != nil {
		t.Fatalf("EncodeEvent() error: %v", err)
	}
	back, err := DecodeEvent(env)
	if err != nil {
		t.Fatalf("DecodeEvent() error: %v", err)
	}
	end, ok := back.Msg.(ToolCallEnd)
	if !ok || !bytes.Equal(end.Output, raw) {
		t.Errorf("output = %q, want %q", end.Output, raw)
	}
}

func TestEventTypes_AreDistinct(t *testing.T) {
	msgs := []EventMsg{
		SessionConfigured{}, TurnBegin{}, ToolCallBegin{}, ToolCallOutputChunk{},
		ApprovalRequested{}, ApprovalResolved{Decision: approval.Deny}, ToolCallEnd{},
		TurnComplete{}, TokenCount{}, Warning{}, Error{}, ShutdownComplete{},
	}
	seen := map[MessageType]bool{}
	for _, m := range msgs {
		typ := EventType(m)
		if seen[typ] {
			t.Errorf("duplicate event type %q", typ)
		}
		seen[typ] = true
		if _, ok := eventDecoders[typ]; !ok {
			t.Errorf("no decoder for %q", typ)
		}
	}
}

func TestDecodeSubmission_CancelCall(t *testing.T) {
	env := &Envelope{Type: MsgCancelCall, ID: "s9", Payload: json.RawMessage(`{"call_id":"c7"}`)}
	sub, err := DecodeSubmission(env)
	if err != nil {
		t.Fatalf("DecodeSubmission() error: %v", err)
	}
	if op, ok := sub.Op.(CancelCall); !ok || op.CallID != "c7" || sub.ID != "s9" {
		t.Errorf("decoded = %#v", sub)
	}
}

func TestOpTypes_HaveDecoders(t *testing.T) {
	ops := []Op{
		UserInput{}, UserTurn{}, ToolCallRequest{}, ApprovalDecision{},
		CancelTurn{}, CancelCall{}, EndTurn{}, RecordUsage{}, Shutdown{},
	}
	for _, op := range ops {
		if _, ok := opDecoders[OpType(op)]; !ok {
			t.Errorf("no decoder for %q", OpType(op))
		}
	}
}
