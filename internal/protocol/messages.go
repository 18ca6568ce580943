// Package protocol defines the Submission and Event types exchanged with a
// session, and their JSON wire form. Every message on the wire is wrapped in
// an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownMessage is returned when decoding an envelope of an unknown type.
var ErrUnknownMessage = errors.New("unknown message type")

// MessageType identifies the kind of message carried by an Envelope.
type MessageType string

const (
	// Client → session
	MsgUserInput        MessageType = "op.user_input"
	MsgUserTurn         MessageType = "op.user_turn"
	MsgToolCall         MessageType = "op.tool_call"
	MsgApprovalDecision MessageType = "op.approval_decision"
	MsgCancelTurn       MessageType = "op.cancel_turn"
	MsgCancelCall       MessageType = "op.cancel_call"
	MsgEndTurn          MessageType = "op.end_turn"
	MsgRecordUsage      MessageType = "op.record_usage"
	MsgShutdown         MessageType = "op.shutdown"

	// Session → client
	MsgSessionConfigured MessageType = "session.configured"
	MsgTurnBegin         MessageType = "turn.begin"
	MsgToolCallBegin     MessageType = "tool_call.begin"
	MsgToolCallOutput    MessageType = "tool_call.output"
	MsgApprovalRequested MessageType = "approval.requested"
	MsgApprovalResolved  MessageType = "approval.resolved"
	MsgToolCallEnd       MessageType = "tool_call.end"
	MsgTurnComplete      MessageType = "turn.complete"
	MsgTokenCount        MessageType = "token.count"
	MsgWarning           MessageType = "warning"
	MsgError             MessageType = "error"
	MsgShutdownComplete  MessageType = "shutdown.complete"
)

// Envelope is the top-level message wrapper. Submissions carry their own ID;
// events get a fresh ID and reference the submission that caused them.
type Envelope struct {
	Type         MessageType     `json:"type"`
	ID           string          `json:"id"`
	SubmissionID string          `json:"submission_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        NewID(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target. An empty payload
// leaves target untouched.
func (e *Envelope) Decode(target any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, target)
}

// NewID returns a fresh message, submission, or call ID.
func NewID() string {
	return uuid.New().String()
}
