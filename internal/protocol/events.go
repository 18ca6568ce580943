package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/sandbox"
)

// ExitStatus is the terminal status of a tool call.
type ExitStatus string

const (
	StatusExited    ExitStatus = "exited"
	StatusTimeout   ExitStatus = "timeout"
	StatusCancelled ExitStatus = "cancelled"
	StatusDenied    ExitStatus = "denied"
	StatusForbidden ExitStatus = "forbidden"
	StatusFailed    ExitStatus = "failed"
)

// ErrorKind classifies failed calls and Error events.
type ErrorKind string

const (
	// ToolCallEnd kinds for StatusFailed.
	ErrKindSandboxSetup        ErrorKind = "sandbox_setup"
	ErrKindSandboxUnsupported  ErrorKind = "sandbox_unsupported"
	ErrKindSpawn               ErrorKind = "spawn"
	ErrKindStreamDisconnected  ErrorKind = "stream_disconnected"
	ErrKindInvalidArguments    ErrorKind = "invalid_arguments"
	ErrKindUnknownTool         ErrorKind = "unknown_tool"
	ErrKindApprovalUnavailable ErrorKind = "approval_unavailable"

	// Error event kinds.
	ErrKindInvalidSubmission ErrorKind = "invalid_submission"
	ErrKindDuplicateCallID   ErrorKind = "duplicate_call_id"
	ErrKindApprovalNotFound  ErrorKind = "approval_not_found"
	ErrKindApprovalResolved  ErrorKind = "approval_already_resolved"
	ErrKindInvalidDecision   ErrorKind = "invalid_decision"
)

// Event is one outbound message from a session.
type Event struct {
	SubmissionID string
	Msg          EventMsg
}

// EventMsg is the closed set of event payloads.
type EventMsg interface {
	eventType() MessageType
}

// SessionConfigured is the first event of every session.
type SessionConfigured struct {
	SessionID        string                `json:"session_id"`
	Cwd              string                `json:"cwd"`
	SandboxPolicy    sandbox.Policy        `json:"sandbox_policy"`
	Network          sandbox.NetworkPolicy `json:"network"`
	SandboxSupported bool                  `json:"sandbox_supported"`
	SandboxBackend   sandbox.Backend       `json:"sandbox_backend"`
	SandboxMode      string                `json:"sandbox_mode"`
	ApprovalPolicy   string                `json:"approval_policy"`
}

// TurnBegin marks the start of a turn.
type TurnBegin struct {
	TurnID string `json:"turn_id"`
}

// ToolCallBegin is the first event of every call.
type ToolCallBegin struct {
	CallID  string   `json:"call_id"`
	TurnID  string   `json:"turn_id"`
	Tool    string   `json:"tool"`
	Command []string `json:"command,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
}

// ToolCallOutputChunk carries live output of a running call.
type ToolCallOutputChunk struct {
	CallID string `json:"call_id"`
	Data   []byte `json:"data"`
}

// ApprovalRequested parks a call until an ApprovalDecision arrives.
type ApprovalRequested struct {
	RequestID string   `json:"request_id"`
	CallID    string   `json:"call_id"`
	TurnID    string   `json:"turn_id"`
	Command   []string `json:"command"`
	Cwd       string   `json:"cwd"`
	Reason    string   `json:"reason"`
}

// ApprovalResolved reports how an approval request was settled.
type ApprovalResolved struct {
	RequestID string            `json:"request_id"`
	CallID    string            `json:"call_id"`
	Decision  approval.Decision `json:"decision"`
	Reason    string            `json:"reason,omitempty"`
}

// ToolCallEnd is the single terminal event of every call.
type ToolCallEnd struct {
	CallID     string     `json:"call_id"`
	Status     ExitStatus `json:"status"`
	ExitCode   int        `json:"exit_code"`
	Output     []byte     `json:"output,omitempty"` // raw bytes, base64 on the wire like chunk data
	Truncated  bool       `json:"truncated,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	ErrorKind  ErrorKind  `json:"error_kind,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// TurnComplete is emitted once a sealed turn has no non-terminal call.
type TurnComplete struct {
	TurnID string `json:"turn_id"`
}

// TokenCount reports token usage after RecordUsage.
type TokenCount struct {
	Input       int64 `json:"input"`
	Output      int64 `json:"output"`
	TotalInput  int64 `json:"total_input"`
	TotalOutput int64 `json:"total_output"`
}

// Warning surfaces a non-fatal condition, such as unconfined execution.
type Warning struct {
	Message string `json:"message"`
}

// Error reports a submission the session could not process.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ShutdownComplete is always the last event of a session.
type ShutdownComplete struct{}

func (SessionConfigured) eventType() MessageType   { return MsgSessionConfigured }
func (TurnBegin) eventType() MessageType           { return MsgTurnBegin }
func (ToolCallBegin) eventType() MessageType       { return MsgToolCallBegin }
func (ToolCallOutputChunk) eventType() MessageType { return MsgToolCallOutput }
func (ApprovalRequested) eventType() MessageType   { return MsgApprovalRequested }
func (ApprovalResolved) eventType() MessageType    { return MsgApprovalResolved }
func (ToolCallEnd) eventType() MessageType         { return MsgToolCallEnd }
func (TurnComplete) eventType() MessageType        { return MsgTurnComplete }
func (TokenCount) eventType() MessageType          { return MsgTokenCount }
func (Warning) eventType() MessageType             { return MsgWarning }
func (Error) eventType() MessageType               { return MsgError }
func (ShutdownComplete) eventType() MessageType    { return MsgShutdownComplete }

// EventType returns the wire type of msg.
func EventType(msg EventMsg) MessageType { return msg.eventType() }

var eventDecoders = map[MessageType]func(json.RawMessage) (EventMsg, error){
	MsgSessionConfigured: decodeEvent[SessionConfigured],
	MsgTurnBegin:         decodeEvent[TurnBegin],
	MsgToolCallBegin:     decodeEvent[ToolCallBegin],
	MsgToolCallOutput:    decodeEvent[ToolCallOutputChunk],
	MsgApprovalRequested: decodeEvent[ApprovalRequested],
	MsgApprovalResolved:  decodeEvent[ApprovalResolved],
	MsgToolCallEnd:       decodeEvent[ToolCallEnd],
	MsgTurnComplete:      decodeEvent[TurnComplete],
	MsgTokenCount:        decodeEvent[TokenCount],
	MsgWarning:           decodeEvent[Warning],
	MsgError:             decodeEvent[Error],
	MsgShutdownComplete:  decodeEvent[ShutdownComplete],
}

func decodeEvent[T EventMsg](raw json.RawMessage) (EventMsg, error) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// EncodeEvent wraps e in a fresh Envelope.
func EncodeEvent(e Event) (*Envelope, error) {
	env, err := NewEnvelope(e.Msg.eventType(), e.Msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", e.Msg.eventType(), err)
	}
	env.SubmissionID = e.SubmissionID
	return env, nil
}

// DecodeEvent converts an outbound Envelope back into an Event.
func DecodeEvent(env *Envelope) (Event, error) {
	dec, ok := eventDecoders[env.Type]
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	msg, err := dec(env.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	return Event{SubmissionID: env.SubmissionID, Msg: msg}, nil
}
