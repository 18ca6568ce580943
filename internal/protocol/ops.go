package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/sandbox"
)

// Submission is one inbound request to a session.
type Submission struct {
	ID string
	Op Op
}

// Op is the closed set of submission operations.
type Op interface {
	opType() MessageType
}

// UserInput records user text in the conversation, opening a turn if none is open.
type UserInput struct {
	Text string `json:"text"`
}

// UserTurn opens a turn with per-turn overrides of the session context.
type UserTurn struct {
	Text          string                 `json:"text,omitempty"`
	Cwd           string                 `json:"cwd,omitempty"`
	SandboxPolicy *sandbox.Policy        `json:"sandbox_policy,omitempty"`
	Network       *sandbox.NetworkPolicy `json:"network,omitempty"`
}

// ToolCallRequest asks the session to run a tool.
type ToolCallRequest struct {
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// ApprovalDecision answers an ApprovalRequested event.
type ApprovalDecision struct {
	RequestID string            `json:"request_id"`
	Decision  approval.Decision `json:"decision"`
	Reason    string            `json:"reason,omitempty"`
}

// CancelTurn aborts the current turn.
type CancelTurn struct{}

// CancelCall aborts one call, leaving the rest of its turn running.
type CancelCall struct {
	CallID string `json:"call_id"`
}

// EndTurn tells the session that no more calls will be issued in the turn.
type EndTurn struct{}

// RecordUsage adds model token usage to the session totals.
type RecordUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Shutdown stops the session after every in-flight call has ended.
type Shutdown struct{}

func (UserInput) opType() MessageType        { return MsgUserInput }
func (UserTurn) opType() MessageType         { return MsgUserTurn }
func (ToolCallRequest) opType() MessageType  { return MsgToolCall }
func (ApprovalDecision) opType() MessageType { return MsgApprovalDecision }
func (CancelTurn) opType() MessageType       { return MsgCancelTurn }
func (CancelCall) opType() MessageType       { return MsgCancelCall }
func (EndTurn) opType() MessageType          { return MsgEndTurn }
func (RecordUsage) opType() MessageType      { return MsgRecordUsage }
func (Shutdown) opType() MessageType         { return MsgShutdown }

// OpType returns the wire type of op.
func OpType(op Op) MessageType { return op.opType() }

var opDecoders = map[MessageType]func(json.RawMessage) (Op, error){
	MsgUserInput:        decodeOp[UserInput],
	MsgUserTurn:         decodeOp[UserTurn],
	MsgToolCall:         decodeOp[ToolCallRequest],
	MsgApprovalDecision: decodeOp[ApprovalDecision],
	MsgCancelTurn:       decodeOp[CancelTurn],
	MsgCancelCall:       decodeOp[CancelCall],
	MsgEndTurn:          decodeOp[EndTurn],
	MsgRecordUsage:      decodeOp[RecordUsage],
	MsgShutdown:         decodeOp[Shutdown],
}

func decodeOp[T Op](raw json.RawMessage) (Op, error) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// EncodeSubmission wraps s in an Envelope whose ID is the submission ID.
func EncodeSubmission(s Submission) (*Envelope, error) {
	env, err := NewEnvelope(s.Op.opType(), s.Op)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", s.Op.opType(), err)
	}
	env.ID = s.ID
	return env, nil
}

// DecodeSubmission converts an inbound Envelope into a Submission. A missing
// envelope ID is replaced with a generated one.
func DecodeSubmission(env *Envelope) (Submission, error) {
	dec, ok := opDecoders[env.Type]
	if !ok {
		return Submission{ID: env.ID}, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	op, err := dec(env.Payload)
	if err != nil {
		return Submission{ID: env.ID}, fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	id := env.ID
	if id == "" {
		id = NewID()
	}
	return Submission{ID: id, Op: op}, nil
}
