// Package audit records every terminal tool call and every approval
// resolution. Recorders are append-only: a JSONL file for local inspection
// and a database store for querying and retention.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind is the kind of audited action.
type Kind string

const (
	KindToolCall Kind = "tool_call"
	KindApproval Kind = "approval"
)

// Event is one audit record.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       Kind      `json:"kind"`
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	Command    string    `json:"command,omitempty"`
	Cwd        string    `json:"cwd,omitempty"`
	Outcome    string    `json:"outcome,omitempty"` // Classifier outcome.
	Rule       string    `json:"rule,omitempty"`
	Status     string    `json:"status"` // Call status, or approval decision.
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Sandbox    string    `json:"sandbox,omitempty"`
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, e Event) error
	Close() error
}

// Query filters stored events.
type Query struct {
	SessionID string
	Kind      Kind
	Limit     int // Default 100.
}

// Store is an append-only audit store with time-based retention.
type Store interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, q Query) ([]Event, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Normalize fills the ID and timestamp of e when unset.
func Normalize(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Multi fans each event out to every recorder.
type Multi []Recorder

// Record writes e to every recorder and joins their errors.
func (m Multi) Record(ctx context.Context, e Event) error {
	e = Normalize(e)
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every recorder.
func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
func (Nop) Close() error                        { return nil }
