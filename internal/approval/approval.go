// Package approval parks tool calls that need a user decision and resolves
// each of them exactly once.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrAlreadyResolved = errors.New("approval already resolved")
	ErrInvalidDecision = errors.New("invalid approval decision")
)

// CancelledReason is recorded on requests denied by turn cancellation.
const CancelledReason = "cancelled"

// Status represents the state of an approval request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Decision is the user's answer to an approval request.
type Decision string

const (
	Approve           Decision = "approve"
	ApproveForSession Decision = "approve_for_session"
	Deny              Decision = "deny"
)

// ParseDecision validates a decision received over the wire.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case Approve, ApproveForSession, Deny:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
}

// Approved reports whether the decision lets the call run.
func (d Decision) Approved() bool {
	return d == Approve || d == ApproveForSession
}

// Request is a parked tool call awaiting a decision.
type Request struct {
	ID            string
	TurnID        string
	CallID        string
	Command       []string
	Cwd           string
	Reason        string // Why the classifier asked.
	Status        Status
	Decision      Decision // Set once resolved.
	ResolveReason string   // Optional explanation given with the decision.
	CreatedAt     time.Time
	ResolvedAt    time.Time
}

func (r *Request) clone() *Request {
	c := *r
	c.Command = slices.Clone(r.Command)
	return &c
}

// CreateRequest contains the fields needed to park a call.
type CreateRequest struct {
	TurnID  string
	CallID  string
	Command []string
	Cwd     string
	Reason  string
}

// Manager stores approval requests in memory. Thread-safe.
// Requests are independent; any number may be pending at once.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*Request
	logger   *slog.Logger
}

// NewManager creates an empty approval manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		requests: make(map[string]*Request),
		logger:   logger,
	}
}

// Request parks a call and returns the request ID.
func (m *Manager) Request(req CreateRequest) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("generating approval ID: %w", err)
	}

	r := &Request{
		ID:        id,
		TurnID:    req.TurnID,
		CallID:    req.CallID,
		Command:   slices.Clone(req.Command),
		Cwd:       req.Cwd,
		Reason:    req.Reason,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.requests[id] = r
	m.mu.Unlock()

	m.logger.Info("approval requested",
		slog.String("approval_id", id),
		slog.String("turn_id", req.TurnID),
		slog.String("call_id", req.CallID),
		slog.String("reason", req.Reason),
	)
	return id, nil
}

// Resolve records decision for a pending request and returns its final state.
// Unknown IDs yield ErrNotFound and non-pending ones ErrAlreadyResolved; in
// both cases nothing changes.
func (m *Manager) Resolve(id string, decision Decision, reason string) (*Request, error) {
	if _, err := ParseDecision(string(decision)); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}
	m.resolveLocked(r, decision, reason)
	return r.clone(), nil
}

func (m *Manager) resolveLocked(r *Request, decision Decision, reason string) {
	r.Decision = decision
	r.ResolveReason = reason
	r.ResolvedAt = time.Now().UTC()
	if decision.Approved() {
		r.Status = StatusApproved
	} else {
		r.Status = StatusDenied
	}

	m.logger.Info("approval resolved",
		slog.String("approval_id", r.ID),
		slog.String("call_id", r.CallID),
		slog.String("decision", string(decision)),
		slog.String("reason", reason),
	)
}

// CancelTurn denies every pending request of turnID with CancelledReason and
// returns the requests it resolved, oldest first.
func (m *Manager) CancelTurn(turnID string) []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Request
	for _, r := range m.requests {
		if r.TurnID != turnID || r.Status != StatusPending {
			continue
		}
		m.resolveLocked(r, Deny, CancelledReason)
		out = append(out, r.clone())
	}
	sortByCreation(out)
	return out
}

// Get returns a snapshot of the request with the given ID.
func (m *Manager) Get(id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

// Pending lists outstanding requests, oldest first.
func (m *Manager) Pending() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Request
	for _, r := range m.requests {
		if r.Status == StatusPending {
			out = append(out, r.clone())
		}
	}
	sortByCreation(out)
	return out
}

// Cleanup forgets requests resolved more than retention ago. Pending
// requests are never removed.
func (m *Manager) Cleanup(retention time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	removed := 0
	for id, r := range m.requests {
		if r.Status != StatusPending && r.ResolvedAt.Before(cutoff) {
			delete(m.requests, id)
			removed++
		}
	}
	return removed
}

// StartCleanup starts a background goroutine that calls Cleanup periodically.
// Returns a cancel function to stop the goroutine.
func (m *Manager) StartCleanup(ctx context.Context, interval, retention time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Cleanup(retention); n > 0 {
					m.logger.Debug("approval records pruned", slog.Int("count", n))
				}
			}
		}
	}()
	return cancel
}

func sortByCreation(rs []*Request) {
	slices.SortFunc(rs, func(a, b *Request) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
