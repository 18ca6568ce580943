// Package gateway defines the interface for user-facing entry points and the
// bookkeeping they share.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/session"
)

// Gateway is a user-facing interface (stdio, WebSocket, HTTP, MCP).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// SessionFactory builds a fresh, unstarted session for one client.
type SessionFactory func() *session.Session

// SessionInfo describes an active session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Transport   string    `json:"transport"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Registry tracks the sessions a gateway is currently serving.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]SessionInfo
	logger   *slog.Logger
	onChange func(active int)
}

// NewRegistry creates an empty registry. onChange, if set, is called with the
// new count after every Register and Deregister.
func NewRegistry(logger *slog.Logger, onChange func(active int)) *Registry {
	return &Registry{
		sessions: make(map[string]SessionInfo),
		logger:   logger,
		onChange: onChange,
	}
}

// Register records a session as active.
func (r *Registry) Register(id, transport string) {
	r.mu.Lock()
	r.sessions[id] = SessionInfo{ID: id, Transport: transport, ConnectedAt: time.Now().UTC()}
	n := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session registered", slog.String("session_id", id), slog.String("transport", transport))
	if r.onChange != nil {
		r.onChange(n)
	}
}

// Deregister removes a session. Unknown ids are ignored.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Info("session deregistered", slog.String("session_id", id))
	if r.onChange != nil {
		r.onChange(n)
	}
}

// List returns the active sessions ordered by connection time.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ParseSubmission decodes one wire message. Malformed input still yields a
// Submission, with a nil Op, so the session answers it with an
// invalid_submission error under the client's id when one was readable.
func ParseSubmission(data []byte) (protocol.Submission, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Submission{ID: protocol.NewID()}, fmt.Errorf("decoding envelope: %w", err)
	}
	sub, err := protocol.DecodeSubmission(&env)
	if err != nil {
		if sub.ID == "" {
			sub.ID = protocol.NewID()
		}
		return protocol.Submission{ID: sub.ID}, err
	}
	return sub, nil
}

// MarshalEvent encodes ev as one wire message.
func MarshalEvent(ev protocol.Event) ([]byte, error) {
	env, err := protocol.EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
