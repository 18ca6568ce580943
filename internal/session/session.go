// Package session runs the orchestration loop that turns Submissions into
// Events. A Session owns all conversation state and is driven by a single
// goroutine; tool calls run on their own goroutines and report back to the
// loop, which is the only writer of the event stream.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/execpolicy"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/runner"
	"github.com/jkaninda/warden/internal/sandbox"
)

var (
	// ErrClosed is returned by Submit once the session has shut down.
	ErrClosed = errors.New("session closed")
	// ErrNotStarted is returned by Submit before Start.
	ErrNotStarted = errors.New("session not started")
)

// ApprovalPolicy decides what happens to calls that require approval.
type ApprovalPolicy string

const (
	// ApprovalPrompt parks the call and asks the client.
	ApprovalPrompt ApprovalPolicy = "prompt"
	// ApprovalReject denies the call without asking.
	ApprovalReject ApprovalPolicy = "reject"
)

// Executor runs one command. *runner.Runner satisfies it.
type Executor interface {
	Run(ctx context.Context, req runner.Request, onChunk func([]byte)) runner.Result
}

// Sandboxer prepares the restrictions for one spawn. *sandbox.Enforcer satisfies it.
type Sandboxer interface {
	Prepare(policy sandbox.Policy, network sandbox.NetworkPolicy, cwd string) (*sandbox.Context, error)
}

// Config is the session context applied to every turn unless a UserTurn
// overrides it.
type Config struct {
	Cwd            string
	SandboxPolicy  sandbox.Policy
	Network        sandbox.NetworkPolicy
	StrictSandbox  bool           // Refuse to run when confinement is unavailable.
	ApprovalPolicy ApprovalPolicy // Default: prompt.
	Executable     string         // warden binary used by apply_patch.
	EventBuffer    int            // Default: 256.
}

// Options wires a Session to its collaborators. Classifier, Sandbox, and
// Executor are required.
type Options struct {
	Config     Config
	Classifier *execpolicy.Classifier
	Sandbox    Sandboxer
	Executor   Executor
	Approvals  *approval.Manager // Default: a private manager.
	Recorder   audit.Recorder    // Default: discard.
	Logger     *slog.Logger
}

// HistoryEntry is one conversation item.
type HistoryEntry struct {
	Role     string    `json:"role"` // "user" or "tool"
	Text     string    `json:"text,omitempty"`
	CallID   string    `json:"call_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	At       time.Time `json:"at"`
}

// Usage is the cumulative token usage of a session.
type Usage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Session is one conversation with its own approvals and turn state.
type Session struct {
	id         string
	cfg        Config
	classifier *execpolicy.Classifier
	sandbox    Sandboxer
	executor   Executor
	approvals  *approval.Manager
	recorder   audit.Recorder
	logger     *slog.Logger
	supported  bool

	subs    chan protocol.Submission
	events  chan protocol.Event
	updates chan update
	started chan struct{}
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex // Guards history and usage for readers outside the loop.
	history []HistoryEntry
	usage   Usage

	// Loop-owned state.
	ctx          context.Context
	approved     *execpolicy.ApprovedCommands
	current      *turn
	turns        map[string]*turn
	calls        map[string]*call
	seen         map[string]struct{}
	parked       map[string]*call
	requests     map[string]bool // request id -> resolved
	running      int
	shuttingDown bool
	shutdownSub  string
}

// New creates a Session. Call Start to run its loop.
func New(opts Options) *Session {
	cfg := opts.Config
	if cfg.ApprovalPolicy == "" {
		cfg.ApprovalPolicy = ApprovalPrompt
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Network == "" {
		cfg.Network = sandbox.NetworkDisabled
	}
	if cfg.SandboxPolicy.Kind == "" {
		cfg.SandboxPolicy = sandbox.WritableCwd()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	approvals := opts.Approvals
	if approvals == nil {
		approvals = approval.NewManager(logger)
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = audit.Nop{}
	}
	id := uuid.NewString()
	return &Session{
		id:         id,
		cfg:        cfg,
		classifier: opts.Classifier,
		sandbox:    opts.Sandbox,
		executor:   opts.Executor,
		approvals:  approvals,
		recorder:   recorder,
		logger:     logger.With(slog.String("session_id", id)),
		supported:  sandbox.IsSandboxingSupported(),
		subs:       make(chan protocol.Submission),
		events:     make(chan protocol.Event, cfg.EventBuffer),
		updates:    make(chan update, 64),
		started:    make(chan struct{}),
		done:       make(chan struct{}),
		approved:   execpolicy.NewApprovedCommands(),
		turns:      make(map[string]*turn),
		calls:      make(map[string]*call),
		seen:       make(map[string]struct{}),
		parked:     make(map[string]*call),
		requests:   make(map[string]bool),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Start runs the loop until Shutdown is processed or ctx is cancelled. The
// first event is always SessionConfigured. Calling Start twice is a no-op.
func (s *Session) Start(ctx context.Context) {
	s.once.Do(func() {
		s.ctx = ctx
		close(s.started)
		go s.run(ctx)
	})
}

// Submit hands sub to the loop, blocking until it is accepted. Submissions
// are processed exactly once, in the order they are accepted.
func (s *Session) Submit(ctx context.Context, sub protocol.Submission) error {
	select {
	case <-s.started:
	default:
		return ErrNotStarted
	}
	if sub.ID == "" {
		sub.ID = protocol.NewID()
	}
	select {
	case s.subs <- sub:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the event stream. It is closed after ShutdownComplete.
func (s *Session) Events() <-chan protocol.Event { return s.events }

// Done is closed when the loop has returned and every child has been reaped.
func (s *Session) Done() <-chan struct{} { return s.done }

// History returns a copy of the conversation history.
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry(nil), s.history...)
}

// Usage returns the cumulative token usage.
func (s *Session) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *Session) appendHistory(e HistoryEntry) {
	e.At = time.Now().UTC()
	s.mu.Lock()
	s.history = append(s.history, e)
	s.mu.Unlock()
}
