// Package sandbox translates a declarative filesystem and network policy into
// platform restrictions applied to a child process before it runs.
//
// Backends:
//   - linux: Landlock (filesystem) + seccomp (network), installed by re-executing
//     the warden binary as a small helper that restricts itself and then execs
//   - darwin: Seatbelt via /usr/bin/sandbox-exec
//   - everything else: Unsupported, leaving the degradation choice to the caller
package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrSandboxSetup is returned when restrictions could not be prepared or installed.
	ErrSandboxSetup = errors.New("sandbox setup failed")
	// ErrSandboxUnsupported is returned when confinement is required but the platform cannot provide it.
	ErrSandboxUnsupported = errors.New("sandboxing is not supported on this platform")
	// ErrContextConsumed is returned when a Context is launched twice.
	ErrContextConsumed = errors.New("sandbox context already consumed")
)

// EnvNetworkDisabled forces network denial when set to a true value in the
// warden environment, and is exported to children whose network is disabled.
const EnvNetworkDisabled = "WARDEN_SANDBOX_NETWORK_DISABLED"

// EnvBackend is exported to sandboxed children with the backend name.
const EnvBackend = "WARDEN_SANDBOX"

// PolicyKind enumerates the filesystem write scopes.
type PolicyKind string

const (
	PolicyUnrestricted  PolicyKind = "unrestricted"
	PolicyReadOnly      PolicyKind = "read-only"
	PolicyWritableCwd   PolicyKind = "writable-cwd"
	PolicyWritableRoots PolicyKind = "writable-roots"
)

// Policy is the declarative filesystem write scope for a command.
// Reads are always allowed; writes are confined to the writable set.
type Policy struct {
	Kind          PolicyKind `json:"kind"`
	WritableRoots []string   `json:"writable_roots,omitempty"` // Only with PolicyWritableRoots.
}

// Unrestricted allows writes anywhere.
func Unrestricted() Policy { return Policy{Kind: PolicyUnrestricted} }

// ReadOnly forbids all filesystem writes except /dev/null.
func ReadOnly() Policy { return Policy{Kind: PolicyReadOnly} }

// WritableCwd allows writes beneath the working directory of the command.
func WritableCwd() Policy { return Policy{Kind: PolicyWritableCwd} }

// WritableRoots allows writes beneath each of roots.
func WritableRoots(roots ...string) Policy {
	return Policy{Kind: PolicyWritableRoots, WritableRoots: roots}
}

// ParsePolicy converts a configuration name into a Policy.
func ParsePolicy(name string, roots []string) (Policy, error) {
	switch PolicyKind(name) {
	case PolicyUnrestricted, "danger-full-access":
		return Unrestricted(), nil
	case PolicyReadOnly:
		return ReadOnly(), nil
	case PolicyWritableCwd, "workspace-write", "":
		return WritableCwd(), nil
	case PolicyWritableRoots:
		return WritableRoots(roots...), nil
	default:
		return Policy{}, fmt.Errorf("unknown sandbox policy %q", name)
	}
}

func (p Policy) String() string {
	if p.Kind == PolicyWritableRoots {
		return fmt.Sprintf("%s(%s)", p.Kind, strings.Join(p.WritableRoots, ","))
	}
	return string(p.Kind)
}

// NetworkPolicy allows or denies network syscalls.
type NetworkPolicy string

const (
	NetworkFull     NetworkPolicy = "full"
	NetworkDisabled NetworkPolicy = "disabled"
)

// ParseNetwork converts a configuration name into a NetworkPolicy.
func ParseNetwork(name string) (NetworkPolicy, error) {
	switch NetworkPolicy(name) {
	case NetworkFull, "enabled":
		return NetworkFull, nil
	case NetworkDisabled, "":
		return NetworkDisabled, nil
	default:
		return "", fmt.Errorf("unknown network policy %q", name)
	}
}

// Backend identifies the mechanism that enforces a Context.
type Backend string

const (
	BackendNone     Backend = "none"
	BackendLandlock Backend = "landlock"
	BackendSeatbelt Backend = "seatbelt"
)

var supportedOnce = sync.OnceValue(probe)

// IsSandboxingSupported reports whether this platform can enforce both the
// filesystem and network restrictions. The probe runs once per process.
func IsSandboxingSupported() bool {
	return supportedOnce()
}

// PlatformBackend returns the backend that enforces full confinement on this
// platform, or BackendNone when it is unsupported.
func PlatformBackend() Backend {
	b, ok := platformBackend(true, true)
	if !ok {
		return BackendNone
	}
	return b
}

// NetworkForcedOff reports whether the environment override is set.
func NetworkForcedOff() bool {
	v, ok := os.LookupEnv(EnvNetworkDisabled)
	if !ok {
		return false
	}
	on, err := strconv.ParseBool(v)
	return err == nil && on
}

// Context is a prepared restriction for exactly one spawn.
type Context struct {
	Policy      Policy
	Network     NetworkPolicy
	Cwd         string
	Roots       []string // Resolved writable roots; nil when the filesystem is unrestricted.
	Backend     Backend
	Unsupported bool // Confinement was required but the platform cannot provide it.
	Unconfined  bool // Caller chose to run without the required confinement.

	helper string
	mu     sync.Mutex
	used   bool
}

// restrictFS reports whether filesystem writes must be confined.
func (c *Context) restrictFS() bool { return c.Policy.Kind != PolicyUnrestricted }

// restrictNet reports whether network syscalls must be denied.
func (c *Context) restrictNet() bool { return c.Network == NetworkDisabled }

// Confined reports whether launching this context applies any restriction.
func (c *Context) Confined() bool {
	return c.Backend != BackendNone && !c.Unconfined
}

// WithoutConfinement returns a copy of an Unsupported context that launches the
// command as is. Callers use it after surfacing the degradation to the user.
func (c *Context) WithoutConfinement() *Context {
	return &Context{
		Policy:     c.Policy,
		Network:    c.Network,
		Cwd:        c.Cwd,
		Roots:      c.Roots,
		Backend:    BackendNone,
		Unconfined: true,
	}
}

// Env returns the variables exported to the child.
func (c *Context) Env() []string {
	var env []string
	if c.Confined() {
		env = append(env, EnvBackend+"="+string(c.Backend))
	}
	if c.restrictNet() {
		env = append(env, EnvNetworkDisabled+"=1")
	}
	return env
}

// Launch describes how to start a command under a Context.
type Launch struct {
	Argv       []string
	Env        []string
	ExtraFiles []*os.File

	status *os.File // read end of the helper status pipe
	child  *os.File // write end, inherited by the helper as fd 3
}

// Launch turns argv into the command line that applies the restrictions.
// A Context can only be launched once.
func (c *Context) Launch(argv []string) (*Launch, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSandboxSetup)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used {
		return nil, ErrContextConsumed
	}
	c.used = true

	if c.Unsupported {
		return nil, ErrSandboxUnsupported
	}
	if !c.Confined() {
		return &Launch{Argv: argv, Env: c.Env()}, nil
	}
	l, err := c.platformLaunch(argv)
	if err != nil {
		return nil, err
	}
	l.Env = append(l.Env, c.Env()...)
	return l, nil
}

// Started releases the parent's copy of the child-side files. Call it once
// the process has been started (or failed to start).
func (l *Launch) Started() {
	if l.child != nil {
		_ = l.child.Close()
		l.child = nil
	}
}

// Wait blocks until the helper has either exec'd the command or reported a
// setup failure. It returns an ErrSandboxSetup-wrapped error in the latter case.
func (l *Launch) Wait() error {
	if l.status == nil {
		return nil
	}
	defer func() {
		_ = l.status.Close()
		l.status = nil
	}()
	buf := make([]byte, 4096)
	var msg []byte
	for {
		n, err := l.status.Read(buf)
		msg = append(msg, buf[:n]...)
		if err != nil {
			break
		}
	}
	if len(msg) > 0 {
		return fmt.Errorf("%w: %s", ErrSandboxSetup, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Close releases any pipe still held by the Launch.
func (l *Launch) Close() {
	l.Started()
	if l.status != nil {
		_ = l.status.Close()
		l.status = nil
	}
}

// Options configures an Enforcer.
type Options struct {
	// HelperPath is the warden binary re-executed as the Linux sandbox helper.
	// Default: os.Executable().
	HelperPath string
	Logger     *slog.Logger
}

// Enforcer prepares sandbox contexts.
type Enforcer struct {
	helper string
	logger *slog.Logger
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(opts Options) *Enforcer {
	helper := opts.HelperPath
	if helper == "" {
		if exe, err := os.Executable(); err == nil {
			helper = exe
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{helper: helper, logger: logger}
}

// Prepare validates policy against cwd and returns a Context for one spawn.
// Malformed writable roots fail with ErrSandboxSetup. When confinement is
// required but unavailable, the returned Context is tagged Unsupported.
func (e *Enforcer) Prepare(policy Policy, network NetworkPolicy, cwd string) (*Context, error) {
	if NetworkForcedOff() {
		network = NetworkDisabled
	}
	if network == "" {
		network = NetworkDisabled
	}

	roots, err := resolveRoots(policy, cwd)
	if err != nil {
		return nil, err
	}

	c := &Context{
		Policy:  policy,
		Network: network,
		Cwd:     cwd,
		Roots:   roots,
		Backend: BackendNone,
		helper:  e.helper,
	}

	if !c.restrictFS() && !c.restrictNet() {
		return c, nil
	}

	backend, ok := platformBackend(c.restrictFS(), c.restrictNet())
	if !ok {
		c.Unsupported = true
		e.logger.Warn("sandbox unsupported on this platform",
			slog.String("policy", policy.String()),
			slog.String("network", string(network)),
		)
		return c, nil
	}
	if backend == BackendLandlock && e.helper == "" {
		return nil, fmt.Errorf("%w: cannot locate sandbox helper executable", ErrSandboxSetup)
	}
	c.Backend = backend

	e.logger.Debug("sandbox prepared",
		slog.String("backend", string(backend)),
		slog.String("policy", policy.String()),
		slog.String("network", string(network)),
		slog.Int("writable_roots", len(roots)),
	)
	return c, nil
}

// resolveRoots returns the validated writable roots for policy.
func resolveRoots(policy Policy, cwd string) ([]string, error) {
	switch policy.Kind {
	case PolicyUnrestricted:
		return nil, nil
	case PolicyReadOnly:
		return []string{}, nil
	case PolicyWritableCwd:
		root, err := validateRoot(cwd)
		if err != nil {
			return nil, fmt.Errorf("%w: working directory: %w", ErrSandboxSetup, err)
		}
		return []string{root}, nil
	case PolicyWritableRoots:
		if len(policy.WritableRoots) == 0 {
			return nil, fmt.Errorf("%w: writable-roots policy without roots", ErrSandboxSetup)
		}
		roots := make([]string, 0, len(policy.WritableRoots))
		for _, r := range policy.WritableRoots {
			root, err := validateRoot(r)
			if err != nil {
				return nil, fmt.Errorf("%w: writable root: %w", ErrSandboxSetup, err)
			}
			roots = append(roots, root)
		}
		return roots, nil
	default:
		return nil, fmt.Errorf("%w: unknown policy %q", ErrSandboxSetup, policy.Kind)
	}
}

func validateRoot(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path %q contains NUL", path)
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path %q is not absolute", path)
	}
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path %q is not a directory", clean)
	}
	return clean, nil
}
