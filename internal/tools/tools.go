// Package tools defines the closed set of tools a model may call and turns
// raw tool-call arguments into an Invocation the session can classify,
// sandbox, and run. There is no runtime registration: every tool is an entry
// in the dispatch table below.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jkaninda/warden/internal/tools/patch"
)

var (
	// ErrUnknownTool is returned for a tool name outside the dispatch table.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when tool arguments fail validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Kind identifies a tool.
type Kind string

const (
	KindShell      Kind = "shell"
	KindApplyPatch Kind = "apply_patch"
)

// ApplyPatchCommand is the hidden warden subcommand that applies a patch read
// from stdin inside the sandbox.
const ApplyPatchCommand = "apply-patch"

// Invocation is a validated tool call.
type Invocation struct {
	Kind    Kind
	Argv    []string      // Command executed by the runner.
	Display []string      // Command shown in events, prompts, and audit.
	Cwd     string        // Absolute working directory.
	Stdin   []byte        // Nil for shell commands.
	Timeout time.Duration // Zero uses the runner default.

	// Writes lists the absolute paths an apply_patch call touches.
	Writes []string
}

// Defaults supplies session context needed to resolve arguments.
type Defaults struct {
	Cwd        string // Used when the call has no workdir; relative workdirs are joined to it.
	Executable string // The warden binary, re-executed for apply_patch.
}

// Spec describes a tool to external callers such as MCP clients.
type Spec struct {
	Name        Kind
	Description string
	InputSchema map[string]any
}

type handler struct {
	description string
	schema      map[string]any
	resolve     func(raw json.RawMessage, d Defaults) (*Invocation, error)
}

var dispatch = map[Kind]handler{
	KindShell: {
		description: "Run a command on the user's machine inside the sandbox. Output is stdout and stderr combined.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"description": "Argument vector, or a script string run with bash -lc",
					"anyOf": []any{
						map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						map[string]any{"type": "string"},
					},
				},
				"workdir":    map[string]any{"type": "string", "description": "Working directory; relative paths are resolved against the session directory"},
				"timeout_ms": map[string]any{"type": "integer", "description": "Timeout in milliseconds"},
			},
			"required": []string{"command"},
		},
		resolve: resolveShell,
	},
	KindApplyPatch: {
		description: "Apply a unified diff to files beneath the working directory.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"patch":   map[string]any{"type": "string", "description": "Unified diff, as produced by git diff"},
				"workdir": map[string]any{"type": "string", "description": "Directory the patch paths are relative to"},
			},
			"required": []string{"patch"},
		},
		resolve: resolveApplyPatch,
	},
}

// ParseKind validates a tool name.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if _, ok := dispatch[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return k, nil
}

// Resolve validates arguments for tool and returns the Invocation.
func Resolve(tool string, raw json.RawMessage, d Defaults) (*Invocation, error) {
	k, err := ParseKind(tool)
	if err != nil {
		return nil, err
	}
	inv, err := dispatch[k].resolve(raw, d)
	if err != nil {
		return nil, err
	}
	inv.Kind = k
	return inv, nil
}

// Specs lists every tool, sorted by name.
func Specs() []Spec {
	specs := make([]Spec, 0, len(dispatch))
	for k, h := range dispatch {
		specs = append(specs, Spec{Name: k, Description: h.description, InputSchema: h.schema})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Command accepts either an argument vector or a script string.
type Command []string

// UnmarshalJSON decodes ["prog", "arg"] as is and "script" as bash -lc script.
func (c *Command) UnmarshalJSON(data []byte) error {
	var argv []string
	if err := json.Unmarshal(data, &argv); err == nil {
		*c = argv
		return nil
	}
	var script string
	if err := json.Unmarshal(data, &script); err != nil {
		return errors.New("command must be an array of strings or a string")
	}
	if strings.TrimSpace(script) == "" {
		*c = nil
		return nil
	}
	*c = Command{"bash", "-lc", script}
	return nil
}

// ShellArgs are the arguments of the shell tool.
type ShellArgs struct {
	Command   Command `json:"command"`
	Workdir   string  `json:"workdir,omitempty"`
	TimeoutMs int64   `json:"timeout_ms,omitempty"`
}

// ApplyPatchArgs are the arguments of the apply_patch tool.
type ApplyPatchArgs struct {
	Patch   string `json:"patch"`
	Workdir string `json:"workdir,omitempty"`
}

func resolveShell(raw json.RawMessage, d Defaults) (*Invocation, error) {
	var args ShellArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if len(args.Command) == 0 || args.Command[0] == "" {
		return nil, fmt.Errorf("%w: command must not be empty", ErrInvalidArguments)
	}
	if args.TimeoutMs < 0 {
		return nil, fmt.Errorf("%w: timeout_ms must not be negative", ErrInvalidArguments)
	}
	cwd, err := workdir(args.Workdir, d.Cwd)
	if err != nil {
		return nil, err
	}
	argv := []string(args.Command)
	return &Invocation{
		Argv:    argv,
		Display: argv,
		Cwd:     cwd,
		Timeout: time.Duration(args.TimeoutMs) * time.Millisecond,
	}, nil
}

func resolveApplyPatch(raw json.RawMessage, d Defaults) (*Invocation, error) {
	var args ApplyPatchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Patch) == "" {
		return nil, fmt.Errorf("%w: patch must not be empty", ErrInvalidArguments)
	}
	if d.Executable == "" {
		return nil, fmt.Errorf("%w: apply_patch helper executable is not configured", ErrInvalidArguments)
	}
	cwd, err := workdir(args.Workdir, d.Cwd)
	if err != nil {
		return nil, err
	}
	files, err := patch.Parse(args.Patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	writes := patch.Targets(files, cwd)

	display := []string{string(KindApplyPatch)}
	for _, w := range writes {
		if rel, err := filepath.Rel(cwd, w); err == nil && !strings.HasPrefix(rel, "..") {
			display = append(display, rel)
		} else {
			display = append(display, w)
		}
	}
	return &Invocation{
		Argv:    []string{d.Executable, ApplyPatchCommand, "--dir", cwd},
		Display: display,
		Cwd:     cwd,
		Stdin:   []byte(args.Patch),
		Writes:  writes,
	}, nil
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing arguments", ErrInvalidArguments)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	return nil
}

func workdir(dir, base string) (string, error) {
	if dir == "" {
		dir = base
	} else if !filepath.IsAbs(dir) && base != "" {
		dir = filepath.Join(base, dir)
	}
	if dir == "" || !filepath.IsAbs(dir) {
		return "", fmt.Errorf("%w: workdir %q is not absolute", ErrInvalidArguments, dir)
	}
	return filepath.Clean(dir), nil
}
