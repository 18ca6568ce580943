// Package execpolicy classifies commands before they run.
//
// Evaluation is deny-first and the strictest matching outcome wins:
// Forbidden > RequireApproval > AutoApprove. A forbidden command is never
// auto-approved, not even by commands the user approved for the session.
package execpolicy

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// ErrPolicyForbidden is returned for commands the policy refuses to run.
var ErrPolicyForbidden = errors.New("command forbidden by execution policy")

// Outcome is the classifier verdict, ordered by strictness.
type Outcome int

const (
	AutoApprove     Outcome = iota // Known read-only or session-approved.
	RequireApproval                // Needs an explicit user decision.
	Forbidden                      // Never executed.
)

func (o Outcome) String() string {
	switch o {
	case AutoApprove:
		return "auto_approve"
	case RequireApproval:
		return "require_approval"
	case Forbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Decision is the result of classifying one command.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
	Rule    string  `json:"rule,omitempty"` // Table entry that produced the outcome.
}

// Err returns an ErrPolicyForbidden-wrapped error for forbidden decisions.
func (d Decision) Err() error {
	if d.Outcome != Forbidden {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPolicyForbidden, d.Reason)
}

// stricter returns the decision with the stricter outcome. On ties the
// first one is kept so the earliest match explains the verdict.
func stricter(a, b Decision) Decision {
	if b.Outcome > a.Outcome {
		return b
	}
	return a
}

// Rules extends the built-in tables.
type Rules struct {
	SafeCommands      []string
	ForbiddenCommands []string
}

// Classifier holds immutable rule tables. It is safe for concurrent use.
type Classifier struct {
	safe      map[string]safeCheck
	forbidden map[string]struct{}
}

// New builds a classifier from the built-in tables plus extra rules.
func New(extra Rules) *Classifier {
	c := &Classifier{
		safe:      make(map[string]safeCheck, len(safePrograms)+len(extra.SafeCommands)),
		forbidden: make(map[string]struct{}, len(forbiddenPrograms)+len(extra.ForbiddenCommands)),
	}
	for name, check := range safePrograms {
		c.safe[name] = check
	}
	for _, name := range extra.SafeCommands {
		c.safe[name] = anyArgs
	}
	for _, name := range forbiddenPrograms {
		c.forbidden[name] = struct{}{}
	}
	for _, name := range extra.ForbiddenCommands {
		c.forbidden[name] = struct{}{}
		delete(c.safe, name)
	}
	return c
}

// maxShellDepth bounds nested "sh -c 'sh -c ...'" unwrapping.
const maxShellDepth = 4

// Classify decides whether argv may run. It performs no I/O. cwd is accepted
// for rules that depend on the working directory; approved may be nil.
func (c *Classifier) Classify(argv []string, cwd string, approved *ApprovedCommands) Decision {
	if len(argv) == 0 {
		return Decision{Outcome: RequireApproval, Reason: "empty command"}
	}

	d := c.classifyArgv(argv, 0)
	if d.Outcome == Forbidden {
		return d
	}
	if approved.Contains(argv) {
		return Decision{Outcome: AutoApprove, Reason: "approved for this session", Rule: "session"}
	}
	return d
}

func (c *Classifier) classifyArgv(argv []string, depth int) Decision {
	script, ok := shellScript(argv)
	if !ok || depth >= maxShellDepth {
		return c.classifySimple(argv, depth)
	}

	if isForkBomb(script) {
		return Decision{Outcome: Forbidden, Reason: "fork bomb", Rule: "fork-bomb"}
	}

	commands, opaque := splitScript(script)
	var d Decision
	if opaque {
		d = Decision{Outcome: RequireApproval, Reason: "shell script cannot be analysed statically", Rule: "opaque-script"}
		if f, hit := c.scanTokens(script); hit {
			return f
		}
	}
	for i, words := range commands {
		sub := c.classifyArgv(words, depth+1)
		if i == 0 && !opaque {
			d = sub
			continue
		}
		d = stricter(d, sub)
	}
	if len(commands) == 0 && !opaque {
		return Decision{Outcome: RequireApproval, Reason: "empty shell script"}
	}
	return d
}

// classifySimple classifies one simple command: program plus arguments.
func (c *Classifier) classifySimple(words []string, depth int) Decision {
	assignments := 0
	for assignments < len(words) && isAssignment(words[assignments]) {
		assignments++
	}
	words = words[assignments:]
	if len(words) == 0 {
		return Decision{Outcome: RequireApproval, Reason: "variable assignment"}
	}

	if d, hit := c.forbiddenMatch(words); hit {
		return d
	}
	if _, ok := shellScript(words); ok && depth < maxShellDepth {
		return c.classifyArgv(words, depth)
	}

	prog := filepath.Base(words[0])
	if assignments > 0 {
		return Decision{Outcome: RequireApproval, Reason: "command runs with a modified environment"}
	}
	if check, ok := c.safe[prog]; ok && check(words[1:]) {
		return Decision{Outcome: AutoApprove, Reason: prog + " is read-only", Rule: "safe:" + prog}
	}
	return Decision{Outcome: RequireApproval, Reason: prog + " is not known to be safe"}
}

// forbiddenMatch checks words against the forbidden table.
func (c *Classifier) forbiddenMatch(words []string) (Decision, bool) {
	prog := filepath.Base(words[0])
	args := words[1:]

	if _, ok := c.forbidden[prog]; ok {
		return forbid(prog, prog+" is never allowed"), true
	}
	if strings.HasPrefix(prog, "mkfs") {
		return forbid("mkfs", "creating filesystems is never allowed"), true
	}
	if prog == "dd" {
		for _, a := range args {
			if strings.HasPrefix(a, "of=/dev/") && a != "of=/dev/null" {
				return forbid("dd-device", "dd writing to a device is never allowed"), true
			}
		}
	}
	if prog == "rm" && isRecursiveForceRoot(args) {
		return forbid("rm-root", "recursive forced removal of / or ~ is never allowed"), true
	}
	for _, a := range words {
		if dev, ok := rawDevice(a); ok {
			return forbid("raw-device", "access to raw device "+dev+" is never allowed"), true
		}
	}
	return Decision{}, false
}

// scanTokens is a best-effort search of an opaque script for forbidden
// programs and devices.
func (c *Classifier) scanTokens(script string) (Decision, bool) {
	for _, tok := range scriptTokens(script) {
		if d, hit := c.forbiddenMatch([]string{tok}); hit {
			return d, true
		}
	}
	return Decision{}, false
}

func forbid(rule, reason string) Decision {
	return Decision{Outcome: Forbidden, Reason: reason, Rule: rule}
}

// Display renders argv as a shell-quoted command line for prompts and logs.
func Display(argv []string) string {
	return shellescape.QuoteCommand(argv)
}
