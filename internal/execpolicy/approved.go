package execpolicy

import "strings"

// ApprovedCommands is the session memory of commands the user approved for
// the rest of the session. Entries are only ever added. It is owned by a
// single goroutine and is not safe for concurrent use.
type ApprovedCommands struct {
	set map[string]struct{}
}

// NewApprovedCommands returns an empty set.
func NewApprovedCommands() *ApprovedCommands {
	return &ApprovedCommands{set: make(map[string]struct{})}
}

func approvalKey(argv []string) string {
	return strings.Join(Normalize(argv), "\x00")
}

// Add records argv, in normalized form.
func (a *ApprovedCommands) Add(argv []string) {
	if len(argv) == 0 {
		return
	}
	a.set[approvalKey(argv)] = struct{}{}
}

// Contains reports whether argv exactly matches an approved command.
// A nil set contains nothing.
func (a *ApprovedCommands) Contains(argv []string) bool {
	if a == nil || len(argv) == 0 {
		return false
	}
	_, ok := a.set[approvalKey(argv)]
	return ok
}

// Len returns the number of approved commands.
func (a *ApprovedCommands) Len() int {
	if a == nil {
		return 0
	}
	return len(a.set)
}
