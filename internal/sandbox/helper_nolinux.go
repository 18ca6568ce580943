//go:build !linux

package sandbox

import "fmt"

// RunHelper is only meaningful on Linux, where restrictions are installed by
// the helper process itself.
func RunHelper(args []string) error {
	if _, err := parseHelperArgs(args); err != nil {
		return fmt.Errorf("%w: %w", ErrSandboxSetup, err)
	}
	return ErrSandboxUnsupported
}
