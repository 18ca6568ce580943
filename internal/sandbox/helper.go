package sandbox

import (
	"fmt"
	"strconv"
)

// HelperCommand is the hidden warden subcommand that installs restrictions on
// itself and then execs the target command.
const HelperCommand = "__sandbox-exec"

// helperStatusFD is the descriptor of the status pipe in the helper process.
// os/exec places ExtraFiles[0] at fd 3.
const helperStatusFD = 3

// helperSpec is the decoded helper command line.
type helperSpec struct {
	RestrictFS    bool
	WritableRoots []string
	DenyNetwork   bool
	StatusFD      int
	Argv          []string
}

// encode renders s as helper arguments, without the subcommand name.
func (s helperSpec) encode() []string {
	args := []string{}
	if s.RestrictFS {
		args = append(args, "--fs")
	}
	for _, r := range s.WritableRoots {
		args = append(args, "--rw", r)
	}
	if s.DenyNetwork {
		args = append(args, "--deny-net")
	}
	if s.StatusFD > 0 {
		args = append(args, "--status-fd", strconv.Itoa(s.StatusFD))
	}
	args = append(args, "--")
	return append(args, s.Argv...)
}

// parseHelperArgs decodes arguments produced by helperSpec.encode.
func parseHelperArgs(args []string) (helperSpec, error) {
	var s helperSpec
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--fs":
			s.RestrictFS = true
		case "--rw":
			if i+1 >= len(args) {
				return s, fmt.Errorf("--rw requires a path")
			}
			i++
			s.WritableRoots = append(s.WritableRoots, args[i])
		case "--deny-net":
			s.DenyNetwork = true
		case "--status-fd":
			if i+1 >= len(args) {
				return s, fmt.Errorf("--status-fd requires a descriptor")
			}
			i++
			fd, err := strconv.Atoi(args[i])
			if err != nil || fd < 0 {
				return s, fmt.Errorf("invalid --status-fd %q", args[i])
			}
			s.StatusFD = fd
		case "--":
			s.Argv = args[i+1:]
			if len(s.Argv) == 0 {
				return s, fmt.Errorf("missing command after --")
			}
			return s, nil
		default:
			return s, fmt.Errorf("unknown helper argument %q", args[i])
		}
	}
	return s, fmt.Errorf("missing -- before command")
}
