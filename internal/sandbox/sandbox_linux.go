//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"unsafe"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/sys/unix"
)

// Landlock filesystem access rights (uapi/linux/landlock.h).
const (
	llAccessExecute    = 1 << 0
	llAccessWriteFile  = 1 << 1
	llAccessReadFile   = 1 << 2
	llAccessReadDir    = 1 << 3
	llAccessRemoveDir  = 1 << 4
	llAccessRemoveFile = 1 << 5
	llAccessMakeChar   = 1 << 6
	llAccessMakeDir    = 1 << 7
	llAccessMakeReg    = 1 << 8
	llAccessMakeSock   = 1 << 9
	llAccessMakeFifo   = 1 << 10
	llAccessMakeBlock  = 1 << 11
	llAccessMakeSym    = 1 << 12
	llAccessRefer      = 1 << 13 // ABI 2
	llAccessTruncate   = 1 << 14 // ABI 3

	llRulePathBeneath      = 1
	llCreateRulesetVersion = 1 << 0
)

const (
	llReadAccess  = llAccessExecute | llAccessReadFile | llAccessReadDir
	llWriteAccess = llAccessWriteFile | llAccessRemoveDir | llAccessRemoveFile |
		llAccessMakeChar | llAccessMakeDir | llAccessMakeReg | llAccessMakeSock |
		llAccessMakeFifo | llAccessMakeBlock | llAccessMakeSym
)

// rulesetAttr mirrors struct landlock_ruleset_attr up to handled_access_fs.
type rulesetAttr struct {
	handledAccessFS uint64
}

// pathBeneathAttr mirrors the packed struct landlock_path_beneath_attr; the
// kernel reads only its first 12 bytes.
type pathBeneathAttr struct {
	allowedAccess uint64
	parentFd      int32
}

// networkSyscalls are denied with EPERM when the network is disabled.
var networkSyscalls = []string{
	"socket",
	"socketpair",
	"connect",
	"accept",
	"accept4",
	"bind",
	"listen",
	"sendto",
	"sendmsg",
	"sendmmsg",
	"recvmmsg",
	"ptrace",
}

// landlockABI returns the kernel's Landlock ABI version, or 0 when unavailable.
func landlockABI() int {
	v, _, errno := unix.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET, 0, 0, llCreateRulesetVersion)
	if errno != 0 {
		return 0
	}
	return int(v)
}

func probe() bool {
	return landlockABI() >= 1 && seccomp.Supported()
}

func platformBackend(restrictFS, restrictNet bool) (Backend, bool) {
	if restrictFS && landlockABI() < 1 {
		return BackendNone, false
	}
	if restrictNet && !seccomp.Supported() {
		return BackendNone, false
	}
	return BackendLandlock, true
}

func (c *Context) platformLaunch(argv []string) (*Launch, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: status pipe: %w", ErrSandboxSetup, err)
	}
	spec := helperSpec{
		RestrictFS:    c.restrictFS(),
		WritableRoots: c.Roots,
		DenyNetwork:   c.restrictNet(),
		StatusFD:      helperStatusFD,
		Argv:          argv,
	}
	full := append([]string{c.helper, HelperCommand}, spec.encode()...)
	return &Launch{
		Argv:       full,
		ExtraFiles: []*os.File{w},
		status:     r,
		child:      w,
	}, nil
}

// RunHelper installs the restrictions described by args on the current
// process and execs the target command. It only returns on failure, after
// reporting the failure on the status descriptor when one was given.
func RunHelper(args []string) error {
	spec, err := parseHelperArgs(args)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSandboxSetup, err)
	}

	var status *os.File
	if spec.StatusFD > 0 {
		unix.CloseOnExec(spec.StatusFD)
		status = os.NewFile(uintptr(spec.StatusFD), "sandbox-status")
	}
	fail := func(err error) error {
		err = fmt.Errorf("%w: %w", ErrSandboxSetup, err)
		if status != nil {
			_, _ = status.WriteString(err.Error())
			_ = status.Close()
		}
		return err
	}

	// Landlock domains and no_new_privs are per thread; execve keeps only
	// the calling thread, so everything happens on one locked thread.
	runtime.LockOSThread()

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fail(fmt.Errorf("setting no_new_privs: %w", err))
	}
	if spec.RestrictFS {
		if err := restrictFilesystem(spec.WritableRoots); err != nil {
			return fail(err)
		}
	}
	if spec.DenyNetwork {
		if err := denyNetwork(); err != nil {
			return fail(err)
		}
	}

	path, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		return fail(fmt.Errorf("resolving %s: %w", spec.Argv[0], err))
	}
	// On success the status descriptor is closed by exec.
	if err := unix.Exec(path, spec.Argv, os.Environ()); err != nil {
		return fail(fmt.Errorf("exec %s: %w", path, err))
	}
	return nil
}

// restrictFilesystem allows read and execute everywhere and writes only
// beneath roots and to /dev/null.
func restrictFilesystem(roots []string) error {
	abi := landlockABI()
	if abi < 1 {
		return errors.New("landlock is not available")
	}

	handled := uint64(llReadAccess | llWriteAccess)
	fileWrite := uint64(llAccessWriteFile)
	if abi >= 2 {
		handled |= llAccessRefer
	}
	if abi >= 3 {
		handled |= llAccessTruncate
		fileWrite |= llAccessTruncate
	}

	attr := rulesetAttr{handledAccessFS: handled}
	fd, _, errno := unix.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET,
		uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr), 0)
	if errno != 0 {
		return fmt.Errorf("creating landlock ruleset: %w", errno)
	}
	ruleset := int(fd)
	defer unix.Close(ruleset)

	if err := addPathRule(ruleset, "/", llReadAccess); err != nil {
		return err
	}
	if err := addPathRule(ruleset, "/dev/null", llAccessReadFile|fileWrite); err != nil {
		return err
	}
	for _, root := range roots {
		if err := addPathRule(ruleset, root, handled); err != nil {
			return err
		}
	}

	if _, _, errno := unix.Syscall(unix.SYS_LANDLOCK_RESTRICT_SELF, uintptr(ruleset), 0, 0); errno != 0 {
		return fmt.Errorf("restricting self: %w", errno)
	}
	return nil
}

func addPathRule(ruleset int, path string, access uint64) error {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer unix.Close(fd)

	attr := pathBeneathAttr{allowedAccess: access, parentFd: int32(fd)}
	_, _, errno := unix.Syscall6(unix.SYS_LANDLOCK_ADD_RULE,
		uintptr(ruleset), llRulePathBeneath, uintptr(unsafe.Pointer(&attr)), 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("adding landlock rule for %s: %w", path, errno)
	}
	return nil
}

// denyNetwork loads a seccomp filter that fails socket creation and
// connection syscalls with EPERM, synchronized across all threads.
func denyNetwork() error {
	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy: seccomp.Policy{
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{
				{
					Action: seccomp.ActionErrno,
					Names:  networkSyscalls,
				},
			},
		},
	}
	if err := seccomp.LoadFilter(filter); err != nil {
		return fmt.Errorf("loading seccomp filter: %w", err)
	}
	return nil
}
