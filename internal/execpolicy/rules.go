package execpolicy

import (
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// safeCheck reports whether a safe program's arguments keep it read-only.
type safeCheck func(args []string) bool

func anyArgs([]string) bool { return true }

// safePrograms maps read-only programs to their argument guard.
var safePrograms = map[string]safeCheck{
	"ls":       anyArgs,
	"cat":      anyArgs,
	"head":     anyArgs,
	"tail":     anyArgs,
	"wc":       anyArgs,
	"pwd":      anyArgs,
	"echo":     anyArgs,
	"true":     anyArgs,
	"false":    anyArgs,
	"grep":     anyArgs,
	"nl":       anyArgs,
	"which":    anyArgs,
	"whoami":   anyArgs,
	"id":       anyArgs,
	"uname":    anyArgs,
	"date":     isSafeDate,
	"stat":     anyArgs,
	"file":     isSafeFile,
	"du":       anyArgs,
	"df":       anyArgs,
	"basename": anyArgs,
	"dirname":  anyArgs,
	"realpath": anyArgs,
	"readlink": anyArgs,
	"cut":      anyArgs,
	"uniq":     onlyFlags(1),
	"tree":     noneOf("-o"),
	"diff":     anyArgs,
	"printenv": anyArgs,
	"hostname": onlyFlags(0),
	"cd":       anyArgs,
	"find":     isSafeFind,
	"rg":       isSafeRipgrep,
	"sort":     isSafeSort,
	"sed":      isSafeSed,
	"git":      isSafeGit,
}

// forbiddenPrograms are never executed, whatever their arguments.
var forbiddenPrograms = []string{
	"sudo", "su", "doas", "pkexec", "setcap", "nsenter", "chroot",
	"fdisk", "sfdisk", "parted", "wipefs",
	"insmod", "rmmod", "modprobe",
	"shutdown", "reboot", "halt", "poweroff",
}

// rawDevicePrefixes name block and memory devices.
var rawDevicePrefixes = []string{
	"/dev/sd",
	"/dev/nvme",
	"/dev/hd",
	"/dev/vd",
	"/dev/xvd",
	"/dev/mmcblk",
	"/dev/disk",
	"/dev/mem",
	"/dev/kmem",
	"/dev/port",
}

// rawDevice reports whether arg, or the value of a key=value arg, names a
// raw device.
func rawDevice(arg string) (string, bool) {
	v := arg
	if _, after, ok := strings.Cut(arg, "="); ok {
		v = after
	}
	for _, p := range rawDevicePrefixes {
		if strings.HasPrefix(v, p) {
			return v, true
		}
	}
	return "", false
}

// noneOf rejects any argument equal to, or of the form flag=..., one of flags.
func noneOf(flags ...string) safeCheck {
	return func(args []string) bool {
		for _, a := range args {
			name, _, _ := strings.Cut(a, "=")
			if slices.Contains(flags, name) {
				return false
			}
		}
		return true
	}
}

// onlyFlags allows flags plus at most limit positional arguments.
func onlyFlags(limit int) safeCheck {
	return func(args []string) bool {
		n := 0
		for _, a := range args {
			if !strings.HasPrefix(a, "-") {
				n++
			}
		}
		return n <= limit
	}
}

var unsafeFindOptions = []string{
	"-exec", "-execdir", "-ok", "-okdir", "-delete",
	"-fls", "-fprint", "-fprint0", "-fprintf",
}

func isSafeFind(args []string) bool {
	for _, a := range args {
		if slices.Contains(unsafeFindOptions, a) {
			return false
		}
	}
	return true
}

func isSafeRipgrep(args []string) bool {
	for _, a := range args {
		name, _, _ := strings.Cut(a, "=")
		switch name {
		case "--pre", "--hostname-bin", "--search-zip", "-z":
			return false
		}
		// Short flags may be bundled, as in -iz.
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.ContainsRune(a[1:], 'z') {
			return false
		}
	}
	return true
}

// longFlag reports whether arg names the long option full, in either the
// --opt=value or --opt form, including the unambiguous abbreviations GNU
// getopt accepts (at least minLen characters).
func longFlag(arg, full string, minLen int) bool {
	name, _, _ := strings.Cut(arg, "=")
	return len(name) >= minLen && strings.HasPrefix(full, name)
}

// shortFlag reports whether arg is a bundle of short options containing c.
// Option values inside the bundle count too, so a match may be spurious.
func shortFlag(arg string, c byte) bool {
	return len(arg) > 1 && arg[0] == '-' && arg[1] != '-' && strings.IndexByte(arg[1:], c) >= 0
}

// isSafeSort rejects writing an output file and running a compressor.
func isSafeSort(args []string) bool {
	for _, a := range args {
		if a == "--" {
			return true
		}
		if shortFlag(a, 'o') || longFlag(a, "--output", 3) || longFlag(a, "--compress-program", 4) {
			return false
		}
	}
	return true
}

// isSafeFile rejects compiling a magic database.
func isSafeFile(args []string) bool {
	for _, a := range args {
		if a == "--" {
			return true
		}
		if shortFlag(a, 'C') || longFlag(a, "--compile", 4) {
			return false
		}
	}
	return true
}

// isSafeDate allows printing only: no --set and no MMDDhhmm operand.
func isSafeDate(args []string) bool {
	for _, a := range args {
		if shortFlag(a, 's') || longFlag(a, "--set", 3) {
			return false
		}
		if !strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "+") {
			return false
		}
	}
	return true
}

var sedPrintRange = regexp.MustCompile(`^\d+(,\d+)?p$`)

// isSafeSed allows only "sed -n <range>p [file]".
func isSafeSed(args []string) bool {
	if len(args) < 2 || len(args) > 3 || args[0] != "-n" {
		return false
	}
	return sedPrintRange.MatchString(args[1])
}

var gitBranchWriteFlags = []string{
	"-d", "-D", "--delete",
	"-m", "-M", "--move",
	"-c", "-C", "--copy",
	"-f", "--force",
	"-u", "--set-upstream-to", "--unset-upstream",
	"--edit-description",
}

// isSafeGit allows read-only subcommands. Global options are rejected since
// -c and --exec-path can run arbitrary programs.
func isSafeGit(args []string) bool {
	if len(args) == 0 {
		return false
	}
	sub, rest := args[0], args[1:]
	for _, a := range rest {
		if strings.HasPrefix(a, "--output") || a == "--ext-diff" || a == "--textconv" || strings.HasPrefix(a, "--exec") {
			return false
		}
	}
	switch sub {
	case "status", "log", "diff", "show":
		return true
	case "branch":
		for _, a := range rest {
			name, _, _ := strings.Cut(a, "=")
			if slices.Contains(gitBranchWriteFlags, name) {
				return false
			}
			if !strings.HasPrefix(a, "-") {
				// "git branch <name>" creates a branch.
				return false
			}
		}
		return true
	default:
		return false
	}
}

// isRecursiveForceRoot detects rm -rf aimed at / or the home directory.
func isRecursiveForceRoot(args []string) bool {
	var recursive, force, root bool
	flags := true
	for _, a := range args {
		switch {
		case flags && a == "--":
			flags = false
		case flags && strings.HasPrefix(a, "--"):
			switch a {
			case "--recursive":
				recursive = true
			case "--force":
				force = true
			}
		case flags && strings.HasPrefix(a, "-") && len(a) > 1:
			recursive = recursive || strings.ContainsAny(a[1:], "rR")
			force = force || strings.ContainsRune(a[1:], 'f')
		default:
			root = root || isRootTarget(a)
		}
	}
	return recursive && force && root
}

func isRootTarget(path string) bool {
	switch path {
	case "/", "/*", "~", "~/", "~/*", "$HOME", "${HOME}", "$HOME/", "$HOME/*":
		return true
	}
	return strings.HasPrefix(path, "/") && filepath.Clean(path) == "/"
}
