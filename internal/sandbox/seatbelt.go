package sandbox

import (
	"fmt"
	"strings"
)

// seatbeltExecutable is the macOS sandbox launcher. It is only trusted from
// /usr/bin so a PATH entry cannot substitute it.
const seatbeltExecutable = "/usr/bin/sandbox-exec"

const seatbeltBase = `(version 1)
(deny default)
(allow process-exec)
(allow process-fork)
(allow signal (target same-sandbox))
(allow sysctl-read)
(allow file-read*)
(allow file-write-data
  (require-all (path "/dev/null") (vnode-type CHARACTER-DEVICE)))
(allow ipc-posix-sem)
(allow ipc-posix-shm-read* ipc-posix-shm-write-data)
(allow mach-lookup
  (global-name "com.apple.system.opendirectoryd.libinfo")
  (global-name "com.apple.system.logger"))
`

const seatbeltNetwork = `(allow network-outbound)
(allow network-inbound)
(allow system-socket)
`

// seatbeltArgs returns the sandbox-exec command line confining argv.
// Writable roots are passed as -D parameters rather than interpolated into
// the profile text.
func seatbeltArgs(restrictFS bool, roots []string, network NetworkPolicy, argv []string) []string {
	var profile strings.Builder
	profile.WriteString(seatbeltBase)

	var params []string
	if !restrictFS {
		profile.WriteString("(allow file-write*)\n")
	} else if len(roots) > 0 {
		profile.WriteString("(allow file-write*\n")
		for i, root := range roots {
			name := fmt.Sprintf("WRITABLE_ROOT_%d", i)
			fmt.Fprintf(&profile, "  (subpath (param %q))\n", name)
			params = append(params, "-D", name+"="+root)
		}
		profile.WriteString(")\n")
	}
	if network != NetworkDisabled {
		profile.WriteString(seatbeltNetwork)
	}

	args := []string{seatbeltExecutable, "-p", profile.String()}
	args = append(args, params...)
	args = append(args, "--")
	return append(args, argv...)
}
