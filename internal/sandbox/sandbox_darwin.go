//go:build darwin

package sandbox

import "os"

func probe() bool {
	_, err := os.Stat(seatbeltExecutable)
	return err == nil
}

func platformBackend(_, _ bool) (Backend, bool) {
	if !IsSandboxingSupported() {
		return BackendNone, false
	}
	return BackendSeatbelt, true
}

func (c *Context) platformLaunch(argv []string) (*Launch, error) {
	return &Launch{Argv: seatbeltArgs(c.restrictFS(), c.Roots, c.Network, argv)}, nil
}
