//go:build !linux && !darwin

package sandbox

func probe() bool { return false }

func platformBackend(_, _ bool) (Backend, bool) { return BackendNone, false }

func (c *Context) platformLaunch(_ []string) (*Launch, error) {
	return nil, ErrSandboxUnsupported
}
