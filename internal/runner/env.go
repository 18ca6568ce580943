package runner

import (
	"os"
	"sort"
)

// Environment inheritance modes.
const (
	EnvInheritAll  = "all"
	EnvInheritCore = "core"
)

// coreEnvKeys are the variables kept under EnvInheritCore. Everything else,
// including API keys and credentials, is dropped.
var coreEnvKeys = []string{
	"PATH",
	"HOME",
	"USER",
	"LANG",
	"LC_ALL",
	"TERM",
	"TMPDIR",
	"SHELL",
}

const fallbackPath = "/usr/local/bin:/usr/bin:/bin"

// buildEnv constructs the child environment. Later entries win, so request
// variables override inherited ones and sandbox variables override both.
func buildEnv(inherit string, extra map[string]string, sandboxEnv []string) []string {
	var env []string
	if inherit == EnvInheritCore {
		hasPath := false
		for _, k := range coreEnvKeys {
			if v, ok := os.LookupEnv(k); ok {
				env = append(env, k+"="+v)
				hasPath = hasPath || k == "PATH"
			}
		}
		if !hasPath {
			env = append(env, "PATH="+fallbackPath)
		}
	} else {
		env = os.Environ()
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return append(env, sandboxEnv...)
}
