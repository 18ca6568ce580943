package main

import (
	"os"
	"testing"
)

// runMainEnv makes the test binary behave as the warden binary, so tests can
// re-execute it the way the sandbox does.
const runMainEnv = "WARDEN_TEST_RUN_MAIN"

func TestMain(m *testing.M) {
	if os.Getenv(runMainEnv) == "1" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}
