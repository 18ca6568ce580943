package tools

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

var testDefaults = Defaults{Cwd: "/work", Executable: "/usr/local/bin/warden"}

func TestResolve_UnknownTool(t *testing.T) {
	if _, err := Resolve("browser", json.RawMessage(`{}`), testDefaults); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Resolve(browser) error = %v, want ErrUnknownTool", err)
	}
}

func TestResolve_Shell(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		argv    []string
		cwd     string
		timeout time.Duration
	}{
		{"argv", `{"command":["ls","-la"]}`, []string{"ls", "-la"}, "/work", 0},
		{"script", `{"command":"ls | wc -l"}`, []string{"bash", "-lc", "ls | wc -l"}, "/work", 0},
		{"relative workdir", `{"command":["pwd"],"workdir":"sub/dir"}`, []string{"pwd"}, "/work/sub/dir", 0},
		{"absolute workdir", `{"command":["pwd"],"workdir":"/tmp/x/"}`, []string{"pwd"}, "/tmp/x", 0},
		{"timeout", `{"command":["sleep","1"],"timeout_ms":1500}`, []string{"sleep", "1"}, "/work", 1500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := Resolve("shell", json.RawMessage(tt.args), testDefaults)
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if inv.Kind != KindShell {
				t.Errorf("Kind = %q, want shell", inv.Kind)
			}
			if !reflect.DeepEqual(inv.Argv, tt.argv) {
				t.Errorf("Argv = %q, want %q", inv.Argv, tt.argv)
			}
			if inv.Cwd != tt.cwd {
				t.Errorf("Cwd = %q, want %q", inv.Cwd, tt.cwd)
			}
			if inv.Timeout != tt.timeout {
				t.Errorf("Timeout = %v, want %v", inv.Timeout, tt.timeout)
			}
			if inv.Stdin != nil {
				t.Error("shell invocation should not carry stdin")
			}
		})
	}
}

func TestResolve_ShellInvalid(t *testing.T) {
	for name, args := range map[string]string{
		"missing":          ``,
		"not json":         `{`,
		"empty argv":       `{"command":[]}`,
		"blank script":     `{"command":"   "}`,
		"wrong type":       `{"command":42}`,
		"negative timeout": `{"command":["ls"],"timeout_ms":-1}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Resolve("shell", json.RawMessage(args), testDefaults); !errors.Is(err, ErrInvalidArguments) {
				t.Errorf("Resolve() error = %v, want ErrInvalidArguments", err)
			}
		})
	}
}

func TestResolve_ShellRelativeWorkdirWithoutBase(t *testing.T) {
	_, err := Resolve("shell", json.RawMessage(`{"command":["ls"],"workdir":"rel"}`), Defaults{})
	if !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("Resolve() error = %v, want ErrInvalidArguments", err)
	}
}

const samplePatch = `diff --git a/main.go b/main.go
--- a/main.go
+++ b/main.go
@@ -1 +1 @@
-package old
+package main
`

func TestResolve_ApplyPatch(t *testing.T) {
	raw, _ := json.Marshal(ApplyPatchArgs{Patch: samplePatch})
	inv, err := Resolve("apply_patch", raw, testDefaults)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	wantArgv := []string{"/usr/local/bin/warden", ApplyPatchCommand, "--dir", "/work"}
	if !reflect.DeepEqual(inv.Argv, wantArgv) {
		t.Errorf("Argv = %q, want %q", inv.Argv, wantArgv)
	}
	if !reflect.DeepEqual(inv.Display, []string{"apply_patch", "main.go"}) {
		t.Errorf("Display = %q", inv.Display)
	}
	if !reflect.DeepEqual(inv.Writes, []string{"/work/main.go"}) {
		t.Errorf("Writes = %q", inv.Writes)
	}
	if string(inv.Stdin) != samplePatch {
		t.Errorf("Stdin = %q", inv.Stdin)
	}
}

func TestResolve_ApplyPatchInvalid(t *testing.T) {
	for name, args := range map[string]string{
		"empty patch": `{"patch":""}`,
		"not a diff":  `{"patch":"hello"}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Resolve("apply_patch", json.RawMessage(args), testDefaults); !errors.Is(err, ErrInvalidArguments) {
				t.Errorf("Resolve() error = %v, want ErrInvalidArguments", err)
			}
		})
	}
	raw, _ := json.Marshal(ApplyPatchArgs{Patch: samplePatch})
	if _, err := Resolve("apply_patch", raw, Defaults{Cwd: "/work"}); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("missing executable: error = %v, want ErrInvalidArguments", err)
	}
}

func TestSpecs(t *testing.T) {
	specs := Specs()
	if len(specs) != 2 {
		t.Fatalf("Specs() returned %d tools, want 2", len(specs))
	}
	if specs[0].Name != KindApplyPatch || specs[1].Name != KindShell {
		t.Errorf("Specs() order = %q, %q", specs[0].Name, specs[1].Name)
	}
	for _, s := range specs {
		if s.Description == "" || s.InputSchema["type"] != "object" {
			t.Errorf("spec %q is incomplete", s.Name)
		}
	}
}
