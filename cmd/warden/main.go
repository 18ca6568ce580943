// Warden runs agent tool calls under an exec policy, an approval workflow,
// and an OS sandbox.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/sandbox"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden: sandboxed tool execution for AI agents.",
	Long: `Warden executes the shell and apply_patch tools on behalf of an agent.
Every command is classified by the exec policy, held for approval when it is
not known to be safe, and spawned inside the platform sandbox.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		// Hidden commands run inside the sandbox, in the workspace.
		if !cmd.Hidden {
			config.LoadDotenv()
		}
	},
}

// exitCodeError carries a process exit code out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file (default ~/.warden/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(execCmd, protoCmd, serveCmd, mcpCmd, classifyCmd, sandboxCmd, auditCmd, versionCmd,
		applyPatchCmd)
}

func main() {
	// The sandbox helper must exec its target with exactly the environment
	// the runner built, so it bypasses the command tree.
	if len(os.Args) > 1 && os.Args[1] == sandbox.HelperCommand {
		os.Exit(runHelper(os.Args[2:], os.Stderr))
	}
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			if ec.err != nil {
				fmt.Fprintf(os.Stderr, "warden: %v\n", ec.err)
			}
			os.Exit(ec.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
