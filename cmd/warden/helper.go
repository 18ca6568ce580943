package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/sandbox"
	"github.com/jkaninda/warden/internal/tools"
	"github.com/jkaninda/warden/internal/tools/patch"
)

// runHelper is the entry point of the process the Linux sandbox re-executes
// to confine itself before exec'ing the target command. It only returns on
// failure.
func runHelper(args []string, stderr io.Writer) int {
	if err := sandbox.RunHelper(args); err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 126
	}
	return 0
}

var applyPatchDir string

// applyPatchCmd applies a patch read from stdin. The apply_patch tool runs it
// inside the sandbox so writes are confined like any other command.
var applyPatchCmd = &cobra.Command{
	Use:    tools.ApplyPatchCommand,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir := applyPatchDir
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			dir = wd
		}
		changes, err := patch.Apply(dir, cmd.InOrStdin())
		if err != nil {
			return err
		}
		for _, c := range changes {
			fmt.Fprintln(cmd.OutOrStdout(), c.String())
		}
		return nil
	},
}

func init() {
	applyPatchCmd.Flags().StringVar(&applyPatchDir, "dir", "", "Directory the patch paths are relative to")
}
