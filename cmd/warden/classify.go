package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/execpolicy"
)

var (
	classifyCwd    string
	classifyScript bool
	classifyJSON   bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify [flags] -- command [args...]",
	Short: "Show how the exec policy classifies a command",
	Long: `Print the exec policy verdict for a command without running it. With
--script the single argument is split like a shell command line.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

func init() {
	f := classifyCmd.Flags()
	f.StringVar(&classifyCwd, "cwd", "", "Working directory the command would run in")
	f.BoolVar(&classifyScript, "script", false, "Split a single argument into words")
	f.BoolVar(&classifyJSON, "json", false, "Print the decision as JSON")
}

// classifyResult is the JSON form of a classification.
type classifyResult struct {
	Command string `json:"command"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
	Rule    string `json:"rule,omitempty"`
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	argv, err := classifyArgv(args, classifyScript)
	if err != nil {
		return err
	}
	cwd := classifyCwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return err
		}
	}
	if cwd, err = filepath.Abs(cwd); err != nil {
		return err
	}

	classifier := execpolicy.New(execpolicy.Rules{
		SafeCommands:      cfg.Policy.SafeCommands,
		ForbiddenCommands: cfg.Policy.ForbiddenCommands,
	})
	d := classifier.Classify(argv, cwd, nil)
	res := classifyResult{
		Command: execpolicy.Display(argv),
		Outcome: d.Outcome.String(),
		Reason:  d.Reason,
		Rule:    d.Rule,
	}

	out := cmd.OutOrStdout()
	if classifyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(out, "%s\n  outcome: %s\n  reason:  %s\n", res.Command, res.Outcome, res.Reason)
	if res.Rule != "" {
		fmt.Fprintf(out, "  rule:    %s\n", res.Rule)
	}
	return nil
}

// classifyArgv returns args as is, or splits a single script argument.
func classifyArgv(args []string, script bool) ([]string, error) {
	if !script {
		return args, nil
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("--script takes exactly one argument, got %d", len(args))
	}
	words, err := shellwords.Parse(args[0])
	if err != nil {
		return nil, fmt.Errorf("splitting %q: %w", args[0], err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return words, nil
}
