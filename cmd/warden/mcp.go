package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/gateway/mcp"
	"github.com/jkaninda/warden/internal/session"
)

var mcpCwd string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Expose the shell and apply_patch tools as an MCP server over stdio",
	Long: `Run an MCP server on stdin and stdout. MCP has no approval round trip, so
commands that would need approval are denied; safe commands run in the sandbox.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpCwd, "cwd", "", "Working directory for tool calls (default: current directory)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	scfg, err := sessionConfig(cfg, mcpCwd)
	if err != nil {
		return err
	}
	scfg.ApprovalPolicy = session.ApprovalReject

	srv, err := mcp.New(sessionFactory(sc, scfg), version, os.Stdin, os.Stdout, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Start(ctx)
}
