package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/gateway/stdio"
)

var protoCwd string

var protoCmd = &cobra.Command{
	Use:   "proto",
	Short: "Serve one session as JSON lines over stdin and stdout",
	Long: `Serve one session over stdio. Each stdin line is a submission envelope and
each stdout line is an event envelope. The session shuts down at end of input.`,
	Args: cobra.NoArgs,
	RunE: runProto,
}

func init() {
	protoCmd.Flags().StringVar(&protoCwd, "cwd", "", "Session working directory (default: current directory)")
}

func runProto(_ *cobra.Command, _ []string) error {
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

	scfg, err := sessionConfig(cfg, protoCwd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cancelCleanup := sc.Approvals.StartCleanup(ctx, time.Minute, cfg.Approval.Retention())
	defer cancelCleanup()

	logger.Info("serving session over stdio", slog.String("cwd", scfg.Cwd))
	return stdio.New(sessionFactory(sc, scfg), os.Stdin, os.Stdout, logger).Start(ctx)
}
