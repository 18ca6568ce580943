package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/gateway/httpapi"
	"github.com/jkaninda/warden/internal/gateway/ws"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/ratelimit"
	"github.com/jkaninda/warden/internal/sandbox"
)

var (
	serveListen string
	serveCwd    string
	serveDocs   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve sessions over HTTP and WebSocket",
	Long: `Start the HTTP API gateway and, when enabled, the WebSocket session endpoint.
Each WebSocket connection gets its own session.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveListen, "listen", "", "Listen address (overrides gateways.http.listen_addr)")
	f.StringVar(&serveCwd, "cwd", "", "Default session working directory (default: current directory)")
	f.BoolVar(&serveDocs, "docs", false, "Serve OpenAPI documentation")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{}
		}
		cfg.Gateways.HTTP.Enabled = true
		cfg.Gateways.HTTP.ListenAddr = serveListen
	}
	httpCfg := cfg.Gateways.HTTP
	if httpCfg == nil || !httpCfg.Enabled {
		return errors.New("no gateways enabled in config (set gateways.http.enabled or pass --listen)")
	}
	if len(httpCfg.APIKeyUserMapping) == 0 {
		logger.Warn("no API keys configured; every /v1 request will be rejected")
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	scfg, err := sessionConfig(cfg, serveCwd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := sc.Obs.MetricsOrNil()
	registry := gateway.NewRegistry(logger, func(active int) {
		if metrics != nil {
			metrics.ActiveSessions.Set(float64(active))
		}
	})

	cancelApprovals := sc.Approvals.StartCleanup(ctx, time.Minute, cfg.Approval.Retention())
	defer cancelApprovals()

	if sc.Store != nil {
		sweeper, err := audit.NewSweeper(sc.Store, cfg.Audit.Retention(), cfg.Audit.Schedule(), logger)
		if err != nil {
			return err
		}
		cancelSweeper := sweeper.Start(ctx)
		defer cancelSweeper()
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
		BurstSize:         httpCfg.RateLimit.BurstSize,
	})
	go pruneLimiter(ctx, limiter, logger)

	gwCfg := httpapi.Config{
		ListenAddr:    httpCfg.Addr(),
		EnableDocs:    serveDocs,
		APIKeys:       httpCfg.APIKeyUserMapping,
		SessionPath:   cfg.Gateways.WebSocket.WSPath(),
		HealthChecker: healthChecker(sc, cfg),
	}
	if metrics != nil {
		gwCfg.Metrics = metrics
		gwCfg.MetricsRegistry = metrics.Registry
		if m := cfg.Observability.Metrics; m != nil && m.Path != "" {
			gwCfg.MetricsPath = m.Path
		}
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}
	httpGW := httpapi.NewGateway(gwCfg, sc.Classifier, registry, limiter, logger).WithApprovals(sc.Approvals)

	var wsServer *ws.Server
	if wsCfg := cfg.Gateways.WebSocket; wsCfg != nil && wsCfg.Enabled {
		wsServer = ws.NewServer(sessionFactory(sc, scfg), registry, wsCfg, logger)
		httpGW.WithSessions(wsServer.Handler())
		logger.Info("websocket sessions enabled", slog.String("path", wsCfg.WSPath()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpGW.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http gateway: %w", err)
		}
		return nil
	})

	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if wsServer != nil {
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("stopping websocket sessions", slog.String("error", err.Error()))
		}
	}
	if err := httpGW.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http gateway", slog.String("error", err.Error()))
	}
	return g.Wait()
}

// healthChecker registers the readiness checks for the configured components.
func healthChecker(sc *SharedComponents, cfg *config.Config) *observability.HealthChecker {
	hc := observability.NewHealthChecker(sc.Logger)
	if sc.Obs != nil && sc.Obs.Health != nil {
		hc = sc.Obs.Health
	}
	if sc.Store != nil {
		hc.AddCheck("store", sc.Store.Ping)
	}
	strict := cfg.Sandbox.Strict()
	hc.AddCheck("sandbox", func(context.Context) error {
		if strict && !sandbox.IsSandboxingSupported() {
			return fmt.Errorf("%w (%s)", sandbox.ErrSandboxUnsupported, sandbox.PlatformBackend())
		}
		return nil
	})
	if anomaly := sc.Obs.AnomalyOrNil(); anomaly != nil {
		hc.AddCheck("anomaly", func(context.Context) error { return anomaly.Check() })
	}
	return hc
}

// pruneLimiter drops idle rate limit buckets until ctx is done.
func pruneLimiter(ctx context.Context, l *ratelimit.Limiter, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(10 * time.Minute); n > 0 {
				logger.Debug("pruned idle rate limit buckets", slog.Int("count", n))
			}
		}
	}
}
