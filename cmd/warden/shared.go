package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/execpolicy"
	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/runner"
	"github.com/jkaninda/warden/internal/sandbox"
	"github.com/jkaninda/warden/internal/session"
	"github.com/jkaninda/warden/internal/storage"
	pgstore "github.com/jkaninda/warden/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/warden/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every session-running command needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs        *observability.Observability // nil = observability disabled.
	Store      storage.Store                // nil unless audit.enabled.
	Recorder   audit.Recorder
	Classifier *execpolicy.Classifier
	Enforcer   *sandbox.Enforcer
	Executor   session.Executor
	Approvals  *approval.Manager

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger writes JSON logs to stderr so stdout stays free for protocol
// traffic.
func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(goutils.Env("WARDEN_LOG_LEVEL", logLevel))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	path := goutils.Env("WARDEN_CONFIG", configPath)
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// initShared wires observability, the audit trail, the classifier, the
// sandbox enforcer, and the process runner.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, err
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(ctx)
	})

	if err := os.MkdirAll(cfg.ResolvedDataDir(), 0o750); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	recorders := audit.Multi{}
	jsonl, err := audit.NewJSONLRecorder(cfg.AuditLogPath(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	recorders = append(recorders, jsonl)

	if cfg.Audit != nil && cfg.Audit.Enabled {
		store, err := initStore(cfg, logger)
		if err != nil {
			_ = recorders.Close()
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		if err := store.Migrate(context.Background()); err != nil {
			_ = store.Close()
			_ = recorders.Close()
			sc.Cleanup()
			return nil, fmt.Errorf("migrating storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		recorders = append(recorders, audit.NewStoreRecorder(store, logger))
		logger.Debug("audit store enabled", slog.String("driver", store.Driver()))
	}

	sc.Recorder = observability.NewInstrumentedRecorder(recorders, obs.MetricsOrNil(), obs.AnomalyOrNil())
	sc.addCleanup(func() {
		if err := sc.Recorder.Close(); err != nil {
			logger.Error("closing audit recorder", slog.String("error", err.Error()))
		}
	})

	sc.Classifier = execpolicy.New(execpolicy.Rules{
		SafeCommands:      cfg.Policy.SafeCommands,
		ForbiddenCommands: cfg.Policy.ForbiddenCommands,
	})
	sc.Enforcer = sandbox.NewEnforcer(sandbox.Options{Logger: logger})
	sc.Executor = observability.NewInstrumentedExecutor(
		runner.New(runner.Config{
			Timeout:    cfg.Exec.Timeout(),
			Grace:      cfg.Exec.Grace(),
			OutputCap:  cfg.Exec.OutputCap(),
			ChunkSize:  cfg.Exec.ChunkSize(),
			EnvInherit: cfg.Exec.EnvInherit,
		}, logger),
		obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil(),
	)
	sc.Approvals = approval.NewManager(logger)

	logger.Debug("shared components initialized",
		slog.Bool("sandbox_supported", sandbox.IsSandboxingSupported()),
		slog.String("sandbox_backend", string(sandbox.PlatformBackend())),
	)
	return sc, nil
}

// sessionConfig builds the session defaults from the config. An empty cwd
// uses the working directory of the process.
func sessionConfig(cfg *config.Config, cwd string) (session.Config, error) {
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return session.Config{}, fmt.Errorf("resolving working directory: %w", err)
		}
		cwd = wd
	}
	cwd, err := filepath.Abs(cwd)
	if err != nil {
		return session.Config{}, fmt.Errorf("resolving %s: %w", cwd, err)
	}
	policy, err := sandbox.ParsePolicy(cfg.Sandbox.PolicyName(), cfg.Sandbox.WritableRoots)
	if err != nil {
		return session.Config{}, err
	}
	network, err := sandbox.ParseNetwork(cfg.Sandbox.NetworkName())
	if err != nil {
		return session.Config{}, err
	}
	exe, err := os.Executable()
	if err != nil {
		return session.Config{}, fmt.Errorf("locating warden binary: %w", err)
	}
	return session.Config{
		Cwd:            cwd,
		SandboxPolicy:  policy,
		Network:        network,
		StrictSandbox:  cfg.Sandbox.Strict(),
		ApprovalPolicy: session.ApprovalPolicy(strings.ToLower(cfg.Approval.PolicyName())),
		Executable:     exe,
	}, nil
}

// sessionFactory returns a factory whose sessions share the process-wide
// classifier, enforcer, executor, approval manager, and audit trail.
func sessionFactory(sc *SharedComponents, cfg session.Config) gateway.SessionFactory {
	return func() *session.Session {
		return session.New(session.Options{
			Config:     cfg,
			Classifier: sc.Classifier,
			Sandbox:    sc.Enforcer,
			Executor:   sc.Executor,
			Approvals:  sc.Approvals,
			Recorder:   sc.Recorder,
			Logger:     sc.Logger,
		})
	}
}

// initStore creates the audit store for the configured driver.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == nil || cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or WARDEN_DB_DSN)")
	}
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}
