// Package config handles loading and validating Warden configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadDotenv loads a .env file from the working directory if one exists.
// Variables already set in the environment win.
func LoadDotenv() {
	_ = godotenv.Load()
}

// Config is the root configuration for Warden.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.warden. Override: WARDEN_DATA_DIR env var.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Exec          ExecConfig           `json:"exec" yaml:"exec"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Policy        PolicyConfig         `json:"policy" yaml:"policy"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under data_dir
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = JSONL audit log only
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`                               //
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// SandboxConfig selects the default sandbox for tool calls.
type SandboxConfig struct {
	Policy        string   `json:"policy" yaml:"policy"`                                     // "read-only", "writable-cwd" (default), "writable-roots", "unrestricted".
	WritableRoots []string `json:"writable_roots,omitempty" yaml:"writable_roots,omitempty"` // Used with policy "writable-roots".
	Network       string   `json:"network" yaml:"network"`                                   // "disabled" (default) or "full".
	Mode          string   `json:"mode" yaml:"mode"`                                         // "strict" (default) or "permissive". Override: WARDEN_SANDBOX_MODE.
}

// PolicyName returns the configured sandbox policy, defaulting to "writable-cwd".
func (s SandboxConfig) PolicyName() string {
	if s.Policy != "" {
		return s.Policy
	}
	return "writable-cwd"
}

// NetworkName returns the configured network policy, defaulting to "disabled".
func (s SandboxConfig) NetworkName() string {
	if s.Network != "" {
		return s.Network
	}
	return "disabled"
}

// Strict reports whether unsupported platforms must refuse execution.
func (s SandboxConfig) Strict() bool {
	return s.Mode != "permissive"
}

// ExecConfig bounds process execution.
type ExecConfig struct {
	TimeoutMs      int    `json:"timeout_ms" yaml:"timeout_ms"`             // Default: 10000.
	GraceMs        int    `json:"grace_ms" yaml:"grace_ms"`                 // SIGTERM to SIGKILL delay. Default: 2000.
	OutputCapBytes int    `json:"output_cap_bytes" yaml:"output_cap_bytes"` // Retained output. Default: 131072.
	ChunkBytes     int    `json:"chunk_bytes" yaml:"chunk_bytes"`           // Max live chunk size. Default: 8192.
	EnvInherit     string `json:"env_inherit" yaml:"env_inherit"`           // "all" (default) or "core".
}

// Timeout returns the default per-call timeout.
func (e ExecConfig) Timeout() time.Duration {
	if e.TimeoutMs > 0 {
		return time.Duration(e.TimeoutMs) * time.Millisecond
	}
	return 10 * time.Second
}

// Grace returns the delay between SIGTERM and SIGKILL.
func (e ExecConfig) Grace() time.Duration {
	if e.GraceMs > 0 {
		return time.Duration(e.GraceMs) * time.Millisecond
	}
	return 2 * time.Second
}

// OutputCap returns the retained output capacity in bytes.
func (e ExecConfig) OutputCap() int {
	if e.OutputCapBytes > 0 {
		return e.OutputCapBytes
	}
	return 128 << 10
}

// ChunkSize returns the maximum live chunk size in bytes.
func (e ExecConfig) ChunkSize() int {
	if e.ChunkBytes > 0 {
		return e.ChunkBytes
	}
	return 8 << 10
}

// ApprovalConfig configures the approval workflow.
type ApprovalConfig struct {
	Policy           string `json:"policy" yaml:"policy"`                       // "prompt" (default) or "reject". Override: WARDEN_APPROVAL_POLICY.
	RetentionSeconds int    `json:"retention_seconds" yaml:"retention_seconds"` // How long resolved requests are kept. 0 = 3600s.
}

// PolicyName returns the approval policy, defaulting to "prompt".
func (a ApprovalConfig) PolicyName() string {
	if a.Policy != "" {
		return a.Policy
	}
	return "prompt"
}

// Retention returns how long resolved approval records are kept.
func (a ApprovalConfig) Retention() time.Duration {
	if a.RetentionSeconds > 0 {
		return time.Duration(a.RetentionSeconds) * time.Second
	}
	return time.Hour
}

// PolicyConfig extends the built-in classifier tables.
type PolicyConfig struct {
	SafeCommands      []string `json:"safe_commands,omitempty" yaml:"safe_commands,omitempty"`           // Extra read-only programs.
	ForbiddenCommands []string `json:"forbidden_commands,omitempty" yaml:"forbidden_commands,omitempty"` // Extra programs that are never executed.
}

// StorageConfig configures the audit persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data_dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: WARDEN_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	LogPath       string `json:"log_path,omitempty" yaml:"log_path,omitempty"` // JSONL path. Default: <data_dir>/audit.jsonl.
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`         // Store rows older than this are swept. 0 = keep forever.
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule"`         // Cron expression. Default: "0 3 * * *".
}

// Retention returns the store retention, or zero when rows are kept forever.
func (a *AuditConfig) Retention() time.Duration {
	if a != nil && a.RetentionDays > 0 {
		return time.Duration(a.RetentionDays) * 24 * time.Hour
	}
	return 0
}

// Schedule returns the retention sweep cron expression.
func (a *AuditConfig) Schedule() string {
	if a != nil && a.SweepSchedule != "" {
		return a.SweepSchedule
	}
	return "0 3 * * *"
}

// GatewaysConfig configures the network-facing surfaces of `warden serve`.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled           bool              `json:"enabled" yaml:"enabled"`
	ListenAddr        string            `json:"listen_addr" yaml:"listen_addr"`                   // Default: ":8420".
	APIKeyUserMapping map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → client ID.
	RateLimit         RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8420".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8420"
}

// WebSocketGatewayConfig configures the WebSocket session endpoint.
type WebSocketGatewayConfig struct {
	Enabled                  bool   `json:"enabled" yaml:"enabled"`
	Path                     string `json:"path" yaml:"path"`                                             // Default: "/v1/session".
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"` // Default: 30.
}

// WSPath returns the WebSocket path with a default of "/v1/session".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/v1/session"
}

// WSHeartbeatInterval returns the heartbeat interval with a default of 30s.
func (w *WebSocketGatewayConfig) WSHeartbeatInterval() time.Duration {
	if w != nil && w.HeartbeatIntervalSeconds > 0 {
		return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// RateLimitConfig configures per-client rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "warden"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection on call failures.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.warden/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "warden.yaml"
	}
	return filepath.Join(home, ".warden", "config.yaml")
}

// Default returns a configuration with every section at its default,
// after environment overrides.
func Default() (*Config, error) {
	var cfg Config
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return Default()
	}
	return Load(resolved)
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WARDEN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WARDEN_SANDBOX_MODE"); v != "" {
		cfg.Sandbox.Mode = v
	}
	if v := os.Getenv("WARDEN_SANDBOX_NETWORK_DISABLED"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil && on {
			cfg.Sandbox.Network = "disabled"
		}
	}
	if v := os.Getenv("WARDEN_APPROVAL_POLICY"); v != "" {
		cfg.Approval.Policy = v
	}
	if v := os.Getenv("WARDEN_DB_DSN"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".warden"
		}
		return filepath.Join(home, ".warden")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "warden.db")
}

// AuditLogPath returns the JSONL audit log path.
func (c *Config) AuditLogPath() string {
	if c.Audit != nil && c.Audit.LogPath != "" {
		return c.Audit.LogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

func (c *Config) validate() error {
	switch c.Sandbox.PolicyName() {
	case "read-only", "writable-cwd", "unrestricted":
	case "writable-roots":
		if len(c.Sandbox.WritableRoots) == 0 {
			return fmt.Errorf("sandbox.writable_roots must not be empty with policy writable-roots")
		}
		for _, root := range c.Sandbox.WritableRoots {
			if !filepath.IsAbs(root) {
				return fmt.Errorf("sandbox.writable_roots: %q is not an absolute path", root)
			}
		}
	default:
		return fmt.Errorf("sandbox.policy %q is not supported", c.Sandbox.Policy)
	}
	switch c.Sandbox.NetworkName() {
	case "disabled", "full":
	default:
		return fmt.Errorf("sandbox.network %q is not supported (use disabled or full)", c.Sandbox.Network)
	}
	if c.Sandbox.Mode != "" && c.Sandbox.Mode != "strict" && c.Sandbox.Mode != "permissive" {
		return fmt.Errorf("sandbox.mode %q is not supported (use strict or permissive)", c.Sandbox.Mode)
	}
	if c.Exec.TimeoutMs < 0 || c.Exec.GraceMs < 0 || c.Exec.OutputCapBytes < 0 || c.Exec.ChunkBytes < 0 {
		return fmt.Errorf("exec limits must not be negative")
	}
	if c.Exec.EnvInherit != "" && c.Exec.EnvInherit != "all" && c.Exec.EnvInherit != "core" {
		return fmt.Errorf("exec.env_inherit %q is not supported (use all or core)", c.Exec.EnvInherit)
	}
	switch c.Approval.PolicyName() {
	case "prompt", "reject":
	default:
		return fmt.Errorf("approval.policy %q is not supported (use prompt or reject)", c.Approval.Policy)
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for driver postgres")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Audit != nil && c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must not be negative")
	}
	return nil
}
