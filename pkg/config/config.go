package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/agentrt/internal/transport"
)

// MaxConfigSize bounds the size of a configuration file.
const MaxConfigSize = 1 << 20

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTRT_"

// Config represents the application configuration
type Config struct {
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`

	Runtime       RuntimeConfig       `yaml:"runtime" toml:"runtime"`
	Host          HostConfig          `yaml:"host" toml:"host"`
	Worker        WorkerConfig        `yaml:"worker" toml:"worker"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
	StateStore    StateStoreConfig    `yaml:"state_store" toml:"state_store"`
}

// RuntimeConfig holds settings shared by the local and worker runtimes.
type RuntimeConfig struct {
	MaxNamespaces      int  `yaml:"max_namespaces" toml:"max_namespaces"`
	QueueWarnThreshold int  `yaml:"queue_warn_threshold" toml:"queue_warn_threshold"`
	EnableMetrics      bool `yaml:"enable_metrics" toml:"enable_metrics"`
	EnableTracing      bool `yaml:"enable_tracing" toml:"enable_tracing"`
}

// HostConfig holds the host's listener settings.
type HostConfig struct {
	Address   string                    `yaml:"address" toml:"address"`
	TLS       transport.TLSConfig       `yaml:"tls" toml:"tls"`
	Keepalive transport.KeepaliveConfig `yaml:"keepalive" toml:"keepalive"`
	RateLimit RateLimitConfig           `yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig limits inbound frames. Zero FramesPerSecond disables it.
type RateLimitConfig struct {
	FramesPerSecond       float64 `yaml:"frames_per_second" toml:"frames_per_second"`
	Burst                 int     `yaml:"burst" toml:"burst"`
	GlobalFramesPerSecond float64 `yaml:"global_frames_per_second" toml:"global_frames_per_second"`
}

// WorkerConfig holds a worker's connection settings.
type WorkerConfig struct {
	HostAddress     string                    `yaml:"host_address" toml:"host_address"`
	TLS             transport.TLSConfig       `yaml:"tls" toml:"tls"`
	Keepalive       transport.KeepaliveConfig `yaml:"keepalive" toml:"keepalive"`
	MinBackoff      time.Duration             `yaml:"min_backoff" toml:"min_backoff"`
	MaxBackoff      time.Duration             `yaml:"max_backoff" toml:"max_backoff"`
	BreakerFailures uint32                    `yaml:"breaker_failures" toml:"breaker_failures"`
	BreakerTimeout  time.Duration             `yaml:"breaker_timeout" toml:"breaker_timeout"`
}

// ObservabilityConfig holds metrics and tracing settings.
type ObservabilityConfig struct {
	// MetricsAddress serves /metrics and the health endpoints. Empty
	// disables the server.
	MetricsAddress string        `yaml:"metrics_address" toml:"metrics_address"`
	ServiceName    string        `yaml:"service_name" toml:"service_name"`
	Tracing        TracingConfig `yaml:"tracing" toml:"tracing"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled  bool              `yaml:"enabled" toml:"enabled"`
	Exporter string            `yaml:"exporter" toml:"exporter"` // otlp, stdout
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	Insecure bool              `yaml:"insecure" toml:"insecure"`
	Headers  map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty"`
}

// StateStoreConfig selects where runtime checkpoints are kept.
type StateStoreConfig struct {
	Backend            string        `yaml:"backend" toml:"backend"` // none, file, redis, sqlite
	Path               string        `yaml:"path" toml:"path"`
	RedisAddr          string        `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword      string        `yaml:"redis_password" toml:"redis_password"`
	RedisDB            int           `yaml:"redis_db" toml:"redis_db"`
	KeyPrefix          string        `yaml:"key_prefix" toml:"key_prefix"`
	TTL                time.Duration `yaml:"ttl" toml:"ttl"`
	// Checkpoint names the snapshot restored at startup and written at
	// shutdown.
	Checkpoint         string        `yaml:"checkpoint" toml:"checkpoint"`
	// CheckpointSchedule additionally rewrites the checkpoint while the
	// worker runs: a cron expression, a descriptor such as @hourly, or a
	// duration such as 30s. Empty disables it.
	CheckpointSchedule string        `yaml:"checkpoint_schedule" toml:"checkpoint_schedule"`
}

// Schedule parses CheckpointSchedule. It returns nil when no schedule is set.
func (s StateStoreConfig) Schedule() (cron.Schedule, error) {
	spec := strings.TrimSpace(s.CheckpointSchedule)
	if spec == "" {
		return nil, nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(spec); err == nil {
		return sched, nil
	}

	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration: %q", spec)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", spec)
	}
	return interval(d), nil
}

// interval fires every d. Unlike cron.Every it keeps sub-second precision.
type interval time.Duration

func (d interval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Runtime: RuntimeConfig{
			QueueWarnThreshold: 1000,
			EnableMetrics:      true,
			EnableTracing:      true,
		},
		Host: HostConfig{
			Address:   ":50051",
			Keepalive: transport.DefaultKeepalive(),
		},
		Worker: WorkerConfig{
			HostAddress:     "localhost:50051",
			Keepalive:       transport.DefaultKeepalive(),
			MinBackoff:      100 * time.Millisecond,
			MaxBackoff:      5 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  10 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddress: ":9090",
			ServiceName:    "agentrt",
			Tracing: TracingConfig{
				Exporter: "otlp",
				Endpoint: "localhost:4318",
			},
		},
		StateStore: StateStoreConfig{
			Backend:    "none",
			KeyPrefix:  "agentrt:",
			Checkpoint: "agentrt",
		},
	}
}

// Load reads path over the defaults, applies AGENTRT_* environment
// overrides and validates the result. The format follows the extension:
// .toml for TOML, .yaml, .yml or none for YAML. An empty path yields the
// defaults with overrides applied. ${VAR} references in the file are
// expanded from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > MaxConfigSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigSize)
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(expanded, c); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	case ".yaml", ".yml", "":
		dec := yaml.NewDecoder(strings.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && err != io.EOF {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	default:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from AGENTRT_* environment variables.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"LOG_LEVEL":           &c.LogLevel,
		"LOG_FORMAT":          &c.LogFormat,
		"HOST_ADDRESS":        &c.Host.Address,
		"WORKER_HOST_ADDRESS": &c.Worker.HostAddress,
		"METRICS_ADDRESS":     &c.Observability.MetricsAddress,
		"SERVICE_NAME":        &c.Observability.ServiceName,
		"TRACING_EXPORTER":    &c.Observability.Tracing.Exporter,
		"TRACING_ENDPOINT":    &c.Observability.Tracing.Endpoint,
		"STATE_BACKEND":       &c.StateStore.Backend,
		"STATE_PATH":          &c.StateStore.Path,
		"REDIS_ADDR":          &c.StateStore.RedisAddr,
		"REDIS_PASSWORD":      &c.StateStore.RedisPassword,
		"CHECKPOINT_SCHEDULE": &c.StateStore.CheckpointSchedule,
	}
	for name, field := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*field = v
		}
	}

	bools := map[string]*bool{
		"TRACING_ENABLED": &c.Observability.Tracing.Enabled,
		"ENABLE_METRICS":  &c.Runtime.EnableMetrics,
		"ENABLE_TRACING":  &c.Runtime.EnableTracing,
	}
	for name, field := range bools {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*field = b
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "MAX_NAMESPACES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_NAMESPACES: %w", EnvPrefix, err)
		}
		c.Runtime.MaxNamespaces = n
	}
	return nil
}

var (
	logLevels   = map[string]slog.Level{"debug": slog.LevelDebug, "info": slog.LevelInfo, "warn": slog.LevelWarn, "error": slog.LevelError}
	logFormats  = map[string]bool{"text": true, "json": true}
	exporters   = map[string]bool{"otlp": true, "stdout": true}
	stateStores = map[string]bool{"none": true, "file": true, "redis": true, "sqlite": true}
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, ok := logLevels[strings.ToLower(c.LogLevel)]; !ok {
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	if !logFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Runtime.MaxNamespaces < 0 {
		return fmt.Errorf("runtime.max_namespaces must not be negative")
	}
	if c.Host.Address == "" {
		return fmt.Errorf("host.address is required")
	}
	if c.Host.RateLimit.FramesPerSecond < 0 || c.Host.RateLimit.GlobalFramesPerSecond < 0 || c.Host.RateLimit.Burst < 0 {
		return fmt.Errorf("host.rate_limit values must not be negative")
	}
	if c.Worker.HostAddress == "" {
		return fmt.Errorf("worker.host_address is required")
	}
	if c.Worker.MinBackoff <= 0 || c.Worker.MaxBackoff < c.Worker.MinBackoff {
		return fmt.Errorf("worker backoff must satisfy 0 < min_backoff <= max_backoff")
	}
	if c.Observability.Tracing.Enabled && !exporters[c.Observability.Tracing.Exporter] {
		return fmt.Errorf("observability.tracing.exporter must be otlp or stdout, got %q", c.Observability.Tracing.Exporter)
	}

	switch s := c.StateStore; {
	case !stateStores[s.Backend]:
		return fmt.Errorf("state_store.backend must be one of none, file, redis, sqlite, got %q", s.Backend)
	case (s.Backend == "file" || s.Backend == "sqlite") && s.Path == "":
		return fmt.Errorf("state_store.path is required for the %s backend", s.Backend)
	case s.Backend == "redis" && s.RedisAddr == "":
		return fmt.Errorf("state_store.redis_addr is required for the redis backend")
	case s.Backend != "none" && s.Checkpoint == "":
		return fmt.Errorf("state_store.checkpoint is required when a backend is set")
	case s.Backend == "none" && s.CheckpointSchedule != "":
		return fmt.Errorf("state_store.checkpoint_schedule requires a backend")
	}
	if _, err := c.StateStore.Schedule(); err != nil {
		return fmt.Errorf("state_store.checkpoint_schedule: %w", err)
	}
	return nil
}

// Logger builds the slog logger described by LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevels[strings.ToLower(c.LogLevel)]}
	if strings.ToLower(c.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}
