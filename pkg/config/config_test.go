package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	path := writeFile(t, "large.yaml", strings.Repeat("x: value\n", 200000))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "agentrt.yaml", `
log_level: debug
runtime:
  max_namespaces: 64
host:
  address: ":6000"
  rate_limit:
    frames_per_second: 100
    burst: 20
worker:
  host_address: "host.internal:6000"
  min_backoff: 250ms
  max_backoff: 10s
state_store:
  backend: sqlite
  path: /var/lib/agentrt/state.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat, "unset fields keep their defaults")
	assert.Equal(t, 64, cfg.Runtime.MaxNamespaces)
	assert.True(t, cfg.Runtime.EnableMetrics)
	assert.Equal(t, ":6000", cfg.Host.Address)
	assert.Equal(t, 100.0, cfg.Host.RateLimit.FramesPerSecond)
	assert.Equal(t, "host.internal:6000", cfg.Worker.HostAddress)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.MinBackoff)
	assert.Equal(t, 10*time.Second, cfg.Worker.MaxBackoff)
	assert.Equal(t, 15*time.Second, cfg.Worker.Keepalive.Time)
	assert.Equal(t, "sqlite", cfg.StateStore.Backend)
}

func TestLoadConfig_TOML(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "s3cret")
	path := writeFile(t, "agentrt.toml", `
log_format = "json"

[host]
address = ":7000"

[host.tls]
enabled = true
cert_file = "/etc/agentrt/tls.crt"
key_file = "/etc/agentrt/tls.key"

[state_store]
backend = "redis"
redis_addr = "redis:6379"
redis_password = "${TEST_REDIS_PASSWORD}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, ":7000", cfg.Host.Address)
	assert.True(t, cfg.Host.TLS.Enabled)
	assert.Equal(t, "/etc/agentrt/tls.crt", cfg.Host.TLS.CertFile)
	assert.Equal(t, "redis", cfg.StateStore.Backend)
	assert.Equal(t, "s3cret", cfg.StateStore.RedisPassword)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeFile(t, "agentrt.yaml", "log_level: info\n")
	t.Setenv("AGENTRT_LOG_LEVEL", "warn")
	t.Setenv("AGENTRT_WORKER_HOST_ADDRESS", "10.0.0.1:50051")
	t.Setenv("AGENTRT_ENABLE_METRICS", "false")
	t.Setenv("AGENTRT_MAX_NAMESPACES", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "10.0.0.1:50051", cfg.Worker.HostAddress)
	assert.False(t, cfg.Runtime.EnableMetrics)
	assert.Equal(t, 8, cfg.Runtime.MaxNamespaces)

	t.Setenv("AGENTRT_ENABLE_METRICS", "maybe")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadConfig_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Host.Address, cfg.Host.Address)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"invalid yaml", "bad.yaml", "log_level: [[[\n"},
		{"unknown field", "typo.yaml", "log_levle: debug\n"},
		{"invalid toml", "bad.toml", "log_level = \n"},
		{"unsupported extension", "config.json", "{}"},
		{"invalid value", "level.yaml", "log_level: loud\n"},
		{"missing state path", "state.yaml", "state_store:\n  backend: file\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"no host address", func(c *Config) { c.Host.Address = "" }, "host.address"},
		{"backoff inverted", func(c *Config) { c.Worker.MaxBackoff = time.Millisecond }, "backoff"},
		{"negative rate", func(c *Config) { c.Host.RateLimit.FramesPerSecond = -1 }, "rate_limit"},
		{"bad exporter", func(c *Config) {
			c.Observability.Tracing.Enabled = true
			c.Observability.Tracing.Exporter = "zipkin"
		}, "exporter"},
		{"redis without addr", func(c *Config) { c.StateStore.Backend = "redis" }, "redis_addr"},
		{"unknown backend", func(c *Config) { c.StateStore.Backend = "etcd" }, "state_store.backend"},
		{"schedule without backend", func(c *Config) { c.StateStore.CheckpointSchedule = "@hourly" }, "requires a backend"},
		{"bad schedule", func(c *Config) {
			c.StateStore.Backend = "file"
			c.StateStore.Path = "/tmp/state"
			c.StateStore.CheckpointSchedule = "every tuesday"
		}, "checkpoint_schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestCheckpointSchedule(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 17, 0, 0, time.UTC)

	tests := []struct {
		spec string
		next time.Time
	}{
		{"*/15 * * * *", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
		{"250ms", from.Add(250 * time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			sched, err := StateStoreConfig{CheckpointSchedule: tt.spec}.Schedule()
			require.NoError(t, err)
			assert.Equal(t, tt.next, sched.Next(from))
		})
	}

	sched, err := StateStoreConfig{}.Schedule()
	require.NoError(t, err)
	assert.Nil(t, sched)

	_, err = StateStoreConfig{CheckpointSchedule: "-5s"}.Schedule()
	assert.ErrorContains(t, err, "must be positive")
}

func TestSaveAndReload(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "error"
	cfg.Worker.MinBackoff = 300 * time.Millisecond

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"

	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"component":"test"`)
}
