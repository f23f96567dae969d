// Package runtime implements the in-process, single-threaded agent runtime
// and the agent table and publish fan-out it shares with the worker runtime.
package runtime

import (
	"errors"
	"log/slog"

	"github.com/aixgo-dev/agentrt/agent"
)

var (
	// ErrRuntimeAlreadyStarted is returned when trying to start an already running runtime
	ErrRuntimeAlreadyStarted = errors.New("runtime already started")

	// ErrSubscriptionExists is returned when a subscription id is added twice
	ErrSubscriptionExists = errors.New("subscription already exists")

	// ErrSubscriptionNotFound is returned when removing an unknown subscription
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Config contains configuration options for creating a runtime
type Config struct {
	// Logger receives runtime logs. Default: slog.Default()
	Logger *slog.Logger

	// Interventions run in order on every envelope before dispatch.
	Interventions []agent.InterventionHandler

	// MaxNamespaces bounds the number of hydrated namespaces. The least
	// recently addressed namespace is evicted together with its agents.
	// Default: 0 (unbounded)
	MaxNamespaces int

	// QueueWarnThreshold logs a warning when the queue grows past it.
	// Default: 1000, 0 disables the warning
	QueueWarnThreshold int

	// EnableMetrics records Prometheus metrics
	// Default: true
	EnableMetrics bool

	// EnableTracing records OpenTelemetry spans
	// Default: true
	EnableTracing bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Logger:             slog.Default(),
		QueueWarnThreshold: 1000,
		EnableMetrics:      true,
		EnableTracing:      true,
	}
}

// Option is a functional option for configuring a runtime
type Option func(*Config)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// WithInterventionHandlers appends intervention handlers
func WithInterventionHandlers(handlers ...agent.InterventionHandler) Option {
	return func(cfg *Config) {
		cfg.Interventions = append(cfg.Interventions, handlers...)
	}
}

// WithMaxNamespaces bounds the number of live namespaces
func WithMaxNamespaces(n int) Option {
	return func(cfg *Config) {
		cfg.MaxNamespaces = n
	}
}

// WithQueueWarnThreshold sets the queue depth that triggers a warning
func WithQueueWarnThreshold(n int) Option {
	return func(cfg *Config) {
		cfg.QueueWarnThreshold = n
	}
}

// WithMetrics enables or disables metrics collection
func WithMetrics(enabled bool) Option {
	return func(cfg *Config) {
		cfg.EnableMetrics = enabled
	}
}

// WithTracing enables or disables span creation
func WithTracing(enabled bool) Option {
	return func(cfg *Config) {
		cfg.EnableTracing = enabled
	}
}

// NewConfig applies opts to the defaults.
func NewConfig(opts ...Option) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
