// Package worker implements the agent runtime of a worker process: agents
// hosted here are reached through a central host over one bidirectional
// gRPC stream.
package worker

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"

	"github.com/aixgo-dev/agentrt/pkg/serialization"
)

// Config holds worker runtime configuration.
type Config struct {
	// HostAddress is the gRPC target of the host.
	HostAddress string
	// Registry serializes every message that crosses the stream.
	Registry *serialization.Registry
	Logger   *slog.Logger

	// DialOptions are appended after the transport defaults; they must
	// include transport credentials.
	DialOptions []grpc.DialOption

	MaxNamespaces int

	// MinBackoff and MaxBackoff bound the delay between reconnect attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// BreakerFailures consecutive failed connects open the circuit breaker
	// for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	EnableMetrics bool
	EnableTracing bool
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger:          slog.Default(),
		MinBackoff:      100 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  10 * time.Second,
		EnableMetrics:   true,
		EnableTracing:   true,
	}
}

// Option configures a worker runtime.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithRegistry sets the message registry.
func WithRegistry(r *serialization.Registry) Option {
	return func(c *Config) {
		c.Registry = r
	}
}

// WithDialOptions adds gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Config) {
		c.DialOptions = append(c.DialOptions, opts...)
	}
}

// WithMaxNamespaces bounds the number of live namespaces.
func WithMaxNamespaces(n int) Option {
	return func(c *Config) {
		c.MaxNamespaces = n
	}
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(minBackoff, maxBackoff time.Duration) Option {
	return func(c *Config) {
		c.MinBackoff = minBackoff
		c.MaxBackoff = maxBackoff
	}
}

// WithBreaker configures the reconnect circuit breaker.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(c *Config) {
		c.BreakerFailures = failures
		c.BreakerTimeout = timeout
	}
}

// WithMetrics toggles Prometheus metrics.
func WithMetrics(enabled bool) Option {
	return func(c *Config) {
		c.EnableMetrics = enabled
	}
}

// WithTracing toggles OpenTelemetry spans.
func WithTracing(enabled bool) Option {
	return func(c *Config) {
		c.EnableTracing = enabled
	}
}
