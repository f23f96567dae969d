package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// TLSConfig holds TLS settings for host and worker connections.
type TLSConfig struct {
	// Enabled turns on TLS encryption.
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// CertFile is the certificate presented by this side.
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	// KeyFile is the private key for CertFile.
	KeyFile string `yaml:"key_file" toml:"key_file"`
	// CAFile verifies the peer. On the host it also turns on client
	// certificate verification (mTLS).
	CAFile string `yaml:"ca_file" toml:"ca_file"`
	// ServerName is used for SNI verification by workers.
	ServerName string `yaml:"server_name" toml:"server_name"`
	// InsecureSkipVerify skips certificate verification. Refused unless
	// ENVIRONMENT names a non-production environment.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	// ExternalTLS means a service mesh sidecar terminates TLS, so the
	// process itself speaks plaintext.
	ExternalTLS bool `yaml:"external_tls" toml:"external_tls"`
}

// KeepaliveConfig holds gRPC keepalive settings.
type KeepaliveConfig struct {
	Time    time.Duration `yaml:"time" toml:"time"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
	MinTime time.Duration `yaml:"min_time" toml:"min_time"`
}

// DefaultKeepalive returns the keepalive settings used when none are configured.
func DefaultKeepalive() KeepaliveConfig {
	return KeepaliveConfig{
		Time:    15 * time.Second,
		Timeout: 5 * time.Second,
		MinTime: 5 * time.Second,
	}
}

var nonProdEnvs = map[string]bool{
	"development": true,
	"dev":         true,
	"staging":     true,
	"local":       true,
	"test":        true,
}

// ClientOptions builds the worker's dial options.
func ClientOptions(cfg *TLSConfig, ka KeepaliveConfig, logger *slog.Logger) ([]grpc.DialOption, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                ka.Time,
			Timeout:             ka.Timeout,
			PermitWithoutStream: true,
		}),
	}

	if cfg == nil || !cfg.Enabled || cfg.ExternalTLS {
		return append(opts, grpc.WithTransportCredentials(insecure.NewCredentials())), nil
	}

	if cfg.InsecureSkipVerify {
		env := strings.ToLower(os.Getenv("ENVIRONMENT"))
		if !nonProdEnvs[env] {
			return nil, fmt.Errorf("insecure_skip_verify cannot be enabled in production environment (ENVIRONMENT=%q)", env)
		}
		logger.Warn("TLS certificate verification is disabled", "environment", env)
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- refused outside non-production environments above
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg))), nil
}

// ServerOptions builds the host's server options.
func ServerOptions(cfg *TLSConfig, ka KeepaliveConfig) ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    ka.Time,
			Timeout: ka.Timeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             ka.MinTime,
			PermitWithoutStream: true,
		}),
	}

	if cfg == nil || !cfg.Enabled || cfg.ExternalTLS {
		return opts, nil
	}

	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("tls enabled but cert_file or key_file is missing")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return append(opts, grpc.Creds(credentials.NewTLS(tlsCfg))), nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return pool, nil
}
