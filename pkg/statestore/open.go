package statestore

import (
	"context"
	"fmt"

	"github.com/aixgo-dev/agentrt/pkg/config"
)

// Open creates the store selected by cfg.Backend. The "none" backend
// returns a nil Store and no error.
func Open(ctx context.Context, cfg config.StateStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "file":
		return NewFileStore(cfg.Path)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "redis":
		return NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
			TTL:      cfg.TTL,
		})
	default:
		return nil, fmt.Errorf("unknown state store backend %q", cfg.Backend)
	}
}
