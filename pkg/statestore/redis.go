package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is used when RedisConfig.Prefix is empty.
const DefaultRedisPrefix = "agentrt:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int
	// Prefix is the key prefix for all checkpoint keys.
	Prefix string
	// TTL expires checkpoints (0 = never expire).
	TTL time.Duration
}

// RedisStore keeps checkpoints in Redis so every node of a deployment can
// restore from them.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) checkpointKey(name string) string {
	return r.prefix + "checkpoint:" + name
}

func (r *RedisStore) indexKey() string {
	return r.prefix + "checkpoints"
}

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// Save stores cp and indexes its name.
func (r *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validateCheckpoint(cp); err != nil {
		return err
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.checkpointKey(cp.Name), data, r.ttl)
	pipe.SAdd(ctx, r.indexKey(), cp.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load fetches the checkpoint called name.
func (r *RedisStore) Load(ctx context.Context, name string) (*Checkpoint, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.checkpointKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Delete removes the checkpoint and its index entry.
func (r *RedisStore) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.checkpointKey(name))
	pipe.SRem(ctx, r.indexKey(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// List returns the indexed checkpoints that have not expired. Expired
// names are pruned from the index.
func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	names, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	pipe := r.client.Pipeline()
	exists := make([]*redis.IntCmd, len(names))
	for i, name := range names {
		exists[i] = pipe.Exists(ctx, r.checkpointKey(name))
	}
	if len(names) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
	}

	live := make([]string, 0, len(names))
	var stale []any
	for i, name := range names {
		if exists[i].Val() > 0 {
			live = append(live, name)
		} else {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.indexKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune checkpoint index: %w", err)
		}
	}

	sort.Strings(live)
	return live, nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
