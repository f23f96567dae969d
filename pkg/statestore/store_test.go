package statestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentrt/pkg/config"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreFromClient(client, "test:", ttl), mr
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			s, _ := newRedisStore(t, 0)
			return s
		},
	}
}

func checkpoint(name string) *Checkpoint {
	return &Checkpoint{
		Name:      name,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		State: map[string]json.RawMessage{
			"counter/default": json.RawMessage(`{"count":3}`),
			"echo/room":       json.RawMessage(`{}`),
		},
	}
}

func TestStores(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			_, err := s.Load(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Save(ctx, checkpoint("b")))
			require.NoError(t, s.Save(ctx, checkpoint("a")))

			got, err := s.Load(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "a", got.Name)
			assert.True(t, got.CreatedAt.Equal(checkpoint("a").CreatedAt))
			assert.JSONEq(t, `{"count":3}`, string(got.State["counter/default"]))
			assert.Len(t, got.State, 2)

			names, err := s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, names)

			updated := checkpoint("a")
			updated.State = map[string]json.RawMessage{"counter/default": json.RawMessage(`{"count":4}`)}
			require.NoError(t, s.Save(ctx, updated))
			got, err = s.Load(ctx, "a")
			require.NoError(t, err)
			assert.Len(t, got.State, 1)
			assert.JSONEq(t, `{"count":4}`, string(got.State["counter/default"]))

			require.NoError(t, s.Delete(ctx, "a"))
			require.NoError(t, s.Delete(ctx, "a"), "deleting twice is fine")
			_, err = s.Load(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)

			names, err = s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, names)

			assert.ErrorIs(t, s.Save(ctx, checkpoint("../escape")), ErrInvalidName)
			_, err = s.Load(ctx, "")
			assert.ErrorIs(t, err, ErrInvalidName)

			require.NoError(t, s.Close())
			_, err = s.Load(ctx, "b")
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestFileStoreIgnoresStrayFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-a-123"), []byte("x"), 0o600))
	require.NoError(t, s.Save(context.Background(), checkpoint("a")))

	names, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)
}

func TestRedisStoreExpiry(t *testing.T) {
	s, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, checkpoint("short")))
	assert.Equal(t, time.Minute, mr.TTL("test:checkpoint:short"))

	mr.FastForward(2 * time.Minute)

	_, err := s.Load(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
	members, err := mr.Members("test:checkpoints")
	if err == nil {
		assert.Empty(t, members, "expired names are pruned from the index")
	}
}

func TestSQLiteInMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(context.Background(), checkpoint("mem")))
	names, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"mem"}, names)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StateStoreConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = Open(ctx, config.StateStoreConfig{Backend: "file", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, config.StateStoreConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = Open(ctx, config.StateStoreConfig{Backend: "redis", RedisAddr: mr.Addr(), KeyPrefix: "p:"})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, checkpoint("x")))
	assert.True(t, mr.Exists("p:checkpoint:x"))
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StateStoreConfig{Backend: "etcd"})
	assert.Error(t, err)
}

// tick fires every d.
type tick time.Duration

func (d tick) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

func TestPeriodic(t *testing.T) {
	var saves atomic.Int32
	p := StartPeriodic(context.Background(), tick(10*time.Millisecond), func(context.Context) error {
		saves.Add(1)
		return nil
	}, nil)

	require.Eventually(t, func() bool { return saves.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	p.Stop()

	n := saves.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, saves.Load())
}

func TestPeriodicWritesCheckpoints(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var version atomic.Int32
	p := StartPeriodic(ctx, tick(10*time.Millisecond), func(ctx context.Context) error {
		state, _ := json.Marshal(map[string]int32{"v": version.Add(1)})
		return store.Save(ctx, &Checkpoint{
			Name:      "worker-a",
			CreatedAt: time.Now().UTC(),
			State:     map[string]json.RawMessage{"counter/x": state},
		})
	}, nil)

	require.Eventually(t, func() bool {
		_, err := store.Load(context.Background(), "worker-a")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	// A cancelled context stops further runs even before Stop.
	cancel()
	time.Sleep(30 * time.Millisecond)
	n := version.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, version.Load())
	p.Stop()
}
