package storage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisTestStore(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStorageFromClient(client, "test:", 0, zap.NewNop()), mr
}

func stores(t *testing.T) map[string]Store {
	redisStore, _ := newRedisTestStore(t)
	return map[string]Store{
		"memory": NewMemoryStorage(),
		"redis":  redisStore,
	}
}

func TestStore_StringOperations(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "a", "1"))
			v, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "1", v)

			require.NoError(t, s.Delete(ctx, "a"))
			_, err = s.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_HashOperations(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.HSet(ctx, "h", "f1", "v1"))
			require.NoError(t, s.HSet(ctx, "h", "f2", "v2"))

			v, err := s.HGet(ctx, "h", "f1")
			require.NoError(t, err)
			assert.Equal(t, "v1", v)

			_, err = s.HGet(ctx, "h", "nope")
			assert.ErrorIs(t, err, ErrNotFound)

			all, err := s.HGetAll(ctx, "h")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

			require.NoError(t, s.HDel(ctx, "h", "f1"))
			all, err = s.HGetAll(ctx, "h")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"f2": "v2"}, all)

			empty, err := s.HGetAll(ctx, "unknown")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStore_Scan(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.HSet(ctx, "registry:t1:channels", "c", "{}"))
			require.NoError(t, s.HSet(ctx, "registry:t2:channels", "c", "{}"))
			require.NoError(t, s.Set(ctx, "session:x", "{}"))

			keys, err := s.Scan(ctx, "registry:*:channels")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"registry:t1:channels", "registry:t2:channels"}, keys)
		})
	}
}

func TestStore_Update(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			next, err := s.Update(ctx, "counter", func(current string, exists bool) (string, error) {
				assert.False(t, exists)
				return "1", nil
			})
			require.NoError(t, err)
			assert.Equal(t, "1", next)

			boom := errors.New("boom")
			_, err = s.Update(ctx, "counter", func(string, bool) (string, error) {
				return "", boom
			})
			assert.ErrorIs(t, err, boom)

			v, err := s.Get(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, "1", v)
		})
	}
}

func TestStore_UpdateConcurrentIncrements(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			increment := func(current string, exists bool) (string, error) {
				n := 0
				if exists {
					n, _ = strconv.Atoi(current)
				}
				return strconv.Itoa(n + 1), nil
			}

			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Update(ctx, "n", increment)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			v, err := s.Get(ctx, "n")
			require.NoError(t, err)
			assert.Equal(t, "5", v)
		})
	}
}

func TestRedisStorage_Prefix(t *testing.T) {
	s, mr := newRedisTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v"))
	assert.True(t, mr.Exists("test:k"))

	keys, err := s.Scan(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
}

func TestGlobToLike(t *testing.T) {
	tests := []struct {
		glob string
		want string
	}{
		{"registry:*:channels", "registry:%:channels"},
		{"a?c", "a_c"},
		{"100%_done", `100\%\_done`},
		{"x[abc]y", "x_y"},
	}
	for _, tt := range tests {
		t.Run(tt.glob, func(t *testing.T) {
			assert.Equal(t, tt.want, globToLike(tt.glob))
		})
	}
}
