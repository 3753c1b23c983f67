package cache

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisTokenCache(t *testing.T) {
	mr, client := newMiniredis(t)
	c := NewRedisTokenCache(client)
	ctx := context.Background()

	t.Run("missing token reads as empty", func(t *testing.T) {
		tok, err := c.Get(ctx, "dte:authority:token:76543210-3")
		require.NoError(t, err)
		assert.Empty(t, tok)
	})

	t.Run("stores with ttl", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "k", "TOKEN123", time.Minute))
		tok, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "TOKEN123", tok)

		mr.FastForward(2 * time.Minute)
		tok, err = c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Empty(t, tok)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "d", "X", time.Minute))
		require.NoError(t, c.Delete(ctx, "d"))
		assert.False(t, mr.Exists("d"))
	})
}

func TestLocalBranchLock(t *testing.T) {
	l := NewLocalBranchLock()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "76543210-3:centro")
	require.NoError(t, err)

	t.Run("other keys are independent", func(t *testing.T) {
		other, err := l.Lock(ctx, "76543210-3:norte")
		require.NoError(t, err)
		require.NoError(t, other(ctx))
	})

	t.Run("same key waits", func(t *testing.T) {
		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := l.Lock(waitCtx, "76543210-3:centro")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx), "unlock is idempotent")

	again, err := l.Lock(ctx, "76543210-3:centro")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedisBranchLock(t *testing.T) {
	ctx := context.Background()

	t.Run("serializes holders across instances", func(t *testing.T) {
		_, client := newMiniredis(t)
		// two lock objects simulate two engine instances sharing Redis
		a := NewRedisBranchLock(client, time.Minute, zap.NewNop())
		b := NewRedisBranchLock(client, time.Minute, zap.NewNop())
		a.retry = time.Millisecond
		b.retry = time.Millisecond

		var inside, maxInside int32
		var wg sync.WaitGroup
		for i := 0; i < 6; i++ {
			locker := a
			if i%2 == 1 {
				locker = b
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := locker.Lock(ctx, "76543210-3:centro")
				if !assert.NoError(t, err) {
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				assert.NoError(t, unlock(ctx))
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), maxInside)
	})

	t.Run("releases only its own lease", func(t *testing.T) {
		mr, client := newMiniredis(t)
		l := NewRedisBranchLock(client, time.Minute, zap.NewNop())

		unlock, err := l.Lock(ctx, "b")
		require.NoError(t, err)
		require.True(t, mr.Exists("dte:lock:branch:b"))

		// lease taken over by someone else after expiry
		require.NoError(t, mr.Set("dte:lock:branch:b", "someone-else"))
		err = unlock(ctx)
		assert.ErrorIs(t, err, ErrLockLost)
		got, _ := mr.Get("dte:lock:branch:b")
		assert.Equal(t, "someone-else", got)
	})

	t.Run("gives up when context ends", func(t *testing.T) {
		mr, client := newMiniredis(t)
		l := NewRedisBranchLock(client, time.Minute, zap.NewNop())
		l.retry = time.Millisecond
		require.NoError(t, mr.Set("dte:lock:branch:c", "held"))

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := l.Lock(waitCtx, "c")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		// the local lane was released on failure
		mr.Del("dte:lock:branch:c")
		unlock, err := l.Lock(ctx, "c")
		require.NoError(t, err)
		require.NoError(t, unlock(ctx))
	})
}

func TestCoordinationFactory(t *testing.T) {
	t.Run("redis disabled stays local", func(t *testing.T) {
		c, err := NewCoordinationFactory(config.RedisConfig{Enabled: false}).Create()
		require.NoError(t, err)
		assert.False(t, c.Distributed())
		assert.NoError(t, c.Ping(context.Background()))
		assert.NoError(t, c.Close())
	})

	t.Run("uses redis when reachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		host, port := splitAddr(t, mr)
		c, err := NewCoordinationFactory(config.RedisConfig{Enabled: true, Host: host, Port: port}).Create()
		require.NoError(t, err)
		defer c.Close()
		assert.True(t, c.Distributed())

		require.NoError(t, c.Tokens.Set(context.Background(), "k", "v", time.Minute))
		assert.True(t, mr.Exists("k"))

		assert.NoError(t, c.Ping(context.Background()))
		mr.Close()
		assert.Error(t, c.Ping(context.Background()))
	})

	t.Run("falls back when unreachable", func(t *testing.T) {
		cfg := config.RedisConfig{Enabled: true, Host: "127.0.0.1", Port: 1}
		c, err := NewCoordinationFactory(cfg).Create()
		require.NoError(t, err)
		assert.False(t, c.Distributed())

		_, err = NewCoordinationFactory(cfg, WithInMemoryFallback(false)).Create()
		assert.Error(t, err)
	})
}

func splitAddr(t *testing.T, mr *miniredis.Miniredis) (string, int) {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return mr.Host(), port
}

func TestIdempotencyStores(t *testing.T) {
	mr, client := newMiniredis(t)
	stores := map[string]IdempotencyStore{
		"redis":  NewRedisIdempotencyStore(client, ""),
		"memory": NewInMemoryIdempotencyStore(),
	}
	ctx := context.Background()

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			_, won, err := s.Reserve(ctx, name+"-k1", time.Minute)
			require.NoError(t, err)
			assert.True(t, won)

			r, won, err := s.Reserve(ctx, name+"-k1", time.Minute)
			require.NoError(t, err)
			assert.False(t, won)
			assert.True(t, r.InFlight())

			done := Replay{Status: 201, ContentType: "application/json", Body: []byte(`{"folio":7}`)}
			require.NoError(t, s.Complete(ctx, name+"-k1", done, time.Minute))
			r, won, err = s.Reserve(ctx, name+"-k1", time.Minute)
			require.NoError(t, err)
			assert.False(t, won)
			assert.Equal(t, done, r)

			require.NoError(t, s.Release(ctx, name+"-k1"))
			_, won, err = s.Reserve(ctx, name+"-k1", time.Minute)
			require.NoError(t, err)
			assert.True(t, won)
		})
	}

	t.Run("redis entries expire", func(t *testing.T) {
		s := NewRedisIdempotencyStore(client, "test:")
		_, _, err := s.Reserve(ctx, "exp", time.Minute)
		require.NoError(t, err)
		assert.True(t, mr.Exists("test:exp"))

		mr.FastForward(2 * time.Minute)
		_, won, err := s.Reserve(ctx, "exp", time.Minute)
		require.NoError(t, err)
		assert.True(t, won)
	})

	t.Run("memory entries expire", func(t *testing.T) {
		s := NewInMemoryIdempotencyStore()
		now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return now }
		_, _, err := s.Reserve(ctx, "exp", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, s.Size())

		now = now.Add(2 * time.Minute)
		assert.Equal(t, 0, s.Size())
	})
}

func TestProcessedEvents(t *testing.T) {
	_, client := newMiniredis(t)
	seen := NewProcessedEvents(NewRedisIdempotencyStore(client, ""))
	ctx := context.Background()

	first, err := seen.MarkProcessed(ctx, "metrics:evt-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := seen.MarkProcessed(ctx, "metrics:evt-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, again)

	other, err := seen.MarkProcessed(ctx, "audit:evt-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, other, "each consumer tracks its own deliveries")
}
