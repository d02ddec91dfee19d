package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func storesUnderTest(t *testing.T) map[string]Store {
	_, client := setupTestRedis(t)
	mem := NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = mem.Close() })
	rs := NewRedisStoreFromClient(client, time.Hour)
	t.Cleanup(func() { _ = rs.Close() })
	return map[string]Store{"memory": mem, "redis": rs}
}

func TestStore_ClaimOnce(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := store.Claim(ctx, "123456789:m1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.Claim(ctx, "123456789:m1")
			require.NoError(t, err)
			assert.False(t, ok, "second claim must fail")

			ok, err = store.Claim(ctx, "other-channel:m1")
			require.NoError(t, err)
			assert.True(t, ok, "message ids are scoped by channel")
		})
	}
}

func TestStore_Release(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := store.Claim(ctx, "c:m2")
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, store.Release(ctx, "c:m2"))

			ok, err = store.Claim(ctx, "c:m2")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.NoError(t, store.Ping(ctx))
		})
	}
}

func TestStore_ConcurrentClaims(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := store.Claim(context.Background(), "c:race")
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	store := newMemoryStore(time.Hour, time.Hour, clock.Now)
	defer store.Close()
	ctx := context.Background()

	ok, _ := store.Claim(ctx, "c:m1")
	require.True(t, ok)

	clock.Advance(59 * time.Minute)
	ok, _ = store.Claim(ctx, "c:m1")
	assert.False(t, ok)

	clock.Advance(2 * time.Minute)
	store.cleanup()
	assert.Equal(t, 0, store.Len())

	ok, _ = store.Claim(ctx, "c:m1")
	assert.True(t, ok)
}

func TestRedisStore_Expiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStoreFromClient(client, time.Hour)
	defer store.Close()
	ctx := context.Background()

	ok, err := store.Claim(ctx, "c:m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(keyPrefix+"c:m1"))

	mr.FastForward(61 * time.Minute)

	ok, err = store.Claim(ctx, "c:m1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStoreFromClient(client, time.Hour)
	defer store.Close()
	mr.Close()

	_, err := store.Claim(context.Background(), "c:m1")
	assert.Error(t, err)
}

func TestNewRedisStore_BadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "not-a-url", time.Hour)
	assert.Error(t, err)
}

func TestMemoryStore_CloseIsIdempotent(t *testing.T) {
	store := NewMemoryStore(0)
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}
