package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestMemoryClient_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(10)
	defer c.Close()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	val, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)

	require.NoError(t, c.Delete(ctx, "a"))
	_, err = c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClient_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryClient(10, WithClock(clock.Now))

	require.NoError(t, c.Set(ctx, "short", []byte("x"), time.Minute))
	require.NoError(t, c.Set(ctx, "forever", []byte("y"), 0))

	clock.Advance(2 * time.Minute)

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)

	val, err := c.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), val)
}

func TestMemoryClient_CapacityBoundEvictsLRU(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(3)

	require.NoError(t, c.Set(ctx, "a", []byte("a"), time.Hour))
	require.NoError(t, c.Set(ctx, "b", []byte("b"), time.Hour))
	require.NoError(t, c.Set(ctx, "c", []byte("c"), time.Hour))

	// Touch "a" so "b" becomes least recently used.
	_, err := c.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "d", []byte("d"), time.Hour))

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, int64(1), c.Evictions())

	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss, "least recently used entry should be evicted")

	for _, key := range []string{"a", "c", "d"} {
		_, err := c.Get(ctx, key)
		assert.NoError(t, err, key)
	}
}

func TestMemoryClient_CapacityPrefersExpiredVictims(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryClient(2, WithClock(clock.Now))

	require.NoError(t, c.Set(ctx, "stale", []byte("s"), time.Second))
	require.NoError(t, c.Set(ctx, "fresh", []byte("f"), time.Hour))
	_, err := c.Get(ctx, "stale") // make stale most recently used
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, c.Set(ctx, "new", []byte("n"), time.Hour))

	assert.Equal(t, int64(0), c.Evictions(), "expired entries are reclaimed without counting as evictions")
	_, err = c.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestMemoryClient_CapacityNeverExceeded(t *testing.T) {
	ctx := context.Background()
	const capacity = 16
	c := NewMemoryClient(capacity)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = c.Set(ctx, fmt.Sprintf("w%d-%d", w, i), []byte("v"), time.Hour)
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), capacity)
}

func TestMemoryClient_KeysByPrefix(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(100)

	require.NoError(t, c.Set(ctx, "conv:1", []byte("1"), time.Hour))
	require.NoError(t, c.Set(ctx, "conv:2", []byte("2"), time.Hour))
	require.NoError(t, c.Set(ctx, "upload:1", []byte("u"), time.Hour))

	keys, err := c.Keys(ctx, "conv:")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"conv:1", "conv:2"}, keys)

	require.NoError(t, c.Delete(ctx, "conv:1"))

	keys, err = c.Keys(ctx, "")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"conv:2", "upload:1"}, keys)
}

func TestMemoryClient_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryClient(10, WithClock(clock.Now))

	require.NoError(t, c.Set(ctx, "a", []byte("a"), time.Second))
	require.NoError(t, c.Set(ctx, "b", []byte("b"), time.Hour))
	clock.Advance(time.Minute)

	assert.Equal(t, 1, c.PurgeExpired())
	assert.Equal(t, 1, c.Len())
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "conv:abc:200-jpeg-85", CacheKey("conv", "abc", "200-jpeg-85"))
}
