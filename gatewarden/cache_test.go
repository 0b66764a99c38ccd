package gatewarden

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupCacheMemoizes(t *testing.T) {
	t.Parallel()
	cache, err := NewLookupCache[string]("test", CacheStrategyLRU, 16)
	require.NoError(t, err)

	ctx := context.Background()
	fetchCount := 0
	fetch := func(context.Context) (string, error) {
		fetchCount++
		return "value", nil
	}

	for i := 0; i < 5; i++ {
		v, e := cache.Do(ctx, "key", fetch)
		require.NoError(t, e)
		assert.Equal(t, "value", v)
	}
	assert.Equal(t, 1, fetchCount)

	hits, misses := cache.Stats()
	assert.Equal(t, uint64(4), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestLookupCacheErrorNotCached(t *testing.T) {
	t.Parallel()
	cache, err := NewLookupCache[int]("test", CacheStrategyRaw, 0)
	require.NoError(t, err)

	ctx := context.Background()
	fetchCount := 0
	boom := errors.New("boom")

	_, err = cache.Do(
		ctx, "key", func(context.Context) (int, error) {
			fetchCount++
			return 0, boom
		},
	)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, cache.Len())

	// next call fetches again, and a successful result sticks
	v, err := cache.Do(
		ctx, "key", func(context.Context) (int, error) {
			fetchCount++
			return 42, nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, fetchCount)

	cached, ok := cache.Get("key")
	require.True(t, ok)
	assert.Equal(t, 42, cached)
}

func TestLookupCacheLRUEviction(t *testing.T) {
	t.Parallel()
	cache, err := NewLookupCache[string]("test", CacheStrategyLRU, 2)
	require.NoError(t, err)

	ctx := context.Background()
	put := func(key string) {
		_, e := cache.Do(
			ctx, key, func(context.Context) (string, error) {
				return key, nil
			},
		)
		require.NoError(t, e)
	}

	put("k1")
	put("k2")
	put("k3")

	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get("k1")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = cache.Get("k2")
	assert.True(t, ok)
	_, ok = cache.Get("k3")
	assert.True(t, ok)
}

func TestLookupCacheInvalidate(t *testing.T) {
	t.Parallel()
	cache, err := NewLookupCache[bool]("test", CacheStrategyRaw, 0)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cache.Do(
		ctx, "key", func(context.Context) (bool, error) {
			return true, nil
		},
	)
	require.NoError(t, err)

	assert.True(t, cache.Invalidate("key"))
	assert.False(t, cache.Invalidate("key"))
	_, ok := cache.Get("key")
	assert.False(t, ok)
}

func TestLookupCacheInvalidateContaining(t *testing.T) {
	t.Parallel()
	for _, strategy := range []CacheStrategy{
		CacheStrategyLRU,
		CacheStrategyRaw,
		CacheStrategyTimed,
	} {
		t.Run(
			string(strategy), func(t *testing.T) {
				t.Parallel()
				capacity := 64
				cache, err := NewLookupCache[string](
					"test",
					strategy,
					capacity,
				)
				require.NoError(t, err)

				ctx := context.Background()
				keys := []string{
					"plonk:guild1:user1:chan1:true",
					"plonk:guild1:user2:chan2:false",
					"plonk:guild2:user1:chan1:true",
				}
				for _, key := range keys {
					_, e := cache.Do(
						ctx, key, func(context.Context) (string, error) {
							return key, nil
						},
					)
					require.NoError(t, e)
				}

				removed := cache.InvalidateContaining("plonk:guild1:")
				assert.Equal(t, 2, removed)

				_, ok := cache.Get("plonk:guild2:user1:chan1:true")
				assert.True(t, ok, "other guild's entries should survive")
				assert.Equal(t, 1, cache.Len())
			},
		)
	}
}

func TestLookupCacheTimedExpiry(t *testing.T) {
	t.Parallel()
	// 1-second TTL
	cache, err := NewLookupCache[string]("test", CacheStrategyTimed, 1)
	require.NoError(t, err)

	ctx := context.Background()
	fetchCount := 0
	fetch := func(context.Context) (string, error) {
		fetchCount++
		return fmt.Sprintf("value-%d", fetchCount), nil
	}

	v, err := cache.Do(ctx, "key", fetch)
	require.NoError(t, err)
	assert.Equal(t, "value-1", v)

	v, err = cache.Do(ctx, "key", fetch)
	require.NoError(t, err)
	assert.Equal(t, "value-1", v, "should still be cached")

	time.Sleep(1100 * time.Millisecond)

	v, err = cache.Do(ctx, "key", fetch)
	require.NoError(t, err)
	assert.Equal(t, "value-2", v, "expired entry should be refetched")
}

func TestLookupCacheUnknownStrategy(t *testing.T) {
	t.Parallel()
	_, err := NewLookupCache[string]("test", CacheStrategy("bogus"), 1)
	require.Error(t, err)
}
