package gatewarden

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jellydator/ttlcache/v3"
)

// CacheStrategy selects the eviction behavior of a LookupCache.
type CacheStrategy string

const (
	// CacheStrategyLRU evicts the least-recently-used entry once the
	// cache exceeds its capacity.
	CacheStrategyLRU CacheStrategy = "lru"

	// CacheStrategyRaw never evicts automatically; the cache grows until
	// explicitly invalidated.
	CacheStrategyRaw CacheStrategy = "raw"

	// CacheStrategyTimed expires entries a fixed number of seconds after
	// insertion. The capacity parameter doubles as the TTL, in seconds.
	// Expiry is checked lazily on access - there is no background sweep.
	CacheStrategyTimed CacheStrategy = "timed"
)

// LookupCache memoizes the results of an expensive lookup, keyed by a
// caller-built string key. Keys are derived from permission-relevant
// scalars (guild/member/channel IDs, command names) only - storage handles
// never participate, so swapping the underlying connection does not change
// cache identity.
//
// A mutex guards the internal map; the fetch function runs outside the
// lock, so two concurrent misses for the same key both invoke the fetch.
// That duplication is accepted: the cached lookups are idempotent reads,
// and suppressing it isn't worth a per-key wait list.
type LookupCache[T any] struct {
	name     string
	strategy CacheStrategy

	mu    sync.Mutex
	lru   *lru.Cache[string, T]
	raw   map[string]T
	timed *ttlcache.Cache[string, T]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewLookupCache creates a LookupCache with the given strategy. For
// CacheStrategyLRU, capacity is the maximum entry count; for
// CacheStrategyTimed, capacity is the entry TTL in seconds; for
// CacheStrategyRaw it is ignored.
func NewLookupCache[T any](
	name string,
	strategy CacheStrategy,
	capacity int,
) (*LookupCache[T], error) {
	c := &LookupCache[T]{name: name, strategy: strategy}
	switch strategy {
	case CacheStrategyLRU:
		l, err := lru.New[string, T](capacity)
		if err != nil {
			return nil, fmt.Errorf("creating lru cache %q: %w", name, err)
		}
		c.lru = l
	case CacheStrategyRaw:
		c.raw = map[string]T{}
	case CacheStrategyTimed:
		// ttlcache's janitor goroutine is deliberately not started:
		// expired entries are dropped lazily on access.
		c.timed = ttlcache.New[string, T](
			ttlcache.WithTTL[string, T](time.Duration(capacity)*time.Second),
			ttlcache.WithDisableTouchOnHit[string, T](),
		)
	default:
		return nil, fmt.Errorf("unknown cache strategy: %q", strategy)
	}
	return c, nil
}

// Name returns the name the cache was created with.
func (c *LookupCache[T]) Name() string {
	return c.name
}

// Do returns the cached value for key if present; otherwise it invokes
// fetch, stores the result under key, and returns it. If fetch returns an
// error, the error is propagated and nothing is cached.
func (c *LookupCache[T]) Do(
	ctx context.Context,
	key string,
	fetch func(ctx context.Context) (T, error),
) (T, error) {
	if value, ok := c.get(key); ok {
		c.hits.Add(1)
		return value, nil
	}
	c.misses.Add(1)

	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.set(key, value)
	return value, nil
}

// Get returns the cached value for key without invoking any fetch.
func (c *LookupCache[T]) Get(key string) (T, bool) {
	return c.get(key)
}

// Invalidate removes the entry for the given key, returning whether an
// entry was present.
func (c *LookupCache[T]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.strategy {
	case CacheStrategyLRU:
		return c.lru.Remove(key)
	case CacheStrategyRaw:
		_, ok := c.raw[key]
		delete(c.raw, key)
		return ok
	case CacheStrategyTimed:
		present := c.timed.Has(key)
		c.timed.Delete(key)
		return present
	}
	return false
}

// InvalidateContaining removes every entry whose key contains fragment as
// a substring, returning the number of entries removed. Keys are built
// with the owning guild ID as a delimited segment, so passing that segment
// drops every entry scoped to one guild at once.
func (c *LookupCache[T]) InvalidateContaining(fragment string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed int
	switch c.strategy {
	case CacheStrategyLRU:
		for _, k := range c.lru.Keys() {
			if strings.Contains(k, fragment) {
				c.lru.Remove(k)
				removed++
			}
		}
	case CacheStrategyRaw:
		for k := range c.raw {
			if strings.Contains(k, fragment) {
				delete(c.raw, k)
				removed++
			}
		}
	case CacheStrategyTimed:
		for _, k := range c.timed.Keys() {
			if strings.Contains(k, fragment) {
				c.timed.Delete(k)
				removed++
			}
		}
	}
	return removed
}

// Stats returns the hit and miss counters.
func (c *LookupCache[T]) Stats() (hits uint64, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the current number of entries. For the timed strategy this
// may include entries that have expired but not yet been dropped.
func (c *LookupCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.strategy {
	case CacheStrategyLRU:
		return c.lru.Len()
	case CacheStrategyRaw:
		return len(c.raw)
	case CacheStrategyTimed:
		return c.timed.Len()
	}
	return 0
}

func (c *LookupCache[T]) get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.strategy {
	case CacheStrategyLRU:
		return c.lru.Get(key)
	case CacheStrategyRaw:
		v, ok := c.raw[key]
		return v, ok
	case CacheStrategyTimed:
		item := c.timed.Get(key)
		if item == nil || item.IsExpired() {
			var zero T
			return zero, false
		}
		return item.Value(), true
	}
	var zero T
	return zero, false
}

func (c *LookupCache[T]) set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.strategy {
	case CacheStrategyLRU:
		c.lru.Add(key, value)
	case CacheStrategyRaw:
		c.raw[key] = value
	case CacheStrategyTimed:
		c.timed.Set(key, value, ttlcache.DefaultTTL)
	}
}
