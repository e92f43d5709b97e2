package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obentoo/catalogkit/internal/common/logger"
)

// clock is a manually advanced time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 22, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache[V any](t *testing.T, clk *clock, opts ...Option[V]) *Cache[V] {
	t.Helper()
	base := []Option[V]{
		WithCleanupInterval[V](0),
		WithNowFunc[V](clk.Now),
		WithLogger[V](logger.Discard()),
	}
	c := New(append(base, opts...)...)
	t.Cleanup(c.Destroy)
	return c
}

// =============================================================================
// Property-Based Tests
// =============================================================================

// TestCacheTTLBehavior tests that values are served within their TTL and
// missed once it has elapsed
func TestCacheTTLBehavior(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Cache returns value within TTL and misses after", prop.ForAll(
		func(key string, value int, ageSeconds int) bool {
			clk := newClock()
			c := newTestCache[int](t, clk, WithTTL[int](time.Hour))

			if err := c.Set(key, value); err != nil {
				return false
			}

			clk.Advance(time.Duration(ageSeconds) * time.Second)
			got, ok := c.Get(key)
			if !ok || got != value {
				return false
			}

			clk.Advance(time.Hour)
			_, ok = c.Get(key)
			return !ok
		},
		gen.Identifier(),
		gen.Int(),
		gen.IntRange(0, 3599),
	))

	properties.TestingRun(t)
}

// TestCacheEvictionBound tests that the entry cap always holds and the
// least recently inserted entries are the ones evicted
func TestCacheEvictionBound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Cache never exceeds maxEntries", prop.ForAll(
		func(maxEntries int, inserts int) bool {
			clk := newClock()
			c := newTestCache[int](t, clk, WithMaxEntries[int](maxEntries))

			for i := 0; i < inserts; i++ {
				if err := c.Set(fmt.Sprintf("k%d", i), i); err != nil {
					return false
				}
				if c.Len() > maxEntries {
					return false
				}
			}

			// The newest min(inserts, maxEntries) keys must be resident
			for i := inserts - 1; i >= 0 && i >= inserts-maxEntries; i-- {
				if _, ok := c.Get(fmt.Sprintf("k%d", i)); !ok {
					return false
				}
			}
			if inserts > maxEntries {
				if _, ok := c.Get(fmt.Sprintf("k%d", inserts-maxEntries-1)); ok {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}

// =============================================================================
// Unit Tests
// =============================================================================

func TestCacheMissCountedOnce(t *testing.T) {
	clk := newClock()
	c := newTestCache[string](t, clk, WithTTL[string](time.Minute))

	_, ok := c.Get("absent")
	assert.False(t, ok)

	require.NoError(t, c.Set("lodash", "4.17.21"))
	clk.Advance(time.Minute)
	_, ok = c.Get("lodash")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Equal(t, 0, stats.Entries)
}

func TestCachePerEntryTTLOverride(t *testing.T) {
	clk := newClock()
	c := newTestCache[string](t, clk, WithTTL[string](time.Minute))

	require.NoError(t, c.Set("short", "a"))
	require.NoError(t, c.Set("long", "b", 10*time.Minute))

	clk.Advance(2 * time.Minute)
	_, ok := c.Get("short")
	assert.False(t, ok)
	v, ok := c.Get("long")
	assert.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestCacheSetRefreshesExistingKey(t *testing.T) {
	clk := newClock()
	c := newTestCache[int](t, clk, WithTTL[int](time.Minute), WithMaxEntries[int](2))

	require.NoError(t, c.Set("a", 1))
	require.NoError(t, c.Set("b", 2))
	clk.Advance(30 * time.Second)
	// Refreshing "a" moves it behind "b" in insertion order
	require.NoError(t, c.Set("a", 3))
	require.NoError(t, c.Set("c", 4))

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	clk.Advance(45 * time.Second)
	_, ok = c.Get("a")
	assert.True(t, ok, "refreshed entry should use its new timestamp")
}

func TestCacheSizeEviction(t *testing.T) {
	clk := newClock()
	c := newTestCache[string](t, clk,
		WithMaxSize[string](10),
		WithSizeFunc[string](func(s string) int64 { return int64(len(s)) }),
	)

	require.NoError(t, c.Set("a", "aaaa"))
	require.NoError(t, c.Set("b", "bbbb"))
	assert.Equal(t, int64(8), c.Size())

	require.NoError(t, c.Set("c", "cccc"))
	assert.LessOrEqual(t, c.Size(), int64(10))
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)

	// An oversized value still lands, alone
	require.NoError(t, c.Set("big", "0123456789abcdef"))
	assert.Equal(t, 1, c.Len())
	_, ok = c.Get("big")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, c.Stats().Evictions, int64(3))
}

func TestCacheCleanupRemovesOnlyExpired(t *testing.T) {
	clk := newClock()
	c := newTestCache[int](t, clk, WithTTL[int](time.Minute))

	require.NoError(t, c.Set("old1", 1))
	require.NoError(t, c.Set("old2", 2))
	require.NoError(t, c.Set("fresh", 3, time.Hour))
	// re-setting leaves a stale heap node behind
	require.NoError(t, c.Set("old1", 4))

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 2, c.Cleanup())
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("fresh")
	assert.True(t, ok)
	assert.Equal(t, 0, c.Cleanup())
}

func TestCacheDeleteAndClear(t *testing.T) {
	clk := newClock()
	c := newTestCache[int](t, clk)

	require.NoError(t, c.Set("a", 1))
	require.NoError(t, c.Set("b", 2))
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Size())
}

func TestCacheDestroy(t *testing.T) {
	clk := newClock()
	c := New(WithNowFunc[int](clk.Now), WithLogger[int](logger.Discard()))

	require.NoError(t, c.Set("a", 1))
	c.Destroy()
	c.Destroy()

	assert.ErrorIs(t, c.Set("b", 2), ErrDestroyed)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheDiskRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clk := newClock()

	first := New(
		WithDiskDir[string](dir),
		WithCleanupInterval[string](0),
		WithNowFunc[string](clk.Now),
		WithLogger[string](logger.Discard()),
		WithTTL[string](time.Hour),
	)
	first.WaitLoaded()
	require.NoError(t, first.Set("react", "18.3.1"))
	require.NoError(t, first.Set("vue", "3.4.0"))
	require.NoError(t, first.Set("short", "x", time.Minute))
	first.Delete("vue")
	first.Destroy()

	_, err := os.Stat(filepath.Join(dir, indexFileName))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, entryFileName("react")))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, entryFileName("vue")))
	assert.True(t, os.IsNotExist(err))

	clk.Advance(5 * time.Minute)
	second := New(
		WithDiskDir[string](dir),
		WithCleanupInterval[string](0),
		WithNowFunc[string](clk.Now),
		WithLogger[string](logger.Discard()),
	)
	defer second.Destroy()
	second.WaitLoaded()

	v, ok := second.Get("react")
	assert.True(t, ok)
	assert.Equal(t, "18.3.1", v)
	_, ok = second.Get("vue")
	assert.False(t, ok)
	_, ok = second.Get("short")
	assert.False(t, ok, "entries expired while offline are not restored")
}

func TestCacheRestoreKeepsStoredOrder(t *testing.T) {
	clk := newClock()
	start := clk.Now()
	c := newTestCache[int](t, clk, WithTTL[int](time.Hour), WithMaxEntries[int](3))

	clk.Advance(30 * time.Minute)
	require.NoError(t, c.Set("fresh", 1))

	c.mu.Lock()
	restored := c.restoreLocked([]diskRecord[int]{
		{Key: "older", Value: 2, CreatedAt: start.Add(10 * time.Minute), TTL: time.Hour},
		{Key: "oldest", Value: 3, CreatedAt: start, TTL: time.Hour},
		{Key: "stale", Value: 4, CreatedAt: start.Add(-2 * time.Hour), TTL: time.Hour},
	})
	c.mu.Unlock()
	assert.Equal(t, 2, restored)
	assert.Equal(t, 3, c.Len())

	require.NoError(t, c.Set("a", 5))
	_, ok := c.Get("oldest")
	assert.False(t, ok, "oldest restored entry should be evicted first")
	_, ok = c.Get("fresh")
	assert.True(t, ok)

	require.NoError(t, c.Set("b", 6))
	_, ok = c.Get("older")
	assert.False(t, ok)
	_, ok = c.Get("fresh")
	assert.True(t, ok, "entries newer than every restored one outlive them")
}

func TestCacheRestoreEnforcesLimitsOldestFirst(t *testing.T) {
	clk := newClock()
	start := clk.Now()
	c := newTestCache[int](t, clk, WithTTL[int](time.Hour), WithMaxEntries[int](2))

	clk.Advance(time.Minute)
	c.mu.Lock()
	c.restoreLocked([]diskRecord[int]{
		{Key: "new", Value: 1, CreatedAt: start.Add(30 * time.Second), TTL: time.Hour},
		{Key: "old", Value: 2, CreatedAt: start, TTL: time.Hour},
		{Key: "mid", Value: 3, CreatedAt: start.Add(10 * time.Second), TTL: time.Hour},
	})
	c.mu.Unlock()

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("old")
	assert.False(t, ok)
	_, ok = c.Get("mid")
	assert.True(t, ok)
	_, ok = c.Get("new")
	assert.True(t, ok)
}

func TestCacheCorruptIndexIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFileName), []byte("{not json"), 0644))

	clk := newClock()
	c := New(
		WithDiskDir[string](dir),
		WithCleanupInterval[string](0),
		WithNowFunc[string](clk.Now),
		WithLogger[string](logger.Discard()),
	)
	defer c.Destroy()
	c.WaitLoaded()

	assert.Equal(t, 0, c.Len())
	require.NoError(t, c.Set("a", "1"))
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New(WithLogger[int](logger.Discard()), WithMaxEntries[int](50))
	defer c.Destroy()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%75)
				_ = c.Set(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}
