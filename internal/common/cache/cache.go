// Package cache provides a generic TTL cache with capacity limits and
// optional best-effort disk persistence.
//
// A Cache is safe for concurrent use. Expired entries are dropped lazily on
// Get and periodically by a background cleanup loop which only visits
// entries whose expiry has actually passed. When a disk directory is
// configured, writes happen on a background goroutine and never fail the
// caller: the in-memory map is the source of truth.
package cache

import (
	"container/heap"
	"container/list"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/obentoo/catalogkit/internal/common/logger"
)

// Error variables for cache errors
var (
	// ErrDestroyed is returned when a destroyed cache is used
	ErrDestroyed = errors.New("cache has been destroyed")
)

// Default limits
const (
	// DefaultTTL is the default time-to-live for cache entries
	DefaultTTL = 10 * time.Minute
	// DefaultMaxEntries is the default maximum number of resident entries
	DefaultMaxEntries = 5000
	// DefaultMaxSize is the default maximum aggregate estimated size in bytes
	DefaultMaxSize = 64 << 20
	// DefaultCleanupInterval is how often expired entries are swept
	DefaultCleanupInterval = time.Minute
)

// Entry is a single cached value.
type Entry[V any] struct {
	Key       string
	Value     V
	CreatedAt time.Time
	TTL       time.Duration
	Size      int64

	expiresAt  time.Time
	generation uint64
	elem       *list.Element
}

func (e *Entry[V]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Entries     int   `json:"entries"`
	Bytes       int64 `json:"bytes"`
}

// Cache is a key/value store with per-entry TTL.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[V]
	// order holds keys from oldest to newest insertion
	order *list.List
	// expiry is a min-heap on expiry time
	expiry  expiryHeap
	nextGen uint64
	bytes   int64
	stats   Stats

	ttl             time.Duration
	maxEntries      int
	maxSize         int64
	cleanupInterval time.Duration
	nowFunc         func() time.Time
	sizeFunc        func(V) int64
	log             *logger.Logger

	disk      *diskStore[V]
	stop      chan struct{}
	done      chan struct{}
	destroyed bool
}

// Option is a functional option for configuring Cache
type Option[V any] func(*Cache[V])

// WithTTL sets the default TTL for entries stored without an explicit TTL
func WithTTL[V any](ttl time.Duration) Option[V] {
	return func(c *Cache[V]) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxEntries caps the number of resident entries
func WithMaxEntries[V any](n int) Option[V] {
	return func(c *Cache[V]) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithMaxSize caps the aggregate estimated byte size of resident entries
func WithMaxSize[V any](bytes int64) Option[V] {
	return func(c *Cache[V]) {
		if bytes > 0 {
			c.maxSize = bytes
		}
	}
}

// WithCleanupInterval sets how often the background sweep runs.
// A zero or negative interval disables the background loop.
func WithCleanupInterval[V any](d time.Duration) Option[V] {
	return func(c *Cache[V]) {
		c.cleanupInterval = d
	}
}

// WithNowFunc sets a custom time function for testing
func WithNowFunc[V any](fn func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		c.nowFunc = fn
	}
}

// WithSizeFunc overrides the entry size estimator
func WithSizeFunc[V any](fn func(V) int64) Option[V] {
	return func(c *Cache[V]) {
		c.sizeFunc = fn
	}
}

// WithDiskDir enables persistence under dir
func WithDiskDir[V any](dir string) Option[V] {
	return func(c *Cache[V]) {
		if dir != "" {
			c.disk = &diskStore[V]{dir: dir}
		}
	}
}

// WithLogger sets the logger used for persistence diagnostics
func WithLogger[V any](l *logger.Logger) Option[V] {
	return func(c *Cache[V]) {
		c.log = l
	}
}

// New creates a cache. When a disk directory is configured the persisted
// index is loaded in the background; use WaitLoaded to block on it.
func New[V any](opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		entries:         make(map[string]*Entry[V]),
		order:           list.New(),
		ttl:             DefaultTTL,
		maxEntries:      DefaultMaxEntries,
		maxSize:         DefaultMaxSize,
		cleanupInterval: DefaultCleanupInterval,
		nowFunc:         time.Now,
		sizeFunc:        jsonSize[V],
		log:             logger.Default(),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.disk != nil {
		c.disk.start(c.log)
		go c.loadFromDisk()
	}

	if c.cleanupInterval > 0 {
		go c.cleanupLoop()
	} else {
		close(c.done)
	}

	return c
}

// jsonSize estimates an entry size from its JSON encoding.
func jsonSize[V any](v V) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// Get returns the value for key if present and not expired.
// A missing or expired key counts as exactly one miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if c.destroyed {
		return zero, false
	}

	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if entry.expired(c.nowFunc()) {
		c.removeLocked(entry)
		c.stats.Expirations++
		c.stats.Misses++
		c.disk.remove(key)
		return zero, false
	}

	c.stats.Hits++
	return entry.Value, true
}

// Set stores value under key. An optional ttl overrides the default.
// Setting an existing key refreshes its timestamp and insertion position.
func (c *Cache[V]) Set(key string, value V, ttl ...time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return ErrDestroyed
	}

	d := c.ttl
	if len(ttl) > 0 && ttl[0] > 0 {
		d = ttl[0]
	}

	entry := c.setLocked(key, value, c.nowFunc(), d)
	c.disk.write(entry)
	return nil
}

// setLocked inserts or refreshes an entry. Caller must hold mu.
func (c *Cache[V]) setLocked(key string, value V, createdAt time.Time, ttl time.Duration) *Entry[V] {
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	entry := c.addLocked(key, value, createdAt, ttl)
	c.evictLocked(key)
	return entry
}

// addLocked links a new entry without enforcing the limits
func (c *Cache[V]) addLocked(key string, value V, createdAt time.Time, ttl time.Duration) *Entry[V] {
	c.nextGen++
	entry := &Entry[V]{
		Key:        key,
		Value:      value,
		CreatedAt:  createdAt,
		TTL:        ttl,
		Size:       c.sizeFunc(value),
		expiresAt:  createdAt.Add(ttl),
		generation: c.nextGen,
	}
	c.insertLocked(entry)
	c.entries[key] = entry
	c.bytes += entry.Size
	heap.Push(&c.expiry, expiryNode{key: key, expiresAt: entry.expiresAt, generation: entry.generation})
	return entry
}

// insertLocked links entry into the eviction order by CreatedAt. Fresh
// entries land at the back immediately; only restored ones walk the list.
func (c *Cache[V]) insertLocked(entry *Entry[V]) {
	for e := c.order.Back(); e != nil; e = e.Prev() {
		if !e.Value.(*Entry[V]).CreatedAt.After(entry.CreatedAt) {
			entry.elem = c.order.InsertAfter(entry, e)
			return
		}
	}
	entry.elem = c.order.PushFront(entry)
}

// evictLocked drops the oldest inserted entries until both limits hold.
// The entry named keep is never evicted so an oversized value still lands.
func (c *Cache[V]) evictLocked(keep string) {
	for len(c.entries) > c.maxEntries || (c.bytes > c.maxSize && len(c.entries) > 1) {
		front := c.order.Front()
		if front == nil {
			return
		}
		oldest := front.Value.(*Entry[V])
		if oldest.Key == keep {
			if front.Next() == nil {
				return
			}
			oldest = front.Next().Value.(*Entry[V])
		}
		c.removeLocked(oldest)
		c.stats.Evictions++
		c.disk.remove(oldest.Key)
	}
}

// removeLocked unlinks an entry. Its heap node becomes stale and is
// discarded when it reaches the top.
func (c *Cache[V]) removeLocked(entry *Entry[V]) {
	delete(c.entries, entry.Key)
	c.order.Remove(entry.elem)
	c.bytes -= entry.Size
}

// Delete removes key from the cache.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.removeLocked(entry)
		c.disk.remove(key)
	}
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		c.disk.remove(key)
	}
	c.entries = make(map[string]*Entry[V])
	c.order.Init()
	c.expiry = nil
	c.bytes = 0
}

// Len returns the number of resident entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the aggregate estimated size of resident entries.
func (c *Cache[V]) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.Bytes = c.bytes
	return s
}

// Cleanup removes expired entries and returns how many were removed.
// Only heap nodes whose expiry has passed are visited.
func (c *Cache[V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	removed := 0
	for c.expiry.Len() > 0 {
		top := c.expiry[0]
		if now.Before(top.expiresAt) {
			break
		}
		heap.Pop(&c.expiry)

		entry, ok := c.entries[top.key]
		if !ok || entry.generation != top.generation {
			continue // stale node
		}
		c.removeLocked(entry)
		c.stats.Expirations++
		c.disk.remove(entry.Key)
		removed++
	}
	return removed
}

func (c *Cache[V]) cleanupLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Cleanup(); n > 0 {
				c.log.Debug("cache: expired %d entries", n)
			}
		case <-c.stop:
			return
		}
	}
}

// WaitLoaded blocks until the background disk load has finished.
// It returns immediately for memory-only caches.
func (c *Cache[V]) WaitLoaded() {
	if c.disk != nil {
		<-c.disk.loaded
	}
}

// Destroy stops background work and rejects further use. Pending disk
// writes are flushed before it returns. Destroy is idempotent.
func (c *Cache[V]) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.entries = make(map[string]*Entry[V])
	c.order.Init()
	c.expiry = nil
	c.bytes = 0
	c.mu.Unlock()

	close(c.stop)
	<-c.done
	if c.disk != nil {
		<-c.disk.loaded
		c.disk.close()
	}
}

// loadFromDisk restores persisted, unexpired entries that are not already
// present in memory.
func (c *Cache[V]) loadFromDisk() {
	defer close(c.disk.loaded)

	records := c.disk.load(c.log)
	if len(records) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	restored := c.restoreLocked(records)
	c.log.Debug("cache: restored %d entries from %s", restored, c.disk.dir)
}

// restoreLocked adds persisted records that are neither live nor expired.
// Limits are enforced once all records are placed so the oldest go first.
func (c *Cache[V]) restoreLocked(records []diskRecord[V]) int {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	now := c.nowFunc()
	restored := 0
	for _, rec := range records {
		if _, exists := c.entries[rec.Key]; exists {
			continue
		}
		if !now.Before(rec.CreatedAt.Add(rec.TTL)) {
			c.disk.remove(rec.Key)
			continue
		}
		c.addLocked(rec.Key, rec.Value, rec.CreatedAt, rec.TTL)
		restored++
	}
	c.evictLocked("")
	return restored
}
