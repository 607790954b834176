package statecache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/ocx/qrc-bridge/internal/events"
)

// Source classifies where a ControlState's value came from.
type Source string

const (
	SourceUser    Source = "USER"
	SourceQSYS    Source = "QSYS"
	SourceCache   Source = "CACHE"
	SourceInitial Source = "INITIAL"
)

// Entry is a cached ControlState. JSON tags let it round-trip through the
// optional Redis backend and the persistence layer unchanged.
type Entry struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
	Source    Source      `json:"source"`
}

// EvictionReason labels why an entry left the cache.
type EvictionReason string

const (
	ReasonLRU    EvictionReason = "lru"
	ReasonTTL    EvictionReason = "ttl"
	ReasonMemory EvictionReason = "memory"
	ReasonManual EvictionReason = "manual"
)

type node struct {
	name    string
	entry   Entry
	ttl     time.Duration
	expires time.Time // zero means no expiry
}

// Cache is an O(1) get/set/delete LRU with per-entry TTL, keyed by fully
// qualified control name. Eviction (LRU or TTL sweep) emits a cacheEvicted
// event carrying the key, value, and reason.
type Cache struct {
	mu sync.Mutex

	maxEntries int
	defaultTTL time.Duration

	ll    *list.List // front = most-recently-used
	items map[string]*list.Element

	emitter events.Emitter
	source  string // event source tag
	backend *RedisBackend

	hits, misses, evictions uint64
	startedAt               time.Time
}

// Config configures the cache.
type Config struct {
	MaxEntries int
	DefaultTTL time.Duration
	Emitter    events.Emitter
}

// New creates a Cache. MaxEntries <= 0 defaults to 1000 per spec.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	return &Cache{
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.DefaultTTL,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		emitter:    cfg.Emitter,
		source:     "statecache",
		startedAt:  time.Now(),
	}
}

// SetBackend attaches a RedisBackend for multi-instance write-through: every
// local Set/Delete is mirrored to Redis, and a local miss falls back to a
// Redis read before being reported as absent. Passing nil detaches it.
func (c *Cache) SetBackend(b *RedisBackend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backend = b
}

// Get returns the cached entry for name if present and unexpired, touching
// it as most-recently-used.
func (c *Cache) Get(name string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[name]
	if !ok {
		c.misses++
		return c.getFromBackend(name)
	}

	n := el.Value.(*node)
	if !n.expires.IsZero() && time.Now().After(n.expires) {
		c.removeElement(el, ReasonTTL)
		c.misses++
		return c.getFromBackend(name)
	}

	c.ll.MoveToFront(el)
	c.hits++
	return n.entry, true
}

// getFromBackend is the Redis read-through fallback for a local miss. Must
// be called with c.mu held; it does not repopulate the local LRU so a
// remote-only hit never displaces a local entry on its own.
func (c *Cache) getFromBackend(name string) (Entry, bool) {
	if c.backend == nil {
		return Entry{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry, ok, err := c.backend.Get(ctx, name)
	if err != nil || !ok {
		return Entry{}, false
	}
	return entry, true
}

// Set inserts or updates an entry, using ttl if > 0 or the cache default
// otherwise (0 meaning no expiry). Evicts the LRU entry first if inserting
// a new key would exceed maxEntries.
func (c *Cache) Set(name string, value interface{}, source Source, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	effectiveTTL := ttl
	if effectiveTTL == 0 {
		effectiveTTL = c.defaultTTL
	}

	entry := Entry{Name: name, Value: value, Timestamp: time.Now(), Source: source}
	var expires time.Time
	if effectiveTTL > 0 {
		expires = entry.Timestamp.Add(effectiveTTL)
	}

	if el, ok := c.items[name]; ok {
		n := el.Value.(*node)
		n.entry = entry
		n.ttl = effectiveTTL
		n.expires = expires
		c.ll.MoveToFront(el)
		c.writeThrough(name, entry, effectiveTTL)
		return
	}

	if len(c.items) >= c.maxEntries {
		c.evictOldest()
	}

	n := &node{name: name, entry: entry, ttl: effectiveTTL, expires: expires}
	el := c.ll.PushFront(n)
	c.items[name] = el
	c.writeThrough(name, entry, effectiveTTL)
}

// writeThrough mirrors an entry to the Redis backend, if one is attached.
// Must be called with c.mu held.
func (c *Cache) writeThrough(name string, entry Entry, ttl time.Duration) {
	if c.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.backend.Set(ctx, name, entry, ttl)
}

// Delete removes name from the cache, reporting whether it was present.
func (c *Cache) Delete(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[name]
	if !ok {
		return false
	}
	c.removeElement(el, ReasonManual)

	if c.backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		c.backend.Del(ctx, name)
		cancel()
	}
	return true
}

// Has reports whether name is present and unexpired, without affecting LRU
// order.
func (c *Cache) Has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[name]
	if !ok {
		return false
	}
	n := el.Value.(*node)
	return n.expires.IsZero() || time.Now().Before(n.expires)
}

// Keys returns every unexpired key currently cached.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	out := make([]string, 0, len(c.items))
	for name, el := range c.items {
		n := el.Value.(*node)
		if n.expires.IsZero() || now.Before(n.expires) {
			out = append(out, name)
		}
	}
	return out
}

// Len returns the current number of entries, including any not yet swept
// for TTL expiry.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear removes every entry without emitting individual eviction events.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

// SweepExpired removes all entries past their TTL, emitting a cacheEvicted
// event per entry. Intended to be called on a timer (cleanupIntervalMs).
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		n := el.Value.(*node)
		if !n.expires.IsZero() && now.After(n.expires) {
			c.removeElement(el, ReasonTTL)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *Cache) evictOldest() {
	el := c.ll.Back()
	if el != nil {
		c.removeElement(el, ReasonLRU)
	}
}

// removeElement removes el and emits a cacheEvicted event. Must be called
// with c.mu held.
func (c *Cache) removeElement(el *list.Element, reason EvictionReason) {
	n := el.Value.(*node)
	c.ll.Remove(el)
	delete(c.items, n.name)
	c.evictions++

	if c.emitter != nil {
		c.emitter.Emit(events.TypeCacheEvicted, c.source, n.name, map[string]interface{}{
			"key":    n.name,
			"value":  n.entry.Value,
			"reason": string(reason),
		})
	}
}

// Statistics is the CacheStatistics entity: running counters plus hit
// ratio and uptime.
type Statistics struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
	HitRatio  float64
	UptimeMs  int64
}

// Stats returns a snapshot of running cache counters.
func (c *Cache) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(c.hits) / float64(total)
	}

	return Statistics{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.items),
		HitRatio:  ratio,
		UptimeMs:  time.Since(c.startedAt).Milliseconds(),
	}
}
