package listrelay

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultCacheTTL      = time.Hour
	defaultSweepInterval = 5 * time.Minute
	defaultMaxEntries    = 10000
)

type CacheStats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Writes        uint64 `json:"writes"`
	Expired       uint64 `json:"expired"`
	Invalidations uint64 `json:"invalidations"`
	Evictions     uint64 `json:"evictions"`
	Size          int    `json:"size"`
	ApproxMemory  int64  `json:"approxMemory"`
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
	size      int64
}

type CacheOptions struct {
	MaxEntries    int
	DefaultTTL    time.Duration
	NamespaceTTLs map[string]time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// Cache is a process-wide key/value table with per-entry expiration. Each
// instance owns its entries and statistics, so tests and embedders can run
// isolated copies side by side.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry

	maxEntries    int
	defaultTTL    time.Duration
	namespaceTTLs map[string]time.Duration
	now           func() time.Time

	hits          atomic.Uint64
	misses        atomic.Uint64
	writes        atomic.Uint64
	expired       atomic.Uint64
	invalidations atomic.Uint64
	evictions     atomic.Uint64
	approxMemory  atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

func NewCache(opts CacheOptions) *Cache {
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	defaultTTL := opts.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = DefaultCacheTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = defaultSweepInterval
	}
	namespaceTTLs := map[string]time.Duration{}
	for namespace, ttl := range opts.NamespaceTTLs {
		if ttl > 0 {
			namespaceTTLs[normalizeScheme(namespace)] = ttl
		}
	}
	c := &Cache{
		entries:       map[string]*cacheEntry{},
		maxEntries:    maxEntries,
		defaultTTL:    defaultTTL,
		namespaceTTLs: namespaceTTLs,
		now:           now,
		closed:        make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// CacheKey builds the canonical key for a logical query: namespace, entity
// type, entity id, and an alphabetically ordered filter representation, so
// identical queries map to the same key regardless of filter order.
func CacheKey(namespace, entityType, entityID string, filters map[string]string) string {
	var b strings.Builder
	b.WriteString(namespace)
	b.WriteString(":")
	b.WriteString(entityType)
	b.WriteString(":")
	b.WriteString(entityID)
	b.WriteString(":")
	if len(filters) > 0 {
		keys := make([]string, 0, len(filters))
		for key := range filters {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for i, key := range keys {
			if i > 0 {
				b.WriteString("&")
			}
			b.WriteString(key)
			b.WriteString("=")
			b.WriteString(filters[key])
		}
	}
	return b.String()
}

// Put stores value under key. ttl <= 0 falls back to the key's namespace
// default, then to the cache default.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.ttlForKey(key)
	}
	entry := &cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
		size:      approxEntrySize(key, value),
	}
	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		c.approxMemory.Add(-existing.size)
	} else if len(c.entries) >= c.maxEntries {
		// Evict entries nearest to expiration. Best effort: the write always
		// proceeds, so size can transiently overshoot by one entry.
		c.evictLocked(len(c.entries) - c.maxEntries + 1)
	}
	c.entries[key] = entry
	c.approxMemory.Add(entry.size)
	c.mu.Unlock()
	c.writes.Add(1)
	metricCacheWrites.Inc()
}

// Get returns the live value for key. Expired-but-present entries report
// ErrCacheExpired, count as both a miss and an expiry, and are removed; the
// dropped value is still returned alongside the error so callers can decide
// to serve it stale.
func (c *Cache) Get(key string) (any, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		metricCacheMisses.Inc()
		return nil, ErrNotFound
	}
	if c.now().After(entry.expiresAt) {
		c.removeEntry(key, entry)
		c.misses.Add(1)
		c.expired.Add(1)
		metricCacheMisses.Inc()
		return entry.value, ErrCacheExpired
	}
	c.hits.Add(1)
	metricCacheHits.Inc()
	return entry.value, nil
}

// GetStale returns a physically present value regardless of expiry. The
// facade uses it as an explicit fallback when the remote service is down; it
// does not touch the hit/miss counters.
func (c *Cache) GetStale(key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return entry.value, true
}

func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		c.approxMemory.Add(-entry.size)
		delete(c.entries, key)
	}
	c.mu.Unlock()
	c.invalidations.Add(1)
}

// InvalidateFunc removes every entry whose key matches the predicate.
func (c *Cache) InvalidateFunc(match func(key string) bool) {
	if match == nil {
		return
	}
	c.mu.Lock()
	for key, entry := range c.entries {
		if match(key) {
			c.approxMemory.Add(-entry.size)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
	c.invalidations.Add(1)
}

func (c *Cache) InvalidatePrefix(prefix string) {
	c.InvalidateFunc(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = map[string]*cacheEntry{}
	c.mu.Unlock()
	c.approxMemory.Store(0)
}

func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Writes:        c.writes.Load(),
		Expired:       c.expired.Load(),
		Invalidations: c.invalidations.Load(),
		Evictions:     c.evictions.Load(),
		Size:          size,
		ApproxMemory:  c.approxMemory.Load(),
	}
}

func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *Cache) ttlForKey(key string) time.Duration {
	if idx := strings.Index(key, ":"); idx > 0 {
		if ttl, ok := c.namespaceTTLs[key[:idx]]; ok {
			return ttl
		}
	}
	return c.defaultTTL
}

// removeEntry deletes key only if it still points at the observed entry, so
// a concurrent Put is never clobbered.
func (c *Cache) removeEntry(key string, observed *cacheEntry) {
	c.mu.Lock()
	if current, ok := c.entries[key]; ok && current == observed {
		c.approxMemory.Add(-current.size)
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

func (c *Cache) evictLocked(need int) {
	if need <= 0 {
		return
	}
	type candidate struct {
		key       string
		expiresAt time.Time
	}
	candidates := make([]candidate, 0, len(c.entries))
	for key, entry := range c.entries {
		candidates = append(candidates, candidate{key: key, expiresAt: entry.expiresAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].expiresAt.Before(candidates[j].expiresAt)
	})
	if need > len(candidates) {
		need = len(candidates)
	}
	for _, victim := range candidates[:need] {
		if entry, ok := c.entries[victim.key]; ok {
			c.approxMemory.Add(-entry.size)
			delete(c.entries, victim.key)
			c.evictions.Add(1)
			metricCacheEvictions.Inc()
		}
	}
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes physically expired entries so memory stays bounded even
// without read traffic.
func (c *Cache) sweep() {
	now := c.now()
	c.mu.Lock()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			c.approxMemory.Add(-entry.size)
			delete(c.entries, key)
			c.expired.Add(1)
		}
	}
	c.mu.Unlock()
}

func approxEntrySize(key string, value any) int64 {
	size := int64(len(key))
	switch v := value.(type) {
	case string:
		size += int64(len(v))
	case []byte:
		size += int64(len(v))
	case json.RawMessage:
		size += int64(len(v))
	default:
		if encoded, err := json.Marshal(v); err == nil {
			size += int64(len(encoded))
		} else {
			size += 64
		}
	}
	return size
}
