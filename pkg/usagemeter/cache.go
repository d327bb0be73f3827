package usagemeter

import (
	"container/list"
	"sync"
	"time"
)

// TierCache caches the tier resolved for each user
// to keep entitlement lookups off the hot path.
type TierCache interface {
	// Get returns the cached tier and true if present and not expired
	Get(userID string) (string, bool)

	// Set stores a tier with TTL
	Set(userID, tier string, ttl time.Duration)

	// Invalidate removes a user's cached tier
	Invalidate(userID string)

	// Clear removes all entries
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// CacheConfig configures tier caching
type CacheConfig struct {
	// Enabled turns the tier cache on
	Enabled bool

	// TTL is how long a resolved tier is trusted (default: 1 minute)
	TTL time.Duration

	// MaxEntries bounds the number of cached users (default: 10000)
	MaxEntries int
}

// NoopTierCache caches nothing. Used when caching is disabled.
type NoopTierCache struct{}

func (NoopTierCache) Get(string) (string, bool)         { return "", false }
func (NoopTierCache) Set(string, string, time.Duration) {}
func (NoopTierCache) Invalidate(string)                 {}
func (NoopTierCache) Clear()                            {}
func (NoopTierCache) Stats() CacheStats                 { return CacheStats{} }

type tierEntry struct {
	userID     string
	tier       string
	expiration time.Time
}

// LRUTierCache is an in-memory LRU cache with per-entry TTL
type LRUTierCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front is most recently used
	maxEntries int
	clock      Clock

	hits      int64
	misses    int64
	evictions int64
}

// NewLRUTierCache creates a cache holding at most maxEntries users
func NewLRUTierCache(maxEntries int, clock Clock) *LRUTierCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &LRUTierCache{
		entries:    make(map[string]*list.Element, maxEntries),
		order:      list.New(),
		maxEntries: maxEntries,
		clock:      clock,
	}
}

func (c *LRUTierCache) Get(userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[userID]
	if !ok {
		c.misses++
		return "", false
	}
	entry := el.Value.(*tierEntry)
	if !c.clock.Now().Before(entry.expiration) {
		c.order.Remove(el)
		delete(c.entries, userID)
		c.misses++
		return "", false
	}

	c.order.MoveToFront(el)
	c.hits++
	return entry.tier, true
}

func (c *LRUTierCache) Set(userID, tier string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiration := c.clock.Now().Add(ttl)
	if el, ok := c.entries[userID]; ok {
		entry := el.Value.(*tierEntry)
		entry.tier = tier
		entry.expiration = expiration
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxEntries {
		if oldest := c.order.Back(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*tierEntry).userID)
			c.evictions++
		}
	}

	c.entries[userID] = c.order.PushFront(&tierEntry{
		userID:     userID,
		tier:       tier,
		expiration: expiration,
	})
}

func (c *LRUTierCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[userID]; ok {
		c.order.Remove(el)
		delete(c.entries, userID)
	}
}

func (c *LRUTierCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element, c.maxEntries)
	c.order.Init()
}

func (c *LRUTierCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
	}
}
