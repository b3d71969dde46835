package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/reviewpulse/statcache/pkg/stat"
)

// FallbackCache is a bounded in-process store of cache entries, kept warm on
// every write so requests survive loss of the primary backend. Eviction is
// LRU by entry count; a janitor goroutine sweeps entries past hard expiry.
type FallbackCache struct {
	mu         sync.RWMutex
	maxEntries int
	items      map[stat.Key]*fallbackItem
	evictList  *list.List

	stopJanitor chan struct{}
	stopOnce    sync.Once
}

type fallbackItem struct {
	key     stat.Key
	entry   stat.Entry
	element *list.Element
}

// NewFallbackCache creates a fallback cache holding at most maxEntries
// entries, sweeping expired ones every cleanupInterval.
func NewFallbackCache(maxEntries int, cleanupInterval time.Duration) *FallbackCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	c := &FallbackCache{
		maxEntries:  maxEntries,
		items:       make(map[stat.Key]*fallbackItem),
		evictList:   list.New(),
		stopJanitor: make(chan struct{}),
	}

	go c.janitor(cleanupInterval)

	return c
}

// Get returns the entry for key. Entries past hard expiry are treated as
// absent and removed.
func (c *FallbackCache) Get(key stat.Key) (stat.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return stat.Entry{}, false
	}
	if !item.entry.Usable(time.Now()) {
		c.removeItemLocked(key)
		return stat.Entry{}, false
	}

	c.evictList.MoveToFront(item.element)
	return item.entry, true
}

// Set stores or replaces the entry for key, evicting the least recently
// used entry when the cache is full.
func (c *FallbackCache) Set(key stat.Key, entry stat.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		item.entry = entry
		c.evictList.MoveToFront(item.element)
		return
	}

	item := &fallbackItem{key: key, entry: entry}
	item.element = c.evictList.PushFront(item)
	c.items[key] = item

	for len(c.items) > c.maxEntries {
		c.evictOldestLocked()
	}
}

// Delete removes the entry for key if present.
func (c *FallbackCache) Delete(key stat.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeItemLocked(key)
}

// Len returns the current number of entries.
func (c *FallbackCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear removes all entries.
func (c *FallbackCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[stat.Key]*fallbackItem)
	c.evictList.Init()
}

// Keys returns all keys currently held. Used by the prune job enumerator.
func (c *FallbackCache) Keys() []stat.Key {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]stat.Key, 0, len(c.items))
	for key := range c.items {
		keys = append(keys, key)
	}
	return keys
}

// Close stops the janitor goroutine.
func (c *FallbackCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopJanitor)
	})
}

func (c *FallbackCache) removeItemLocked(key stat.Key) {
	item, exists := c.items[key]
	if !exists {
		return
	}
	c.evictList.Remove(item.element)
	delete(c.items, key)
}

func (c *FallbackCache) evictOldestLocked() {
	element := c.evictList.Back()
	if element == nil {
		return
	}
	item := element.Value.(*fallbackItem)
	c.removeItemLocked(item.key)
}

func (c *FallbackCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopJanitor:
			return
		case <-ticker.C:
			c.SweepExpired()
		}
	}
}

// SweepExpired removes all entries past hard expiry and returns how many
// were removed. Called by the janitor and by the prune job.
func (c *FallbackCache) SweepExpired() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []stat.Key
	for key, item := range c.items {
		if !item.entry.Usable(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeItemLocked(key)
	}
	return len(expired)
}
