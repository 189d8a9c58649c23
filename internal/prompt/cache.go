package prompt

import (
	"container/list"
	"sync"
	"time"
)

const (
	// cacheCapacity bounds the number of composed prompts kept in memory.
	cacheCapacity = 128
	// cacheTTL is how long a composed prompt stays valid. Sections such as
	// the date line make prompts time-sensitive even when the key is stable.
	cacheTTL = 60 * time.Second
)

// promptCache is an LRU of composed system prompts keyed by the canonical
// compose-key string. Any change to a key component (config version, tree
// version, overrides, tool set) produces a different key, so invalidation is
// structural; the TTL handles purely time-dependent content.
type promptCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[string]*list.Element

	now func() time.Time
}

type cacheItem struct {
	key      string
	prompt   string
	storedAt time.Time
}

func newPromptCache(capacity int, ttl time.Duration) *promptCache {
	if capacity <= 0 {
		capacity = cacheCapacity
	}
	if ttl <= 0 {
		ttl = cacheTTL
	}
	return &promptCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (c *promptCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return "", false
	}
	item := elem.Value.(*cacheItem)
	if c.now().Sub(item.storedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.items, key)
		return "", false
	}
	c.order.MoveToFront(elem)
	return item.prompt, true
}

func (c *promptCache) put(key, prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		item := elem.Value.(*cacheItem)
		item.prompt = prompt
		item.storedAt = c.now()
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&cacheItem{key: key, prompt: prompt, storedAt: c.now()})
	c.items[key] = elem

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
	}
}

func (c *promptCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
