package vault

import (
	"container/list"
	"sync"
	"time"
)

// tokenCache is a TTL+LRU bounded cache for service tokens, extending the
// teacher's TTL-only GrantCache with an eviction bound so a broker fronting
// many distinct services cannot grow unbounded (§4.C: "TTL 5 min, max 256
// entries").
type tokenCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxItems int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	key       string
	token     string
	expiresAt time.Time
}

func newTokenCache(ttl time.Duration, maxItems int) *tokenCache {
	return &tokenCache{
		ttl:      ttl,
		maxItems: maxItems,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *tokenCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return "", false
	}
	c.order.MoveToFront(el)
	return entry.token, true
}

func (c *tokenCache) Set(key, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).token = token
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, token: token, expiresAt: time.Now().Add(c.ttl)})
	c.entries[key] = el

	for c.order.Len() > c.maxItems {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *tokenCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}
