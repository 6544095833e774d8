package executor

import "container/list"

// accountCache is a small fixed-capacity LRU over recently read accounts,
// per §4.4's "a small LRU caches recent account and storage reads".
// original_source's lru_cache.rs tracks insertion order with a BTreeMap
// keyed by a monotonic counter; the same recency-eviction behavior is more
// idiomatically expressed in Go with container/list (intrusive doubly
// linked list) backing a map, the standard library's own LRU building
// block — no pack example imports a third-party LRU, so this stays stdlib.
type accountCache struct {
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

type cacheKey struct {
	addr [20]byte
	key  [32]byte // zero for an account-level entry
}

type cacheEntry struct {
	key   cacheKey
	value any
}

func newAccountCache(capacity int) *accountCache {
	return &accountCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

func (c *accountCache) get(k cacheKey) (any, bool) {
	el, ok := c.items[k]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).value, true
}

func (c *accountCache) put(k cacheKey, value any) {
	if el, ok := c.items[k]; ok {
		el.Value.(*cacheEntry).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: k, value: value})
	c.items[k] = el
	if c.capacity > 0 && c.ll.Len() > c.capacity {
		c.evictOldest()
	}
}

func (c *accountCache) invalidate(k cacheKey) {
	if el, ok := c.items[k]; ok {
		c.ll.Remove(el)
		delete(c.items, k)
	}
}

// clear drops every cached entry, used after a speculative run is discarded
// so a later read can't observe a value the store never actually held.
func (c *accountCache) clear() {
	c.ll = list.New()
	c.items = make(map[cacheKey]*list.Element)
}

func (c *accountCache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).key)
}
