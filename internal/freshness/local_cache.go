package freshness

import (
	"container/list"
	"sync"
	"weak"
)

// CachedValue is what the Local Value Cache stores per key.
type CachedValue struct {
	Value   []byte
	Version float64
	Size    int
}

type cacheEntry struct {
	key   string
	val   *CachedValue
	freq  int
}

// LocalCache is the weak-LRU local value cache (§3): entries beyond a
// soft bound of strongly-held slots become weakly reachable, so the
// runtime may reap them ahead of explicit eviction. LRU order picks the
// demotion candidate; entries with higher freq are given one extra life
// before being weakened, approximating the spec's LRU/LFU hybrid.
type LocalCache struct {
	mu         sync.Mutex
	softBound  int
	strongList *list.List // of *cacheEntry, front = most recently used
	strong     map[string]*list.Element
	weakened   map[string]weak.Pointer[cacheEntry]
}

func NewLocalCache(softBound int) *LocalCache {
	if softBound <= 0 {
		softBound = 10_000
	}
	return &LocalCache{
		softBound:  softBound,
		strongList: list.New(),
		strong:     make(map[string]*list.Element),
		weakened:   make(map[string]weak.Pointer[cacheEntry]),
	}
}

// Get returns the cached value for key, if still reachable.
func (c *LocalCache) Get(key string) (*CachedValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.strong[key]; ok {
		e := el.Value.(*cacheEntry)
		e.freq++
		c.strongList.MoveToFront(el)
		return e.val, true
	}
	if wp, ok := c.weakened[key]; ok {
		if e := wp.Value(); e != nil {
			c.promote(e)
			return e.val, true
		}
		delete(c.weakened, key)
	}
	return nil, false
}

// Put inserts or replaces key's cached value, evicting (by weakening) the
// least-recently-used strong entry if the soft bound is exceeded.
func (c *LocalCache) Put(key string, val *CachedValue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.strong[key]; ok {
		e := el.Value.(*cacheEntry)
		e.val = val
		c.strongList.MoveToFront(el)
		return
	}
	delete(c.weakened, key)

	e := &cacheEntry{key: key, val: val}
	el := c.strongList.PushFront(e)
	c.strong[key] = el

	for c.strongList.Len() > c.softBound {
		c.demoteOldest()
	}
}

func (c *LocalCache) promote(e *cacheEntry) {
	delete(c.weakened, e.key)
	el := c.strongList.PushFront(e)
	c.strong[e.key] = el
	for c.strongList.Len() > c.softBound {
		c.demoteOldest()
	}
}

func (c *LocalCache) demoteOldest() {
	for {
		back := c.strongList.Back()
		if back == nil {
			return
		}
		e := back.Value.(*cacheEntry)
		if e.freq > 0 {
			e.freq = 0
			c.strongList.MoveToFront(back)
			continue
		}
		c.strongList.Remove(back)
		delete(c.strong, e.key)
		c.weakened[e.key] = weak.Make(e)
		return
	}
}

// Delete drops key from both the strong and weak tiers.
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.strong[key]; ok {
		c.strongList.Remove(el)
		delete(c.strong, key)
	}
	delete(c.weakened, key)
}
