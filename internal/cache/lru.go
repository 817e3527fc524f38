package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
)

// LRUBlockCache is a byte-bounded LRU of serialized frames. It backs the memory
// buffer space: frames written to a spill store are kept here too, so re-reads of
// recently spilled batches skip the store.
//
// Frames are also indexed by group, so dropping a closed group does not scan the
// whole cache.
type LRUBlockCache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	order    *list.List
	frames   map[CacheKey]*list.Element
	groups   map[uint64]map[uint64]*list.Element

	hits   atomic.Int64
	misses atomic.Int64
}

type frame struct {
	key  CacheKey
	data []byte
}

// NewLRUBlockCache creates a cache holding at most capacity bytes of frames.
func NewLRUBlockCache(capacity int64) *LRUBlockCache {
	return &LRUBlockCache{
		capacity: capacity,
		order:    list.New(),
		frames:   make(map[CacheKey]*list.Element),
		groups:   make(map[uint64]map[uint64]*list.Element),
	}
}

var _ BlockCache = (*LRUBlockCache)(nil)

// Get returns a cached frame and marks it most recently used.
func (c *LRUBlockCache) Get(_ context.Context, key CacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.frames[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.order.MoveToFront(el)
	return el.Value.(*frame).data, true
}

// Set caches b under key, replacing an older frame at the same offset. Frames
// larger than the capacity are not cached.
func (c *LRUBlockCache) Set(_ context.Context, key CacheKey, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.frames[key]; ok {
		c.unlink(el)
	}
	n := int64(len(b))
	if n > c.capacity {
		return
	}
	for c.used+n > c.capacity {
		c.unlink(c.order.Back())
	}

	el := c.order.PushFront(&frame{key: key, data: b})
	c.frames[key] = el
	byOffset := c.groups[key.Group]
	if byOffset == nil {
		byOffset = make(map[uint64]*list.Element)
		c.groups[key.Group] = byOffset
	}
	byOffset[key.Offset] = el
	c.used += n
}

// Delete drops the frame at key if present.
func (c *LRUBlockCache) Delete(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.frames[key]; ok {
		c.unlink(el)
	}
}

// DropGroup drops every frame of group.
func (c *LRUBlockCache) DropGroup(group uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, el := range c.groups[group] {
		c.unlink(el)
	}
}

// Close drops all frames.
func (c *LRUBlockCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.frames)
	clear(c.groups)
	c.used = 0
	return nil
}

// Stats returns the hit and miss counts.
func (c *LRUBlockCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size returns the bytes held.
func (c *LRUBlockCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *LRUBlockCache) unlink(el *list.Element) {
	f := c.order.Remove(el).(*frame)
	delete(c.frames, f.key)
	if byOffset := c.groups[f.key.Group]; byOffset != nil {
		delete(byOffset, f.key.Offset)
		if len(byOffset) == 0 {
			delete(c.groups, f.key.Group)
		}
	}
	c.used -= int64(len(f.data))
}
