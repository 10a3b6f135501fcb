package fb

import "sync"

// Cache maps buffer objects to the framebuffer registered for them, so a
// swapchain buffer is added to the kernel once and reused every time it
// comes around again. The cache owns one reference of each entry.
type Cache struct {
	mu      sync.Mutex
	entries map[BufferObject]*Handle
}

func NewCache() *Cache {
	return &Cache{entries: map[BufferObject]*Handle{}}
}

// Lookup returns a new reference to the framebuffer of bo.
func (c *Cache) Lookup(bo BufferObject) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.entries[bo]
	if !ok {
		return nil, false
	}
	return h.Acquire(), true
}

// Store hands the reference h to the cache.
func (c *Cache) Store(bo BufferObject, h *Handle) {
	c.mu.Lock()
	old := c.entries[bo]
	c.entries[bo] = h
	c.mu.Unlock()
	if old != nil {
		old.Release()
	}
}

// Forget drops the cache reference of bo, e.g. once the buffer object is
// destroyed.
func (c *Cache) Forget(bo BufferObject) {
	c.mu.Lock()
	h, ok := c.entries[bo]
	delete(c.entries, bo)
	c.mu.Unlock()
	if ok {
		h.Release()
	}
}

// Clear forgets every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	entries := c.entries
	c.entries = map[BufferObject]*Handle{}
	c.mu.Unlock()
	for _, h := range entries {
		h.Release()
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
