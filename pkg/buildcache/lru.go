package buildcache

import (
	"container/list"
	"sync"
)

// lru keeps the most recently used entries decoded in memory so repeated
// builds in one process skip badger and gob. It is bounded by entry count.
type lru struct {
	mu      sync.Mutex
	maxSize int
	list    *list.List
	items   map[string]*list.Element
}

type lruEntry struct {
	key   string
	value *entry
}

func newLRU(maxSize int) *lru {
	return &lru{
		maxSize: maxSize,
		list:    list.New(),
		items:   make(map[string]*list.Element, maxSize),
	}
}

func (c *lru) get(key string) (*entry, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.list.MoveToFront(elem)
	return elem.Value.(*lruEntry).value, true
}

func (c *lru) put(key string, value *entry) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*lruEntry).value = value
		c.list.MoveToFront(elem)
		return
	}
	for c.list.Len() >= c.maxSize {
		c.removeElement(c.list.Back())
	}
	c.items[key] = c.list.PushFront(&lruEntry{key: key, value: value})
}

func (c *lru) remove(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

func (c *lru) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// removeElement drops elem. Caller must hold the lock.
func (c *lru) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).key)
}
