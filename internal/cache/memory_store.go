package cache

import (
	"container/list"
	"context"
	"sync"
)

type entry struct {
	key   string
	value Record
}

// MemoryStore implements an in-memory LRU store
type MemoryStore struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	lruList *list.List
}

// NewMemoryStore creates a new in-memory LRU store
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize < 1 {
		maxSize = 1
	}
	return &MemoryStore{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lruList: list.New(),
	}
}

var _ Store = (*MemoryStore)(nil)

func (c *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return Record{}, false, nil
	}

	c.lruList.MoveToFront(elem)
	return elem.Value.(*entry).value, true, nil
}

func (c *MemoryStore) Set(_ context.Context, key string, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry).value = rec
		c.lruList.MoveToFront(elem)
		return nil
	}

	if c.lruList.Len() >= c.maxSize {
		if oldest := c.lruList.Back(); oldest != nil {
			delete(c.items, oldest.Value.(*entry).key)
			c.lruList.Remove(oldest)
		}
	}

	c.items[key] = c.lruList.PushFront(&entry{key: key, value: rec})
	return nil
}

func (c *MemoryStore) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.lruList.Init()
	return nil
}

func (c *MemoryStore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.lruList = list.New()
	return nil
}
