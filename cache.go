package tailstream

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

type (
	// CachingReader remembers complete pages read through it. A page that
	// is not the end of its stream is full and can no longer change in an
	// append-only store, so it is safe to serve again
	CachingReader struct {
		reader PageReader
		cache  *lruCache[*Page]
	}

	lruCache[T any] struct {
		cache   map[string]*list.Element
		lru     *list.List
		maxSize int
		mu      sync.Mutex
	}

	cacheEntry[T any] struct {
		value T
		key   string
	}
)

const DefaultCacheSize = 4096

// NewCachingReader wraps r with an LRU of at most size pages. A non-positive
// size selects DefaultCacheSize
func NewCachingReader(r PageReader, size int) *CachingReader {
	return &CachingReader{
		reader: r,
		cache:  newLRUCache[*Page](size),
	}
}

func (c *CachingReader) ReadForward(
	ctx context.Context, id StreamID, from Cursor, max int, withData bool,
) (*Page, error) {
	key := pageKey(id, from, max, withData)
	if page, ok := c.cache.get(key); ok {
		return copyPage(page), nil
	}

	page, err := c.reader.ReadForward(ctx, id, from, max, withData)
	if err != nil {
		return nil, err
	}
	if !page.IsEnd && len(page.Records) == max {
		c.cache.put(key, copyPage(page))
	}
	return page, nil
}

// Len returns the number of cached pages
func (c *CachingReader) Len() int {
	return c.cache.len()
}

func pageKey(id StreamID, from Cursor, max int, withData bool) string {
	return fmt.Sprintf("%s\x00%d\x00%d\x00%t", id, from, max, withData)
}

func copyPage(p *Page) *Page {
	res := *p
	res.Records = cloneRecords(p.Records, true)
	return &res
}

func newLRUCache[T any](size int) *lruCache[T] {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &lruCache[T]{
		cache:   make(map[string]*list.Element, size),
		lru:     list.New(),
		maxSize: size,
	}
}

func (c *lruCache[T]) get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry[T]).value, true
	}
	var zero T
	return zero, false
}

// put stores value under key as the most recently used entry, dropping the
// least recently used one when the cache is over capacity
func (c *lruCache[T]) put(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		elem.Value.(*cacheEntry[T]).value = value
		c.lru.MoveToFront(elem)
		return
	}

	c.cache[key] = c.lru.PushFront(&cacheEntry[T]{key: key, value: value})
	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Remove(c.lru.Back()).(*cacheEntry[T])
		delete(c.cache, oldest.key)
	}
}

func (c *lruCache[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
