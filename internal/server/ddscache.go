package server

import (
	"container/list"
	"context"
	"sync"
)

// ddsCacheEntry is one converted-preview cache slot.
type ddsCacheEntry struct {
	path string
	data []byte
}

// ddsCache is the DDS-preview LRU named in spec.md §4.F `file`, capped
// at 100 entries. Concurrent requests for the same path are
// deduplicated the way the teacher's metadataCache.startUpdate avoids
// two goroutines fetching the same URL: the first caller performs the
// conversion, everyone else waits on its result.
type ddsCache struct {
	mu       sync.Mutex
	cap      int
	ll       *list.List
	items    map[string]*list.Element
	inflight map[string]chan struct{}
	results  map[string]ddsResult
}

type ddsResult struct {
	data []byte
	err  error
}

func newDDSCache(capacity int) *ddsCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &ddsCache{
		cap:      capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		inflight: make(map[string]chan struct{}),
		results:  make(map[string]ddsResult),
	}
}

// Get returns the cached conversion of path, or runs convert to produce
// one. Concurrent requests for a path that is not cached share a single
// convert call. A failed conversion is not cached, and an evicted entry
// is converted again on its next request.
func (c *ddsCache) Get(ctx context.Context, path string, convert func(context.Context) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	if el, ok := c.items[path]; ok {
		c.ll.MoveToFront(el)
		data := el.Value.(*ddsCacheEntry).data
		c.mu.Unlock()
		return data, nil
	}
	if ch, ok := c.inflight[path]; ok {
		c.mu.Unlock()
		<-ch
		c.mu.Lock()
		res := c.results[path]
		c.mu.Unlock()
		return res.data, res.err
	}

	ch := make(chan struct{})
	c.inflight[path] = ch
	c.mu.Unlock()

	data, err := convert(ctx)

	c.mu.Lock()
	c.results[path] = ddsResult{data: data, err: err}
	delete(c.inflight, path)
	if err == nil {
		c.insertLocked(path, data)
	}
	c.mu.Unlock()
	close(ch)
	return data, err
}

func (c *ddsCache) insertLocked(path string, data []byte) {
	el := c.ll.PushFront(&ddsCacheEntry{path: path, data: data})
	c.items[path] = el
	for c.ll.Len() > c.cap {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*ddsCacheEntry).path)
	}
}

func (c *ddsCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
