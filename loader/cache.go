package loader

import (
	"sync"

	"github.com/golang/groupcache/lru"

	"go.viam.com/starfield/render"
)

// payloadCache keeps the most recently decoded batches so that octants re-entering the working
// set skip the disk. Batches are shared and must not be modified.
type payloadCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// newPayloadCache returns nil when entries is not positive; a nil cache never hits.
func newPayloadCache(entries int) *payloadCache {
	if entries <= 0 {
		return nil
	}
	return &payloadCache{cache: lru.New(entries)}
}

func (c *payloadCache) get(id int64) ([]render.Instance, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache.Get(id)
	if !ok {
		return nil, false
	}
	return v.([]render.Instance), true
}

func (c *payloadCache) add(id int64, batch []render.Instance) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(id, batch)
}

func (c *payloadCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
