package worker

import (
	"sync"

	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

// StreamChangeCache remembers which entities (rooms, users) changed at
// which stream token, so readers can answer "anything new for X since
// token T?" without touching the store. It only covers tokens above its
// low-water mark; questions about older tokens conservatively answer yes.
type StreamChangeCache struct {
	mu       sync.RWMutex
	name     string
	lowWater int64
	latest   map[string]int64 // entity -> last token it changed at
}

// NewStreamChangeCache starts tracking at lowWater: every token at or
// below it is treated as "may have changed".
func NewStreamChangeCache(name string, lowWater int64) *StreamChangeCache {
	return &StreamChangeCache{
		name:     name,
		lowWater: lowWater,
		latest:   make(map[string]int64),
	}
}

// EntityChanged records that entity changed at token. Tokens must be fed
// in non-decreasing order per entity; stale tokens are ignored.
func (c *StreamChangeCache) EntityChanged(entity string, token int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token > c.latest[entity] {
		c.latest[entity] = token
	}
}

// HasEntityChanged reports whether entity may have changed since token.
// Returns true when token is below the low-water mark, because the cache
// cannot know what happened before it started tracking.
func (c *StreamChangeCache) HasEntityChanged(entity string, token int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if token < c.lowWater {
		return true
	}
	return c.latest[entity] > token
}

// EntitiesChangedSince returns the tracked entities that changed after
// token, and ok=false when token predates the low-water mark (callers
// must fall back to the store in that case).
func (c *StreamChangeCache) EntitiesChangedSince(token int64) (entities []string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if token < c.lowWater {
		return nil, false
	}
	for entity, last := range c.latest {
		if last > token {
			entities = append(entities, entity)
		}
	}
	return entities, true
}

// changeCacheFloor picks the starting low-water mark for a fresh change
// cache: the stream position already reached before this process came up.
// The cache has no entries for anything at or below it, so those tokens
// must stay in "may have changed" territory.
func changeCacheFloor(store storage.Store, stream types.StreamName) int64 {
	floor, err := store.LocalPosition(stream)
	if err != nil {
		floor = 0
	}
	if counter, err := store.StreamCounter(stream); err == nil && counter > floor {
		floor = counter
	}
	return floor
}
