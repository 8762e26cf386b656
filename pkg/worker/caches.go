package worker

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hearthchat/hearth/pkg/log"
	"github.com/hearthchat/hearth/pkg/metrics"
	"github.com/hearthchat/hearth/pkg/types"
)

// Invalidator invalidates entries of one named cache. A nil key slice
// means drop everything.
type Invalidator interface {
	InvalidateKeys(keys []string)
}

// keyInvalidator is the subset of cache.Cache methods the invalidator
// needs, free of the value type parameter.
type keyInvalidator interface {
	Invalidate(key string)
	InvalidateAll()
}

type stringCache struct {
	c keyInvalidator
}

func (s stringCache) InvalidateKeys(keys []string) {
	if keys == nil {
		s.c.InvalidateAll()
		return
	}
	for _, k := range keys {
		s.c.Invalidate(k)
	}
}

// CacheInvalidator applies caches-stream rows: explicit invalidations the
// writer performed that no other stream's rows imply. Unknown cache names
// are logged and skipped, so writers can gain caches before workers do.
type CacheInvalidator struct {
	caches map[string]Invalidator
	logger zerolog.Logger
}

// NewCacheInvalidator builds the invalidator from one or more cache
// registries (each store contributes its own).
func NewCacheInvalidator(registries ...map[string]Invalidator) *CacheInvalidator {
	caches := make(map[string]Invalidator)
	for _, reg := range registries {
		for name, inv := range reg {
			caches[name] = inv
		}
	}
	return &CacheInvalidator{
		caches: caches,
		logger: log.WithComponent("cache-invalidator"),
	}
}

// StreamName implements replication.RowHandler.
func (c *CacheInvalidator) StreamName() types.StreamName {
	return types.StreamCaches
}

// ApplyRows implements replication.RowHandler for the caches stream.
func (c *CacheInvalidator) ApplyRows(_ int64, rows []json.RawMessage) error {
	for _, raw := range rows {
		var row types.CacheStreamRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decoding caches row: %w", err)
		}
		inv, ok := c.caches[row.CacheName]
		if !ok {
			c.logger.Debug().Str("cache", row.CacheName).Msg("invalidation for unknown cache")
			continue
		}
		inv.InvalidateKeys(row.Keys)
		metrics.CacheInvalidations.WithLabelValues(row.CacheName).Inc()
	}
	return nil
}
