package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hearthchat/hearth/pkg/log"
	"github.com/hearthchat/hearth/pkg/metrics"
)

// SharedCache mirrors a handful of high-traffic caches (e.g. users-in-room)
// into an external Redis so workers don't all recompute the same values. It
// is strictly best-effort: if Redis is unreachable every operation degrades
// to a miss or a no-op with a logged warning, and the write path that
// triggered an invalidation is never blocked or failed.
type SharedCache struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// Config for the shared cache.
type Config struct {
	Addr     string
	Password string
	Timeout  time.Duration
}

// NewShared connects to Redis. A nil return with nil error means no shared
// cache is configured (empty addr); callers treat that as local-only.
func NewShared(cfg Config) (*SharedCache, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 200 * time.Millisecond
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return &SharedCache{client: client, timeout: timeout}, nil
}

func sharedKey(cacheName, key string) string {
	return fmt.Sprintf("hearth:cache:%s:%s", cacheName, key)
}

// Get fetches a mirrored value. Returns (nil, false) on miss or on any
// Redis error.
func (s *SharedCache) Get(ctx context.Context, cacheName, key string, dest any) bool {
	if s == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, sharedKey(cacheName, key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Logger.Warn().Err(err).Str("cache", cacheName).Msg("shared cache get failed, treating as miss")
		}
		metrics.SharedCacheOps.WithLabelValues("get", "miss").Inc()
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		metrics.SharedCacheOps.WithLabelValues("get", "miss").Inc()
		return false
	}
	metrics.SharedCacheOps.WithLabelValues("get", "hit").Inc()
	return true
}

// Set mirrors a value. Errors are logged and swallowed.
func (s *SharedCache) Set(ctx context.Context, cacheName, key string, value any) {
	if s == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, sharedKey(cacheName, key), data, 0).Err(); err != nil {
		log.Logger.Warn().Err(err).Str("cache", cacheName).Msg("shared cache set failed")
		return
	}
	metrics.SharedCacheOps.WithLabelValues("set", "ok").Inc()
}

// Invalidate drops mirrored entries. Falls back to local-only silently on
// error: the local invalidation has already happened by the time this runs.
func (s *SharedCache) Invalidate(ctx context.Context, cacheName string, keys []string) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var err error
	if keys == nil {
		// Invalidate-all: drop every key under the cache's prefix.
		var iterKeys []string
		iter := s.client.Scan(ctx, 0, sharedKey(cacheName, "*"), 0).Iterator()
		for iter.Next(ctx) {
			iterKeys = append(iterKeys, iter.Val())
		}
		if err = iter.Err(); err == nil && len(iterKeys) > 0 {
			err = s.client.Del(ctx, iterKeys...).Err()
		}
	} else {
		full := make([]string, len(keys))
		for i, k := range keys {
			full[i] = sharedKey(cacheName, k)
		}
		err = s.client.Del(ctx, full...).Err()
	}
	if err != nil {
		log.Logger.Warn().Err(err).Str("cache", cacheName).Msg("shared cache invalidation failed, local-only")
		metrics.SharedCacheOps.WithLabelValues("invalidate", "error").Inc()
		return
	}
	metrics.SharedCacheOps.WithLabelValues("invalidate", "ok").Inc()
}

// Close releases the Redis connection.
func (s *SharedCache) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}
