// Package cache provides a read-through cache with pattern invalidation.
// Entries are a rebuildable projection of authoritative data: the cache being
// down degrades to loading directly, never to failing the caller.
package cache

import (
	"context"
	"log/slog"
	"path"
	"time"

	"vodsum/internal/logging"
)

// Store is the backing key/value store. Scan is cursor-based so invalidation
// iterates in bounded batches instead of one blocking full sweep; Delete only
// removes entries whose generation tag is at or below the given one, which
// protects values written while an invalidation scan is in flight.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Scan(ctx context.Context, cursor uint64, match string, count int) (keys []string, next uint64, err error)
	Generation(ctx context.Context) (uint64, error)
	Delete(ctx context.Context, upToGeneration uint64, keys ...string) error
}

// Loader produces the authoritative value on a cache miss.
type Loader func(ctx context.Context) ([]byte, error)

const scanBatchSize = 64

// Cache is the read-through layer over a Store.
type Cache struct {
	store   Store
	enabled bool
	logger  *slog.Logger
}

// New constructs a cache. A nil store or enabled=false yields a pass-through
// cache that always calls the loader.
func New(store Store, enabled bool, logger *slog.Logger) *Cache {
	return &Cache{
		store:   store,
		enabled: enabled && store != nil,
		logger:  logging.NewComponentLogger(logger, "cache"),
	}
}

// GetOrLoad returns the cached value for (namespace, key), calling loader and
// storing the result on a miss. Store failures fall through to the loader.
func (c *Cache) GetOrLoad(ctx context.Context, namespace, key string, ttl time.Duration, loader Loader) ([]byte, error) {
	if !c.enabled {
		return loader(ctx)
	}

	fullKey := Key(namespace, key)
	value, hit, err := c.store.Get(ctx, fullKey)
	if err != nil {
		c.logger.Warn("cache read failed, loading directly",
			logging.String("key", fullKey),
			logging.Error(err),
		)
		return loader(ctx)
	}
	if hit {
		return value, nil
	}

	value, err = loader(ctx)
	if err != nil {
		return nil, err
	}

	if setErr := c.store.Set(ctx, fullKey, value, ttl); setErr != nil {
		c.logger.Warn("cache write failed",
			logging.String("key", fullKey),
			logging.Error(setErr),
		)
	}
	return value, nil
}

// Invalidate removes all entries whose key matches the pattern (path.Match
// syntax, e.g. "subs:*"). Iteration is cursor-based and deletion is capped at
// the generation observed when the scan started, so concurrent fresh writes
// survive.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	if !c.enabled {
		return 0, nil
	}

	gen, err := c.store.Generation(ctx)
	if err != nil {
		c.logger.Warn("cache invalidation skipped", logging.Error(err))
		return 0, nil
	}

	removed := 0
	var cursor uint64
	for {
		keys, next, err := c.store.Scan(ctx, cursor, pattern, scanBatchSize)
		if err != nil {
			c.logger.Warn("cache scan failed", logging.Error(err))
			return removed, nil
		}
		if len(keys) > 0 {
			if err := c.store.Delete(ctx, gen, keys...); err != nil {
				c.logger.Warn("cache delete failed", logging.Error(err))
				return removed, nil
			}
			removed += len(keys)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return removed, nil
}

// Key joins a namespace and key into the stored form.
func Key(namespace, key string) string {
	return namespace + ":" + key
}

// MatchKey reports whether a stored key matches an invalidation pattern.
func MatchKey(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
