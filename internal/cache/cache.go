// Package cache provides the key/value layer between the core services and
// Redis: TTL'd values, pattern invalidation and a single-flight fill helper.
// Values are opaque JSON; the cache never interprets them. Cache failures are
// never fatal — callers degrade to direct computation and rely on TTL for
// staleness bounds.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache is the backend contract. Get reports a miss with ok=false and a nil
// error; errors mean the backend itself failed.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// DelByPrefix removes every key matching pattern. The pattern may carry
	// '*' wildcards (Redis MATCH semantics), e.g. "access:topic:*:42".
	DelByPrefix(ctx context.Context, pattern string) error
}

// Loader wraps a Cache with single-flight fill: concurrent misses on the
// same key await one execution of the compute function.
type Loader struct {
	cache Cache
	group singleflight.Group
	log   *zap.Logger
}

// NewLoader builds a Loader over the given backend.
func NewLoader(c Cache, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{cache: c, log: log}
}

// Cache exposes the underlying backend for plain Get/Set/Del calls.
func (l *Loader) Cache() Cache {
	return l.cache
}

// GetOrCompute returns the cached value for key into out, or runs compute,
// stores the result with the given TTL, and returns it. Concurrent callers
// for the same key share one compute execution. A failing cache degrades to
// computing directly; compute errors surface unchanged.
func (l *Loader) GetOrCompute(ctx context.Context, key string, ttl time.Duration, out any, compute func(context.Context) (any, error)) error {
	if data, ok, err := l.cache.Get(ctx, key); err == nil && ok {
		if err := json.Unmarshal(data, out); err == nil {
			return nil
		}
		// Corrupt entry: drop it and recompute.
		if err := l.cache.Del(ctx, key); err != nil {
			l.log.Warn("cache del failed", zap.String("key", key), zap.Error(err))
		}
	} else if err != nil {
		l.log.Warn("cache get failed", zap.String("key", key), zap.Error(err))
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		val, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(val)
		if err != nil {
			return val, nil // still serve the value, just don't cache it
		}
		if err := l.cache.Set(ctx, key, data, ttl); err != nil {
			l.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		}
		return val, nil
	})
	if err != nil {
		return err
	}

	// Round-trip through JSON so every caller gets its own copy of the
	// shared single-flight result.
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Invalidate deletes the given keys, logging instead of failing: by the time
// an invalidation runs the primary write has committed, and TTL bounds any
// staleness a lost invalidation leaves behind.
func (l *Loader) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := l.cache.Del(ctx, keys...); err != nil {
		l.log.Warn("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// InvalidatePattern deletes every key matching pattern, best effort.
func (l *Loader) InvalidatePattern(ctx context.Context, pattern string) {
	if err := l.cache.DelByPrefix(ctx, pattern); err != nil {
		l.log.Warn("cache pattern invalidation failed", zap.String("pattern", pattern), zap.Error(err))
	}
}
