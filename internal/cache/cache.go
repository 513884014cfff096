// Package cache provides the agent-descriptor cache used by the Worker
// Space registry: Redis-backed with an in-process LRU fallback so a
// Redis outage degrades the cache to per-process only rather than
// failing agent lookups outright.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentcore/platform/internal/logging"
)

// Cache is a TTL'd key-value store for arbitrary JSON-serializable
// values, keyed by string (spec's agent_id-derived cache keys).
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Len reports the number of entries currently held. The Redis-backed
	// implementation reports only its fallback LRU's entries, since
	// DBSIZE is a whole-database figure, not this cache's.
	Len() int
	// Clear drops every entry this cache is aware of. The Redis-backed
	// implementation can only clear what it has ever had to fall back
	// on, not the whole Redis keyspace — full invalidation there relies
	// on each entry's own TTL.
	Clear()
}

// RedisCache wraps a go-redis client, falling back to an in-process LRU
// on any Redis error so a dependency outage degrades gracefully rather
// than taking down agent lookups.
type RedisCache struct {
	client   *redis.Client
	fallback *LRU
	logger   logging.Logger
}

// NewRedis builds a RedisCache. maxFallbackEntries bounds the LRU used
// while Redis is unavailable (spec's cache.agent_max_entries).
func NewRedis(client *redis.Client, maxFallbackEntries int, logger logging.Logger) *RedisCache {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &RedisCache{client: client, fallback: NewLRU(maxFallbackEntries), logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.RawMessage(val), true, nil
	}
	if err == redis.Nil {
		return nil, false, nil
	}
	c.logger.Warn("cache: redis get failed, using fallback", "key", key, "error", err.Error())
	return c.fallback.Get(key)
}

func (c *RedisCache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, []byte(value), ttl).Err(); err != nil {
		c.logger.Warn("cache: redis set failed, using fallback", "key", key, "error", err.Error())
		return c.fallback.Set(key, value, ttl)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	_ = c.fallback.Delete(key)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("cache: redis delete failed", "key", key, "error", err.Error())
		return nil
	}
	return nil
}

func (c *RedisCache) Len() int { return c.fallback.Len() }

// Clear drops the fallback LRU's entries. It cannot and does not
// attempt to flush the shared Redis keyspace (that would risk other
// tenants' unrelated keys); full invalidation on the Redis path relies
// on each entry's own TTL, matching the Cache interface's documented
// contract.
func (c *RedisCache) Clear() { c.fallback.Clear() }

// LRU is a bounded, soft-TTL, least-recently-used cache used both as
// the Redis fallback and, directly, as the Worker Space's in-process
// agent_cache (spec §4.2: "bounded LRU with soft TTL, default 5 min").
type LRU struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

type lruEntry struct {
	key       string
	value     json.RawMessage
	expiresAt time.Time
}

// NewLRU builds an LRU bounded to capacity entries (<=0 means
// unbounded, used only in tests).
func NewLRU(capacity int) *LRU {
	return &LRU{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (l *LRU) Get(key string) (json.RawMessage, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.items[key]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*lruEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		l.order.Remove(el)
		delete(l.items, key)
		return nil, false, nil
	}
	l.order.MoveToFront(el)
	return entry.value, true, nil
}

func (l *LRU) Set(key string, value json.RawMessage, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if el, ok := l.items[key]; ok {
		el.Value.(*lruEntry).value = value
		el.Value.(*lruEntry).expiresAt = expiresAt
		l.order.MoveToFront(el)
		return nil
	}

	el := l.order.PushFront(&lruEntry{key: key, value: value, expiresAt: expiresAt})
	l.items[key] = el

	if l.capacity > 0 && l.order.Len() > l.capacity {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.items, oldest.Value.(*lruEntry).key)
		}
	}
	return nil
}

func (l *LRU) Delete(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[key]; ok {
		l.order.Remove(el)
		delete(l.items, key)
	}
	return nil
}

func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// Clear empties the cache, used by clear_agent_cache().
func (l *LRU) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = make(map[string]*list.Element)
	l.order.Init()
}

// localCache adapts an in-process LRU to the ctx-ful Cache interface,
// for callers (e.g. a Redis-less deployment) that want the Worker
// Space agent cache without a Redis dependency at all.
type localCache struct {
	lru *LRU
}

// NewLocal builds a Cache backed only by an in-process LRU, bounded to
// capacity entries.
func NewLocal(capacity int) Cache {
	return &localCache{lru: NewLRU(capacity)}
}

func (c *localCache) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	return c.lru.Get(key)
}

func (c *localCache) Set(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	return c.lru.Set(key, value, ttl)
}

func (c *localCache) Delete(_ context.Context, key string) error {
	return c.lru.Delete(key)
}

func (c *localCache) Len() int { return c.lru.Len() }

func (c *localCache) Clear() { c.lru.Clear() }
