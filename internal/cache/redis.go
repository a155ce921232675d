package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
)

// DefaultRedisNamespace prefixes every key written by Redis.
const DefaultRedisNamespace = "agentrt:cache:"

// Redis is a Cache backed by a shared Redis server so that several runtime
// replicas can reuse each other's responses. Redis errors are logged and
// treated as misses; the cache never fails a call.
type Redis struct {
	rdb       *redis.Client
	namespace string

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedis wraps an existing client. An empty namespace uses
// DefaultRedisNamespace.
func NewRedis(rdb *redis.Client, namespace string) *Redis {
	if namespace == "" {
		namespace = DefaultRedisNamespace
	}
	return &Redis{rdb: rdb, namespace: namespace}
}

// DialRedis parses a redis:// URL, connects, and verifies the server responds.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// Get returns the cached value for key.
func (c *Redis) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	b, err := c.rdb.Get(ctx, c.namespace+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("redis cache get failed", "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	if !json.Valid(b) {
		c.Delete(ctx, key)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return json.RawMessage(b), true
}

// Set stores value under key with a PX expiry of ttl. A non-positive ttl is
// ignored.
func (c *Redis) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.rdb.Set(ctx, c.namespace+key, []byte(value), ttl).Err(); err != nil {
		slog.Warn("redis cache set failed", "error", err)
	}
}

// Delete removes key.
func (c *Redis) Delete(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, c.namespace+key).Err(); err != nil {
		slog.Warn("redis cache delete failed", "error", err)
	}
}

// InvalidatePrefix scans for keys starting with prefix and deletes them.
func (c *Redis) InvalidatePrefix(ctx context.Context, prefix string) int {
	pattern := c.namespace + escapeGlob(prefix) + "*"
	removed := 0

	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		n, err := c.rdb.Del(ctx, iter.Val()).Result()
		if err != nil {
			slog.Warn("redis cache invalidate failed", "error", err)
			continue
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		slog.Warn("redis cache scan failed", "error", err)
	}
	return removed
}

// Stats returns hit and miss counters for this replica. Entries is not
// tracked for a shared server and is always zero.
func (c *Redis) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
