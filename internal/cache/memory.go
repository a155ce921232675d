package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	// DefaultMaxEntries bounds the memory cache when no size is configured.
	DefaultMaxEntries = 1000

	shardCount = 16
)

type entry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// shard is one independently locked slice of the key space.
type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, entry]
}

// Memory is an in-process TTL cache. Keys are spread over 16 shards, each
// with its own lock and least-recently-used eviction, so operations on
// different keys rarely contend. Expired entries are dropped lazily on read
// and in bulk by Sweep.
type Memory struct {
	shards [shardCount]*shard
	now    func() time.Time // injectable clock for testing

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

// NewMemory creates a Memory cache holding about maxEntries values in total.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	perShard := (maxEntries + shardCount - 1) / shardCount

	m := &Memory{now: time.Now}
	for i := range m.shards {
		// simplelru only fails on a non-positive size.
		l, _ := simplelru.NewLRU[string, entry](perShard, nil)
		m.shards[i] = &shard{lru: l}
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	return m.shards[xxhash.Sum64String(key)%shardCount]
}

// Get returns the cached value for key. Expired entries count as misses and
// are removed.
func (m *Memory) Get(_ context.Context, key string) (json.RawMessage, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	e, ok := s.lru.Get(key)
	if ok && !m.now().Before(e.expiresAt) {
		s.lru.Remove(key)
		m.expired.Add(1)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	return e.value, true
}

// Set stores value under key for ttl. A non-positive ttl is ignored.
func (m *Memory) Set(_ context.Context, key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	e := entry{value: append(json.RawMessage(nil), value...), expiresAt: m.now().Add(ttl)}

	s := m.shardFor(key)
	s.mu.Lock()
	evicted := s.lru.Add(key, e)
	s.mu.Unlock()

	if evicted {
		m.evictions.Add(1)
	}
}

// Delete removes key if present.
func (m *Memory) Delete(_ context.Context, key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.lru.Remove(key)
	s.mu.Unlock()
}

// InvalidatePrefix removes every entry whose key starts with prefix and
// returns how many were removed.
func (m *Memory) InvalidatePrefix(_ context.Context, prefix string) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			if strings.HasPrefix(k, prefix) && s.lru.Remove(k) {
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Sweep drops all expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			e, ok := s.lru.Peek(k)
			if ok && !now.Before(e.expiresAt) && s.lru.Remove(k) {
				removed++
			}
		}
		s.mu.Unlock()
	}
	m.expired.Add(int64(removed))
	return removed
}

// Stats returns a point-in-time view of the cache counters.
func (m *Memory) Stats() Stats {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return Stats{
		Entries:   n,
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
		Expired:   m.expired.Load(),
	}
}
