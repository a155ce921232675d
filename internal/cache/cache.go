// Package cache stores successful agent outputs keyed by a fingerprint of the
// agent name and its normalized input.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Cache is a response cache. Implementations are safe for concurrent use.
// A ttl <= 0 passed to Set means the value is not cached.
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration)
	Delete(ctx context.Context, key string)
	// InvalidatePrefix removes every entry whose key starts with prefix.
	// Passing AgentPrefix(name) drops that agent's entries.
	InvalidatePrefix(ctx context.Context, prefix string) int
	Stats() Stats
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// HitRate returns hits / (hits + misses), or 0 when there were no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
