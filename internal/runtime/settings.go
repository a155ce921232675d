package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecgard/agentrt/internal/ratelimit"
	"github.com/alecgard/agentrt/internal/retry"
)

// AgentSettings is the effective configuration for one agent.
type AgentSettings struct {
	Timeout    time.Duration   `json:"timeout"`
	Retry      retry.Policy    `json:"-"`
	CacheTTL   time.Duration   `json:"cache_ttl"`
	RateLimit  ratelimit.Limit `json:"rate_limit"`
	Provider   string          `json:"provider,omitempty"`
	Model      string          `json:"model,omitempty"`
	// FallbackProvider and FallbackModel are what the optimizer proposes
	// switching to when the agent is slow.
	FallbackProvider string `json:"fallback_provider,omitempty"`
	FallbackModel    string `json:"fallback_model,omitempty"`
}

// CacheEnabled reports whether successful outputs are cached.
func (s AgentSettings) CacheEnabled() bool {
	return s.CacheTTL > 0
}

func (s AgentSettings) unset() bool {
	return s.Timeout == 0 && s.CacheTTL == 0 && s.RateLimit == (ratelimit.Limit{}) &&
		s.Retry.MaxRetries == 0 && s.Retry.BaseDelay == 0
}

// DefaultAgentSettings returns the runtime defaults: 30s attempt timeout,
// 3 retries with 1s..10s backoff, 60s cache TTL, 30 requests a minute.
func DefaultAgentSettings() AgentSettings {
	return AgentSettings{
		Timeout:   30 * time.Second,
		Retry:     retry.DefaultPolicy(),
		CacheTTL:  time.Minute,
		RateLimit: ratelimit.Limit{MaxRequests: 30, Window: time.Minute},
	}
}

// Settings holds the defaults and per-agent overrides. A Settings value is
// never mutated once published; updates publish a modified copy.
type Settings struct {
	Default AgentSettings
	Agents  map[string]AgentSettings
}

// For returns the effective settings for agent.
func (s *Settings) For(agent string) AgentSettings {
	if a, ok := s.Agents[agent]; ok {
		return a
	}
	return s.Default
}

func (s *Settings) clone() *Settings {
	cp := &Settings{Default: s.Default, Agents: make(map[string]AgentSettings, len(s.Agents))}
	for k, v := range s.Agents {
		cp.Agents[k] = v
	}
	return cp
}

// settingsStore publishes Settings copy-on-write: readers load a pointer
// without locking, writers serialize on mu and swap in a new copy.
type settingsStore struct {
	mu  sync.Mutex
	cur atomic.Pointer[Settings]
}

func newSettingsStore(s Settings) *settingsStore {
	st := &settingsStore{}
	st.cur.Store(s.clone())
	return st
}

func (s *settingsStore) load() *Settings {
	return s.cur.Load()
}

// update applies fn to a copy of agent's settings and publishes the result.
func (s *settingsStore) update(agent string, fn func(*AgentSettings)) AgentSettings {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.Load().clone()
	a := next.For(agent)
	fn(&a)
	next.Agents[agent] = a
	s.cur.Store(next)
	return a
}
