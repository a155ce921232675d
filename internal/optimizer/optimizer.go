// Package optimizer turns agent metrics into advisory configuration
// recommendations. It never changes configuration itself.
package optimizer

import (
	"fmt"
	"sort"
	"time"

	"github.com/alecgard/agentrt/internal/monitor"
)

// Priority ranks recommendations.
type Priority string

const (
	High   Priority = "high"
	Medium Priority = "medium"
	Low    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case High:
		return 2
	case Medium:
		return 1
	}
	return 0
}

// Type groups recommendations by the concern they address.
type Type string

const (
	TypeCaching     Type = "caching"
	TypeReliability Type = "reliability"
	TypePerformance Type = "performance"
	TypeCost        Type = "cost"
)

// ActionKind names the configuration change a recommendation proposes.
type ActionKind string

const (
	SetCacheTTL    ActionKind = "set_cache_ttl"
	SetMaxRetries  ActionKind = "set_max_retries"
	SwitchProvider ActionKind = "switch_provider"
)

// Action is a concrete, applicable configuration change. Only the field
// matching Kind is meaningful.
type Action struct {
	Kind       ActionKind    `json:"kind"`
	Agent      string        `json:"agent"`
	CacheTTL   time.Duration `json:"cache_ttl,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`
	Provider   string        `json:"provider,omitempty"`
	Model      string        `json:"model,omitempty"`
}

// Recommendation is one proposed improvement.
type Recommendation struct {
	Type           Type     `json:"type"`
	Priority       Priority `json:"priority"`
	Agent          string   `json:"agent"`
	Recommendation string   `json:"recommendation"`
	ExpectedImpact string   `json:"expected_impact"`
	// Action is nil when the recommendation needs a human decision that
	// cannot be expressed as a setting, such as a provider switch with no
	// configured fallback.
	Action *Action `json:"action,omitempty"`
}

// Current is the part of an agent's live configuration the rules read.
type Current struct {
	CacheTTL         time.Duration
	MaxRetries       int
	Provider         string
	FallbackProvider string
	FallbackModel    string
}

// Input pairs an agent's metrics with its current configuration.
type Input struct {
	Agent   string
	Metrics monitor.AgentMetrics
	Current Current
}

// Rules holds the rule thresholds.
type Rules struct {
	MinCallsForCacheRule int           `yaml:"min_calls_for_cache_rule"`
	LowCacheHitRate      float64       `yaml:"low_cache_hit_rate"`
	HighErrorRate        float64       `yaml:"high_error_rate"`
	HighLatency          time.Duration `yaml:"high_latency"`
	HighCostPerCall      float64       `yaml:"high_cost_per_call"`
	MaxCacheTTL          time.Duration `yaml:"max_cache_ttl"`
	MaxRetries           int           `yaml:"max_retries"`
	DefaultCacheTTL      time.Duration `yaml:"default_cache_ttl"`
}

// DefaultRules returns: cache hit rate below 30% over at least 10 calls,
// error rate above 10%, average latency above 5s, cost above $0.05 a call.
func DefaultRules() Rules {
	return Rules{
		MinCallsForCacheRule: 10,
		LowCacheHitRate:      0.30,
		HighErrorRate:        0.10,
		HighLatency:          5 * time.Second,
		HighCostPerCall:      0.05,
		MaxCacheTTL:          time.Hour,
		MaxRetries:           6,
		DefaultCacheTTL:      5 * time.Minute,
	}
}

// GenerateRecommendations applies the default rules to in.
func GenerateRecommendations(in []Input) []Recommendation {
	return DefaultRules().Generate(in)
}

// Generate applies r to every input and returns the recommendations, highest
// priority first. It has no side effects.
func (r Rules) Generate(in []Input) []Recommendation {
	var out []Recommendation
	for _, i := range in {
		out = append(out, r.forAgent(i)...)
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Priority.rank() > out[b].Priority.rank()
	})
	return out
}

func (r Rules) forAgent(in Input) []Recommendation {
	m := in.Metrics
	if m.TotalCalls == 0 {
		return nil
	}
	var out []Recommendation

	if m.TotalCalls >= r.MinCallsForCacheRule && in.Current.CacheTTL > 0 &&
		m.CacheHitRate < r.LowCacheHitRate && in.Current.CacheTTL < r.MaxCacheTTL {
		ttl := min(in.Current.CacheTTL*2, r.MaxCacheTTL)
		out = append(out, Recommendation{
			Type:     TypeCaching,
			Priority: Medium,
			Agent:    in.Agent,
			Recommendation: fmt.Sprintf("Increase cache TTL from %s to %s; hit rate is %.0f%%",
				in.Current.CacheTTL, ttl, 100*m.CacheHitRate),
			ExpectedImpact: "More repeated inputs served from cache, fewer upstream calls",
			Action:         &Action{Kind: SetCacheTTL, Agent: in.Agent, CacheTTL: ttl},
		})
	}

	if m.ErrorRate > r.HighErrorRate && in.Current.MaxRetries < r.MaxRetries {
		retries := in.Current.MaxRetries + 1
		out = append(out, Recommendation{
			Type:     TypeReliability,
			Priority: High,
			Agent:    in.Agent,
			Recommendation: fmt.Sprintf("Increase max retries from %d to %d; error rate is %.0f%%",
				in.Current.MaxRetries, retries, 100*m.ErrorRate),
			ExpectedImpact: "Transient upstream failures recovered before reaching callers",
			Action:         &Action{Kind: SetMaxRetries, Agent: in.Agent, MaxRetries: retries},
		})
	}

	if m.AverageDurationMs > float64(r.HighLatency.Milliseconds()) {
		rec := Recommendation{
			Type:     TypePerformance,
			Priority: High,
			Agent:    in.Agent,
			Recommendation: fmt.Sprintf("Switch provider; average latency is %.0fms",
				m.AverageDurationMs),
			ExpectedImpact: "Lower response times for interactive callers",
		}
		fb := in.Current.FallbackProvider
		if fb != "" && fb != in.Current.Provider {
			rec.Recommendation = fmt.Sprintf("Switch provider from %s to %s; average latency is %.0fms",
				in.Current.Provider, fb, m.AverageDurationMs)
			rec.Action = &Action{Kind: SwitchProvider, Agent: in.Agent, Provider: fb, Model: in.Current.FallbackModel}
		}
		out = append(out, rec)
	}

	if m.CostPerCall() > r.HighCostPerCall {
		ttl := r.DefaultCacheTTL
		what := fmt.Sprintf("Enable caching with a %s TTL", ttl)
		if in.Current.CacheTTL > 0 {
			ttl = min(in.Current.CacheTTL*2, r.MaxCacheTTL)
			what = fmt.Sprintf("Extend cache TTL to %s", ttl)
		}
		rec := Recommendation{
			Type:     TypeCost,
			Priority: Low,
			Agent:    in.Agent,
			Recommendation: fmt.Sprintf("%s; cost is $%.3f per call",
				what, m.CostPerCall()),
			ExpectedImpact: "Lower spend on repeated inputs",
		}
		if ttl > in.Current.CacheTTL {
			rec.Action = &Action{Kind: SetCacheTTL, Agent: in.Agent, CacheTTL: ttl}
		}
		out = append(out, rec)
	}

	return out
}

// AutoApplicable reports whether rec may be applied without explicit
// approval under an auto-apply policy: only high priority recommendations
// with a concrete action that is not a provider switch.
func AutoApplicable(rec Recommendation) bool {
	return rec.Priority == High && rec.Action != nil && rec.Action.Kind != SwitchProvider
}
