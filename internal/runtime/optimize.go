package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alecgard/agentrt/internal/optimizer"
)

// Errors returned by ApplyRecommendation.
var (
	ErrNotApproved   = errors.New("recommendation requires approval")
	ErrNoAction      = errors.New("recommendation has no applicable action")
	ErrUnknownAction = errors.New("unknown recommendation action")
	ErrNoBackend     = errors.New("agent has no backend for the provider")
)

// Recommendations runs the optimizer over current metrics and settings. It is
// a pure query.
func (o *Orchestrator) Recommendations() []optimizer.Recommendation {
	names := o.reg.Names()
	metrics := o.monitor.GetAllMetrics(0)
	in := make([]optimizer.Input, 0, len(names))
	for _, name := range names {
		st := o.Settings(name)
		entry, _ := o.reg.Lookup(name)
		provider := st.Provider
		if provider == "" && entry != nil {
			provider = entry.Provider
		}
		in = append(in, optimizer.Input{
			Agent:   name,
			Metrics: metrics[name],
			Current: optimizer.Current{
				CacheTTL:         st.CacheTTL,
				MaxRetries:       st.Retry.MaxRetries,
				Provider:         provider,
				FallbackProvider: st.FallbackProvider,
				FallbackModel:    st.FallbackModel,
			},
		})
	}
	return o.rules.Generate(in)
}

// ApplyRecommendation applies rec's action to the live settings. It refuses
// unless approved is true, or auto-apply is enabled and the recommendation
// qualifies for it. It returns the agent's settings after the change.
func (o *Orchestrator) ApplyRecommendation(rec optimizer.Recommendation, approved bool) (AgentSettings, error) {
	if rec.Action == nil {
		return AgentSettings{}, ErrNoAction
	}
	if !approved && !(o.autoApply && optimizer.AutoApplicable(rec)) {
		return AgentSettings{}, ErrNotApproved
	}
	act := *rec.Action
	entry, ok := o.reg.Lookup(act.Agent)
	if !ok {
		return AgentSettings{}, fmt.Errorf("agent %s: not registered", act.Agent)
	}

	var apply func(*AgentSettings)
	switch act.Kind {
	case optimizer.SetCacheTTL:
		if act.CacheTTL <= 0 {
			return AgentSettings{}, fmt.Errorf("cache ttl must be positive")
		}
		apply = func(s *AgentSettings) { s.CacheTTL = act.CacheTTL }
	case optimizer.SetMaxRetries:
		if act.MaxRetries < 0 {
			return AgentSettings{}, fmt.Errorf("max retries must not be negative")
		}
		apply = func(s *AgentSettings) { s.Retry.MaxRetries = act.MaxRetries }
	case optimizer.SwitchProvider:
		if act.Provider == "" {
			return AgentSettings{}, fmt.Errorf("provider is required")
		}
		if _, ok := entry.Backend(act.Provider); !ok {
			return AgentSettings{}, fmt.Errorf("agent %s provider %s: %w", act.Agent, act.Provider, ErrNoBackend)
		}
		apply = func(s *AgentSettings) {
			s.FallbackProvider, s.FallbackModel = s.Provider, s.Model
			s.Provider, s.Model = act.Provider, act.Model
		}
	default:
		return AgentSettings{}, fmt.Errorf("%w: %s", ErrUnknownAction, act.Kind)
	}

	updated := o.settings.update(act.Agent, apply)
	switch act.Kind {
	case optimizer.SwitchProvider, optimizer.SetCacheTTL:
		// Entries written under the old backend or TTL are not served again.
		o.InvalidateCache(context.Background(), act.Agent)
	}
	slog.Info("recommendation applied", "agent", act.Agent, "action", act.Kind, "approved", approved)
	return updated, nil
}
