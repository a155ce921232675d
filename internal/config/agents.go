package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alecgard/agentrt/internal/agent"
	"github.com/alecgard/agentrt/internal/provider/anthropic"
	"github.com/alecgard/agentrt/internal/provider/webhook"
	"github.com/alecgard/agentrt/internal/registry"
	"github.com/alecgard/agentrt/internal/runtime"
)

// Tuning holds the per-agent resilience settings. Zero values inherit from
// the level above: agents inherit from defaults, defaults from the runtime.
type Tuning struct {
	Timeout        time.Duration   `yaml:"timeout"`
	MaxRetries     *int            `yaml:"max_retries"`
	RetryBaseDelay time.Duration   `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration   `yaml:"retry_max_delay"`
	CacheTTL       time.Duration   `yaml:"cache_ttl"`
	DisableCache   bool            `yaml:"disable_cache"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

func (t Tuning) validate(where string) error {
	var errs []error
	if t.Timeout < 0 || t.RetryBaseDelay < 0 || t.RetryMaxDelay < 0 || t.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("%s: durations must not be negative", where))
	}
	if t.MaxRetries != nil && *t.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%s: max_retries must not be negative", where))
	}
	if t.RateLimit.MaxRequests < 0 || t.RateLimit.Window < 0 {
		errs = append(errs, fmt.Errorf("%s: rate_limit must not be negative", where))
	}
	return errors.Join(errs...)
}

func (t Tuning) apply(s runtime.AgentSettings) runtime.AgentSettings {
	if t.Timeout > 0 {
		s.Timeout = t.Timeout
	}
	if t.MaxRetries != nil {
		s.Retry.MaxRetries = *t.MaxRetries
	}
	if t.RetryBaseDelay > 0 {
		s.Retry.BaseDelay = t.RetryBaseDelay
	}
	if t.RetryMaxDelay > 0 {
		s.Retry.MaxDelay = t.RetryMaxDelay
	}
	if t.CacheTTL > 0 {
		s.CacheTTL = t.CacheTTL
	}
	if t.DisableCache {
		s.CacheTTL = 0
	}
	if t.RateLimit.MaxRequests > 0 {
		s.RateLimit.MaxRequests = t.RateLimit.MaxRequests
	}
	if t.RateLimit.Window > 0 {
		s.RateLimit.Window = t.RateLimit.Window
	}
	return s
}

// AgentConfig declares an agent served by Claude (provider "claude", the
// default) or by an external HTTP endpoint (provider "http").
type AgentConfig struct {
	Name         string  `yaml:"name"`
	Description  string  `yaml:"description"`
	Provider     string  `yaml:"provider"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int64   `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	// InputSchema is an inline JSON Schema document.
	InputSchema string `yaml:"input_schema"`
	// Probe is the JSON input used by health checks, sent with ProbeContext.
	Probe        string            `yaml:"probe"`
	ProbeContext agent.CallContext `yaml:"probe_context"`
	Fallback     FallbackConfig    `yaml:"fallback"`
	// Endpoint, Auth and Headers apply to http agents.
	Endpoint string            `yaml:"endpoint"`
	Auth     webhook.Auth      `yaml:"auth"`
	Headers  map[string]string `yaml:"headers"`
	Tuning   `yaml:",inline"`
}

// FallbackConfig names the provider the optimizer may switch an agent to.
// A claude fallback reuses the agent's prompt with Model; an http fallback
// calls Endpoint. A fallback on the agent's own provider only changes the
// model.
type FallbackConfig struct {
	Provider string            `yaml:"provider"`
	Model    string            `yaml:"model"`
	Endpoint string            `yaml:"endpoint"`
	Auth     webhook.Auth      `yaml:"auth"`
	Headers  map[string]string `yaml:"headers"`
}

// separateFallback reports whether the fallback needs a backend of its own.
func (a AgentConfig) separateFallback() bool {
	return a.Fallback.Provider != "" && a.Fallback.Provider != a.provider()
}

func (a AgentConfig) validateFallback() error {
	f := a.Fallback
	if f.Provider == "" {
		if f.Model != "" || f.Endpoint != "" {
			return fmt.Errorf("agent %s: fallback needs a provider", a.Name)
		}
		return nil
	}
	if !a.separateFallback() {
		if f.Endpoint != "" {
			return fmt.Errorf("agent %s: fallback on the same provider can only change the model", a.Name)
		}
		return nil
	}
	switch f.Provider {
	case anthropic.ProviderName:
		if f.Model == "" {
			return fmt.Errorf("agent %s: claude fallback needs a model", a.Name)
		}
	case webhook.ProviderName:
		if f.Endpoint == "" {
			return fmt.Errorf("agent %s: http fallback needs an endpoint", a.Name)
		}
		if err := f.Auth.Validate(); err != nil {
			return fmt.Errorf("agent %s fallback: %w", a.Name, err)
		}
	default:
		return fmt.Errorf("agent %s: unsupported fallback provider %q", a.Name, f.Provider)
	}
	return nil
}

func (a AgentConfig) provider() string {
	if a.Provider == "" {
		return anthropic.ProviderName
	}
	return a.Provider
}

// UsesAnthropic reports whether a or its fallback is served by Claude.
func (a AgentConfig) UsesAnthropic() bool {
	return a.provider() == anthropic.ProviderName || a.Fallback.Provider == anthropic.ProviderName
}

func (a AgentConfig) validate() error {
	if a.Name == "" {
		return errors.New("name is required")
	}
	switch p := a.provider(); p {
	case anthropic.ProviderName:
		if a.Model == "" {
			return fmt.Errorf("agent %s: model is required", a.Name)
		}
	case webhook.ProviderName:
		if a.Endpoint == "" {
			return fmt.Errorf("agent %s: endpoint is required", a.Name)
		}
		if err := a.Auth.Validate(); err != nil {
			return fmt.Errorf("agent %s: %w", a.Name, err)
		}
	default:
		return fmt.Errorf("agent %s: unsupported provider %q", a.Name, p)
	}
	if a.InputSchema != "" && !json.Valid([]byte(a.InputSchema)) {
		return fmt.Errorf("agent %s: input_schema is not valid JSON", a.Name)
	}
	if a.Probe != "" && !json.Valid([]byte(a.Probe)) {
		return fmt.Errorf("agent %s: probe is not valid JSON", a.Name)
	}
	if err := a.validateFallback(); err != nil {
		return err
	}
	return a.Tuning.validate("agent " + a.Name)
}

// Registration builds the registry entry for a. msgs serves claude agents
// and hc serves http agents.
func (a AgentConfig) Registration(msgs anthropic.MessagesClient, hc *http.Client) (registry.Registration, error) {
	ag, err := a.build(msgs, hc)
	if err != nil {
		return registry.Registration{}, fmt.Errorf("building agent %s: %w", a.Name, err)
	}
	reg := registry.Registration{
		Name:         a.Name,
		Description:  a.Description,
		Agent:        ag,
		Provider:     a.provider(),
		Model:        a.Model,
		ProbeContext: a.ProbeContext,
	}
	if a.separateFallback() {
		fb, err := a.fallbackConfig().build(msgs, hc)
		if err != nil {
			return registry.Registration{}, fmt.Errorf("building fallback for agent %s: %w", a.Name, err)
		}
		reg.Backends = map[string]agent.Agent{a.Fallback.Provider: fb}
	}
	if a.InputSchema != "" {
		reg.InputSchema = json.RawMessage(a.InputSchema)
	}
	if a.Probe != "" {
		reg.Probe = json.RawMessage(a.Probe)
	}
	return reg, nil
}

// fallbackConfig is a with its fallback provider in place of its own.
func (a AgentConfig) fallbackConfig() AgentConfig {
	fb := a
	fb.Provider = a.Fallback.Provider
	fb.Model = a.Fallback.Model
	fb.Endpoint = a.Fallback.Endpoint
	fb.Auth = a.Fallback.Auth
	fb.Headers = a.Fallback.Headers
	return fb
}

func (a AgentConfig) build(msgs anthropic.MessagesClient, hc *http.Client) (agent.Agent, error) {
	if a.provider() == webhook.ProviderName {
		return webhook.New(hc, webhook.Options{
			Endpoint: a.Endpoint,
			Model:    a.Model,
			Auth:     a.Auth,
			Headers:  a.Headers,
		})
	}
	return anthropic.New(msgs, anthropic.Options{
		Model:        a.Model,
		SystemPrompt: a.SystemPrompt,
		MaxTokens:    a.MaxTokens,
		Temperature:  a.Temperature,
	})
}

// Wire modes for workflow steps.
const (
	WirePrevious = "previous"
	WireInput    = "input"
	WireCombine  = "combine"
)

type WorkflowConfig struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Steps       []StepConfig `yaml:"steps"`
}

// StepConfig is one workflow step. Wire selects how its input is built:
// "previous" (default) feeds the prior step's output, "input" feeds the
// workflow input, and "combine" builds an object from the named steps in From
// ("input" refers to the workflow input). Consecutive steps with the same
// Group run concurrently.
type StepConfig struct {
	Name  string   `yaml:"name"`
	Agent string   `yaml:"agent"`
	Wire  string   `yaml:"wire"`
	From  []string `yaml:"from"`
	Group string   `yaml:"group"`
}

func (w WorkflowConfig) validate(agents map[string]bool) error {
	if w.Name == "" {
		return errors.New("name is required")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one step is required", w.Name)
	}
	// done holds the steps finished before the current group starts; group
	// members cannot see each other's outputs.
	seen := make(map[string]bool, len(w.Steps))
	done := make(map[string]bool, len(w.Steps))
	for i, s := range w.Steps {
		if s.Name == "" || s.Agent == "" {
			return fmt.Errorf("workflow %s: step %d needs a name and an agent", w.Name, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s: duplicate step %q", w.Name, s.Name)
		}
		if i == 0 || s.Group == "" || s.Group != w.Steps[i-1].Group {
			for name := range seen {
				done[name] = true
			}
		}
		if len(agents) > 0 && !agents[s.Agent] {
			return fmt.Errorf("workflow %s: step %s uses unknown agent %q", w.Name, s.Name, s.Agent)
		}
		if _, err := s.wireFunc(); err != nil {
			return fmt.Errorf("workflow %s: step %s: %w", w.Name, s.Name, err)
		}
		for _, from := range s.From {
			if from != "input" && !done[from] {
				return fmt.Errorf("workflow %s: step %s combines %q before it has run", w.Name, s.Name, from)
			}
		}
		seen[s.Name] = true
	}
	return nil
}

func (s StepConfig) wireFunc() (registry.WireFunc, error) {
	switch s.Wire {
	case "", WirePrevious:
		return registry.FromPrevious, nil
	case WireInput:
		return registry.FromInput, nil
	case WireCombine:
		if len(s.From) == 0 {
			return nil, errors.New("combine wiring needs at least one source in from")
		}
		return registry.Combine(s.From...), nil
	}
	return nil, fmt.Errorf("unknown wire mode %q", s.Wire)
}

// Workflow converts w into a registry workflow.
func (w WorkflowConfig) Workflow() (registry.Workflow, error) {
	wf := registry.Workflow{Name: w.Name, Description: w.Description}
	for _, s := range w.Steps {
		wire, err := s.wireFunc()
		if err != nil {
			return registry.Workflow{}, fmt.Errorf("workflow %s: step %s: %w", w.Name, s.Name, err)
		}
		wf.Steps = append(wf.Steps, registry.Step{Name: s.Name, Agent: s.Agent, Wire: wire, Group: s.Group})
	}
	return wf, nil
}

// Settings resolves the configured tuning into runtime settings.
func (c *Config) Settings() runtime.Settings {
	def := c.Defaults.apply(runtime.DefaultAgentSettings())
	s := runtime.Settings{
		Default: def,
		Agents:  make(map[string]runtime.AgentSettings, len(c.Agents)),
	}
	for _, a := range c.Agents {
		st := a.Tuning.apply(def)
		st.Provider = a.provider()
		st.Model = a.Model
		st.FallbackProvider = a.Fallback.Provider
		st.FallbackModel = a.Fallback.Model
		s.Agents[a.Name] = st
	}
	return s
}

