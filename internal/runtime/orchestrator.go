// Package runtime is the agent execution and resilience runtime. The
// Orchestrator is its only dispatch entry point: it drives the cache, rate
// limiter, circuit breaker, and retry controller around each agent call and
// records exactly one call record per logical request.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/agentrt/internal/agent"
	"github.com/alecgard/agentrt/internal/agenterr"
	"github.com/alecgard/agentrt/internal/alert"
	"github.com/alecgard/agentrt/internal/breaker"
	"github.com/alecgard/agentrt/internal/cache"
	"github.com/alecgard/agentrt/internal/cost"
	"github.com/alecgard/agentrt/internal/health"
	"github.com/alecgard/agentrt/internal/metering"
	"github.com/alecgard/agentrt/internal/monitor"
	"github.com/alecgard/agentrt/internal/optimizer"
	"github.com/alecgard/agentrt/internal/ratelimit"
	"github.com/alecgard/agentrt/internal/registry"
	"github.com/alecgard/agentrt/internal/retry"
)

// Deps are the collaborators of an Orchestrator. Nil fields are replaced with
// default instances, and unset default settings with DefaultAgentSettings.
type Deps struct {
	Registry *registry.Registry
	Settings Settings
	Cache    cache.Cache
	Limiter  *ratelimit.Limiter
	Breaker  *breaker.Breaker
	Monitor  *monitor.Monitor
	Costs    *cost.Tracker
	Pricing  cost.Pricing
	Health   *health.Checker
	Alerts   *alert.Manager
	Rules    *optimizer.Rules
	Archive  Archiver
	Observer Observer
	// AutoApplyHighPriority lets high priority recommendations that are not
	// provider switches be applied without explicit approval.
	AutoApplyHighPriority bool
}

// Orchestrator owns all runtime state for one set of agents.
type Orchestrator struct {
	reg       *registry.Registry
	settings  *settingsStore
	cache     cache.Cache
	limiter   *ratelimit.Limiter
	breaker   *breaker.Breaker
	monitor   *monitor.Monitor
	costs     *cost.Tracker
	pricing   cost.Pricing
	health    *health.Checker
	alerts    *alert.Manager
	rules     optimizer.Rules
	archive   Archiver
	observer  Observer
	autoApply bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an Orchestrator from d.
func New(d Deps) *Orchestrator {
	if d.Registry == nil {
		d.Registry = registry.New()
	}
	if d.Settings.Default.unset() {
		d.Settings.Default = DefaultAgentSettings()
	}
	def := d.Settings.Default
	if d.Cache == nil {
		d.Cache = cache.NewMemory(cache.DefaultMaxEntries)
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.New(def.RateLimit.MaxRequests, def.RateLimit.Window)
	}
	if d.Breaker == nil {
		d.Breaker = breaker.New(breaker.DefaultConfig())
	}
	if d.Monitor == nil {
		d.Monitor = monitor.New(metering.NewRing(metering.DefaultCapacity))
	}
	if d.Costs == nil {
		d.Costs = cost.NewTracker(cost.DefaultMaxHistory)
	}
	if d.Pricing == nil {
		d.Pricing = cost.DefaultPricing()
	}
	if d.Health == nil {
		d.Health = health.NewChecker(d.Registry, health.DefaultConfig())
	}
	if d.Alerts == nil {
		d.Alerts = alert.NewManager(alert.DefaultThresholds())
	}
	rules := optimizer.DefaultRules()
	if d.Rules != nil {
		rules = *d.Rules
	}

	o := &Orchestrator{
		reg:       d.Registry,
		settings:  newSettingsStore(d.Settings),
		cache:     d.Cache,
		limiter:   d.Limiter,
		breaker:   d.Breaker,
		monitor:   d.Monitor,
		costs:     d.Costs,
		pricing:   d.Pricing,
		health:    d.Health,
		alerts:    d.Alerts,
		rules:     rules,
		archive:   d.Archive,
		observer:  d.Observer,
		autoApply: d.AutoApplyHighPriority,
		now:       time.Now,
	}
	for name, s := range d.Settings.Agents {
		o.limiter.Configure(name, s.RateLimit.MaxRequests, s.RateLimit.Window)
	}
	return o
}

// Registry returns the agent registry.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Settings returns the effective settings for agent.
func (o *Orchestrator) Settings(agent string) AgentSettings {
	return o.settings.load().For(agent)
}

// Result is the outcome of Execute.
type Result struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	CacheHit   bool            `json:"cache_hit"`
	Attempts   int             `json:"attempts"`
	DurationMs int64           `json:"duration_ms"`
}

// ErrorInfo is the caller-facing description of a failure.
type ErrorInfo struct {
	Kind         agenterr.Kind `json:"kind"`
	Message      string        `json:"message"`
	RetryAfterMs int64         `json:"retry_after_ms,omitempty"`
	// InvalidInput marks a terminal failure caused by the caller's input
	// rather than the agent.
	InvalidInput bool `json:"invalid_input,omitempty"`
}

// Info converts err into an ErrorInfo. It returns nil for a nil error.
func Info(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{
		Kind:         agenterr.Classify(err),
		Message:      agenterr.Sanitize(err.Error()),
		InvalidInput: errors.Is(err, registry.ErrInvalidInput),
	}
	var ae *agenterr.Error
	if errors.As(err, &ae) {
		info.Message = ae.Error()
		info.RetryAfterMs = ae.RetryAfter.Milliseconds()
	}
	return info
}

// outcome is what one logical call produced.
type outcome struct {
	data       json.RawMessage
	cacheHit   bool
	attempts   int
	durationMs int64
}

// Execute invokes agent with input and reports the outcome as a Result. It
// never panics and never returns a Go error; failures are in Result.Error.
func (o *Orchestrator) Execute(ctx context.Context, agentName string, input json.RawMessage, cc agent.CallContext) Result {
	out, err := o.call(ctx, agentName, "", input, cc)
	return Result{
		Success:    err == nil,
		Data:       out.data,
		Error:      Info(err),
		CacheHit:   out.cacheHit,
		Attempts:   out.attempts,
		DurationMs: out.durationMs,
	}
}

// Call invokes agent with input and returns its output. Failures are
// *agenterr.Error values.
func (o *Orchestrator) Call(ctx context.Context, agentName string, input json.RawMessage, cc agent.CallContext) (json.RawMessage, error) {
	out, err := o.call(ctx, agentName, "", input, cc)
	return out.data, err
}

// call runs the full pipeline for one logical request and appends exactly
// one call record, whatever the outcome.
func (o *Orchestrator) call(ctx context.Context, name, workflow string, input json.RawMessage, cc agent.CallContext) (out outcome, err error) {
	start := o.now()
	rec := metering.CallRecord{
		ID:             uuid.NewString(),
		Agent:          name,
		Workflow:       workflow,
		Timestamp:      start.UTC(),
		InputSizeBytes: int64(len(input)),
	}
	if o.observer != nil {
		guard("observer", func() { o.observer.CallStarted(name) })
	}
	defer func() {
		out.durationMs = o.now().Sub(start).Milliseconds()
		rec.DurationMs = out.durationMs
		rec.Attempts = out.attempts
		rec.CacheHit = out.cacheHit
		rec.OutputSizeBytes = int64(len(out.data))
		if err != nil {
			err = asAgentError(name, err)
			rec.Error = string(agenterr.Classify(err))
			rec.ErrorMessage = agenterr.Sanitize(err.Error())
		} else {
			rec.Success = true
		}
		o.record(rec)
	}()

	defer func() {
		if p := recover(); p != nil {
			slog.Error("agent call panicked", "agent", name, "panic", p)
			out.data, out.cacheHit = nil, false
			err = agenterr.New(agenterr.Terminal, name, "internal error while calling agent")
		}
	}()

	entry, ok := o.reg.Lookup(name)
	if !ok {
		return out, agenterr.New(agenterr.UnknownAgent, name, "agent is not registered")
	}
	st := o.Settings(name)
	backend, model, err := selectBackend(entry, st)
	if err != nil {
		return out, agenterr.Wrap(agenterr.Terminal, name, err)
	}
	rec.Provider = firstNonEmpty(st.Provider, entry.Provider)
	rec.Model = model

	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	if err := entry.ValidateInput(input); err != nil {
		return out, agenterr.Wrap(agenterr.Terminal, name, err)
	}
	key, err := cache.Fingerprint(name, input, cc)
	if err != nil {
		return out, agenterr.Wrap(agenterr.Terminal, name, err)
	}

	if st.CacheEnabled() {
		if v, hit := o.cache.Get(ctx, key); hit {
			out.data = v
			out.cacheHit = true
			return out, nil
		}
	}

	if ok, wait := o.breaker.Allow(name); !ok {
		e := agenterr.New(agenterr.CircuitOpen, name, "circuit is open after repeated failures")
		e.RetryAfter = wait
		return out, e
	}

	if d := o.limiter.TryAcquire(name); !d.Allowed {
		e := agenterr.New(agenterr.RateLimited, name, fmt.Sprintf("rate limit of %d requests exceeded", d.Limit))
		e.RetryAfter = d.RetryAfter
		return out, e
	}

	policy := st.Retry
	policy.AttemptTimeout = st.Timeout
	if o.sleep != nil {
		policy.Sleep = o.sleep
	}
	req := agent.Request{Input: input, Context: cc, Model: model}

	resp, attempts, err := retry.DoValue(ctx, policy, func(actx context.Context) (*agent.Response, error) {
		return invoke(actx, name, backend, req)
	})
	out.attempts = attempts
	if err != nil {
		if agenterr.Classify(err).Temporary() {
			o.breaker.Failure(name)
		}
		return out, err
	}
	o.breaker.Success(name)

	if resp == nil || len(resp.Output) == 0 {
		out.data = json.RawMessage("null")
	} else {
		out.data = resp.Output
	}
	rec.CostUSD = o.chargeCost(name, &rec, resp, input, out.data)

	if st.CacheEnabled() {
		o.cache.Set(ctx, key, out.data, st.CacheTTL)
	}
	return out, nil
}

// InvalidateCache drops every cached reply of agent and returns how many
// entries were removed.
func (o *Orchestrator) InvalidateCache(ctx context.Context, agent string) int {
	n := o.cache.InvalidatePrefix(ctx, cache.AgentPrefix(agent))
	slog.Info("agent cache invalidated", "agent", agent, "entries", n)
	return n
}

// chargeCost prices a successful upstream call and records it with the cost
// tracker. Without reported usage, tokens are estimated from payload sizes.
func (o *Orchestrator) chargeCost(name string, rec *metering.CallRecord, resp *agent.Response, input, output json.RawMessage) float64 {
	if resp != nil {
		rec.Provider = firstNonEmpty(resp.Provider, rec.Provider)
		rec.Model = firstNonEmpty(resp.Model, rec.Model)
	}
	var in, outTokens int64
	if resp != nil && resp.Usage != nil {
		in, outTokens = resp.Usage.InputTokens, resp.Usage.OutputTokens
	} else {
		in, outTokens = cost.EstimateTokens(int64(len(input))), cost.EstimateTokens(int64(len(output)))
	}
	amount := o.pricing.Estimate(rec.Provider, rec.Model, in, outTokens)
	o.costs.Record(cost.Entry{
		Agent:     name,
		Provider:  rec.Provider,
		Model:     rec.Model,
		AmountUSD: amount,
		Timestamp: rec.Timestamp,
	})
	return amount
}

// record hands rec to every sink. A panicking sink is logged and skipped so
// the others still see the call.
func (o *Orchestrator) record(rec metering.CallRecord) {
	guard("monitor", func() { o.monitor.RecordCall(rec) })
	if o.archive != nil {
		guard("archive", func() { o.archive.Record(rec) })
	}
	if o.observer != nil {
		guard("observer", func() { o.observer.CallFinished(rec) })
	}
	if !rec.Success {
		slog.Warn("agent call failed", "agent", rec.Agent, "kind", rec.Error, "attempts", rec.Attempts, "duration_ms", rec.DurationMs)
	}
}

func guard(sink string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("call record sink panicked", "sink", sink, "panic", p)
		}
	}()
	fn()
}

// selectBackend picks the implementation and model the agent's settings
// point at. A provider other than the registered one needs a backend
// registered for it.
func selectBackend(e *registry.Entry, st AgentSettings) (agent.Agent, string, error) {
	a, ok := e.Backend(st.Provider)
	if !ok {
		return nil, "", fmt.Errorf("no backend registered for provider %s", st.Provider)
	}
	if st.Provider == "" || st.Provider == e.Provider {
		return a, firstNonEmpty(st.Model, e.Model), nil
	}
	return a, st.Model, nil
}

// invoke makes one attempt, converting a panic into a terminal error.
func invoke(ctx context.Context, name string, a agent.Agent, req agent.Request) (resp *agent.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("agent panicked", "agent", name, "panic", p)
			resp, err = nil, agenterr.New(agenterr.Terminal, name, "agent panicked")
		}
	}()
	return a.Call(ctx, req)
}

// asAgentError ensures err is an *agenterr.Error naming agent.
func asAgentError(agent string, err error) *agenterr.Error {
	var ae *agenterr.Error
	if errors.As(err, &ae) {
		if ae.Agent == agent {
			return ae
		}
		cp := *ae
		cp.Agent = agent
		return &cp
	}
	return agenterr.Wrap(agenterr.Classify(err), agent, err)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
