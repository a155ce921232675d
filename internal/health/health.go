// Package health runs synthetic probe calls against registered agents and
// classifies each as healthy, degraded, or unhealthy.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alecgard/agentrt/internal/agent"
	"github.com/alecgard/agentrt/internal/agenterr"
	"github.com/alecgard/agentrt/internal/registry"
)

// Status is the outcome of a probe.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Result is the outcome of probing one agent.
type Result struct {
	Agent          string    `json:"agent"`
	Status         Status    `json:"status"`
	CheckedAt      time.Time `json:"checked_at"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Provider       string    `json:"provider,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Config tunes probing.
type Config struct {
	// Timeout bounds each probe. Probes are never retried.
	Timeout time.Duration `yaml:"timeout"`
	// SlowThreshold marks a successful probe as degraded when exceeded.
	SlowThreshold time.Duration `yaml:"slow_threshold"`
	// Concurrency caps simultaneous probes. Zero means unlimited.
	Concurrency int `yaml:"concurrency"`
}

// DefaultConfig returns the standard probe settings.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second, SlowThreshold: 5 * time.Second, Concurrency: 8}
}

// Checker probes every agent in a registry. Probes go straight to the agent,
// bypassing the response cache and rate limiter, so they never consume a
// caller's quota or read a stale answer.
type Checker struct {
	reg *registry.Registry
	cfg Config
	now func() time.Time

	mu   sync.RWMutex
	last map[string]Result
}

// NewChecker creates a Checker for the agents in reg.
func NewChecker(reg *registry.Registry, cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Checker{reg: reg, cfg: cfg, now: time.Now, last: make(map[string]Result)}
}

// CheckAllAgents probes every registered agent concurrently and returns the
// results sorted by agent name. A probe failure only affects its own result.
func (c *Checker) CheckAllAgents(ctx context.Context) []Result {
	names := c.reg.Names()
	results := make([]Result, len(names))

	g, gctx := errgroup.WithContext(ctx)
	if c.cfg.Concurrency > 0 {
		g.SetLimit(c.cfg.Concurrency)
	}
	for i, name := range names {
		entry, ok := c.reg.Lookup(name)
		if !ok {
			continue
		}
		g.Go(func() error {
			results[i] = c.probe(gctx, entry)
			return nil
		})
	}
	_ = g.Wait() // probes report failures in their Result

	out := results[:0]
	for _, r := range results {
		if r.Agent != "" {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	c.store(out)
	return out
}

// CheckAgent probes a single agent.
func (c *Checker) CheckAgent(ctx context.Context, name string) (Result, error) {
	entry, ok := c.reg.Lookup(name)
	if !ok {
		return Result{}, agenterr.New(agenterr.UnknownAgent, name, "agent is not registered")
	}
	r := c.probe(ctx, entry)
	c.store([]Result{r})
	return r, nil
}

// LastResults returns the most recent result for each probed agent, sorted
// by agent name.
func (c *Checker) LastResults() []Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Result, 0, len(c.last))
	for _, r := range c.last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

func (c *Checker) store(results []Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range results {
		c.last[r.Agent] = r
	}
}

func (c *Checker) probe(ctx context.Context, e *registry.Entry) Result {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := c.now()
	err := invoke(pctx, e)
	elapsed := c.now().Sub(start)

	r := Result{
		Agent:          e.Name,
		CheckedAt:      start,
		ResponseTimeMs: elapsed.Milliseconds(),
		Provider:       e.Provider,
	}
	if err != nil && pctx.Err() != nil && ctx.Err() == nil {
		err = agenterr.Wrap(agenterr.Timeout, e.Name, fmt.Errorf("probe exceeded %s: %w", c.cfg.Timeout, err))
	}
	r.Status = classify(err, elapsed, c.cfg.SlowThreshold)
	if err != nil {
		r.Error = agenterr.Sanitize(err.Error())
		slog.Warn("health probe failed", "agent", e.Name, "status", r.Status, "error", err)
	}
	return r
}

// invoke calls the agent once, converting a panic into an error. It returns
// when ctx is done even if the agent has not, leaving the call to finish in
// the background.
func invoke(ctx context.Context, e *registry.Entry) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- agenterr.New(agenterr.Terminal, e.Name, fmt.Sprintf("agent panicked: %v", p))
			}
		}()
		_, err := e.Agent.Call(ctx, agent.Request{Input: e.Probe, Context: e.ProbeContext})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		default:
			return ctx.Err()
		}
	}
}

// classify maps a probe outcome onto a Status. Transient upstream trouble
// degrades an agent; timeouts and terminal failures make it unhealthy.
func classify(err error, elapsed, slow time.Duration) Status {
	if err == nil {
		if slow > 0 && elapsed > slow {
			return Degraded
		}
		return Healthy
	}
	if errors.Is(err, context.Canceled) {
		return Unhealthy
	}
	switch agenterr.Classify(err) {
	case agenterr.Transient, agenterr.RateLimited:
		return Degraded
	}
	return Unhealthy
}

// Overall aggregates results: all healthy is healthy, none healthy is
// unhealthy, anything in between is degraded. No results count as healthy.
func Overall(results []Result) Status {
	if len(results) == 0 {
		return Healthy
	}
	healthy := 0
	for _, r := range results {
		if r.Status == Healthy {
			healthy++
		}
	}
	switch healthy {
	case len(results):
		return Healthy
	case 0:
		return Unhealthy
	}
	return Degraded
}
