package main

import (
	"fmt"
	"net/http"

	"github.com/alecgard/agentrt/internal/alert"
	"github.com/alecgard/agentrt/internal/breaker"
	"github.com/alecgard/agentrt/internal/cache"
	"github.com/alecgard/agentrt/internal/config"
	"github.com/alecgard/agentrt/internal/health"
	"github.com/alecgard/agentrt/internal/metering"
	"github.com/alecgard/agentrt/internal/monitor"
	"github.com/alecgard/agentrt/internal/provider/anthropic"
	"github.com/alecgard/agentrt/internal/registry"
	"github.com/alecgard/agentrt/internal/runtime"
)

// buildRegistry registers every configured agent and workflow.
func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New()
	if len(cfg.Agents) == 0 {
		return reg, nil
	}

	var msgs anthropic.MessagesClient
	for _, a := range cfg.Agents {
		if !a.UsesAnthropic() {
			continue
		}
		client, err := anthropic.NewClient(cfg.Anthropic.APIKey)
		if err != nil {
			return nil, err
		}
		msgs = client
		break
	}
	hc := &http.Client{Transport: http.DefaultTransport}
	for _, a := range cfg.Agents {
		r, err := a.Registration(msgs, hc)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(r); err != nil {
			return nil, fmt.Errorf("registering agent %s: %w", a.Name, err)
		}
	}
	for _, w := range cfg.Workflows {
		wf, err := w.Workflow()
		if err != nil {
			return nil, err
		}
		if err := reg.RegisterWorkflow(wf); err != nil {
			return nil, fmt.Errorf("registering workflow %s: %w", w.Name, err)
		}
	}
	return reg, nil
}

// buildRuntime assembles an orchestrator from cfg. c, archive and observer
// may be nil.
func buildRuntime(cfg *config.Config, c cache.Cache, archive runtime.Archiver, observer runtime.Observer) (*runtime.Orchestrator, error) {
	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	if c == nil {
		c = cache.NewMemory(cfg.Cache.MaxEntries)
	}
	rules := cfg.Optimizer.Rules

	return runtime.New(runtime.Deps{
		Registry:              reg,
		Settings:              cfg.Settings(),
		Cache:                 c,
		Breaker:               breaker.New(cfg.Breaker),
		Monitor:               monitor.New(metering.NewRing(cfg.Metering.RingCapacity)),
		Pricing:               cfg.Pricing,
		Health:                health.NewChecker(reg, cfg.Health),
		Alerts:                alert.NewManager(cfg.Alerts),
		Rules:                 &rules,
		Archive:               archive,
		Observer:              observer,
		AutoApplyHighPriority: cfg.Optimizer.AutoApplyHighPriority,
	}), nil
}
