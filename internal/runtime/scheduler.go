package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alecgard/agentrt/internal/health"
)

// sweeper is implemented by caches that need periodic expiry.
type sweeper interface {
	Sweep() int
}

// Scheduler drives the periodic work of an Orchestrator from a single
// ticker: health probes, alert evaluation, and cache expiry. Ticks never
// overlap; a tick that runs long delays the next one.
type Scheduler struct {
	o           *Orchestrator
	interval    time.Duration
	alertWindow time.Duration
	done        chan struct{}
	stopOnce    sync.Once
}

// NewScheduler creates a Scheduler that ticks every interval and evaluates
// alerts over the last alertWindow of calls.
func NewScheduler(o *Orchestrator, interval, alertWindow time.Duration) *Scheduler {
	return &Scheduler{
		o:           o,
		interval:    interval,
		alertWindow: alertWindow,
		done:        make(chan struct{}),
	}
}

// Start runs the tick loop. It blocks until Stop is called or the context
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Tick performs one round of periodic work.
func (s *Scheduler) Tick(ctx context.Context) {
	results := s.o.CheckHealth(ctx)
	unhealthy := 0
	for _, r := range results {
		if r.Status != health.Healthy {
			unhealthy++
		}
	}

	raised := s.o.EvaluateAlerts(s.alertWindow)
	for _, a := range raised {
		slog.Warn("alert raised", "agent", a.Agent, "type", a.Type, "severity", a.Severity, "message", a.Message)
	}

	swept := 0
	if sw, ok := s.o.cache.(sweeper); ok {
		swept = sw.Sweep()
	}
	slog.Debug("scheduler tick", "agents", len(results), "not_healthy", unhealthy, "alerts", len(raised), "cache_expired", swept)
}

// Stop signals Start to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
