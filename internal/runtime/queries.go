package runtime

import (
	"context"
	"time"

	"github.com/alecgard/agentrt/internal/alert"
	"github.com/alecgard/agentrt/internal/breaker"
	"github.com/alecgard/agentrt/internal/cache"
	"github.com/alecgard/agentrt/internal/cost"
	"github.com/alecgard/agentrt/internal/health"
	"github.com/alecgard/agentrt/internal/metering"
	"github.com/alecgard/agentrt/internal/monitor"
	"github.com/alecgard/agentrt/internal/ratelimit"
)

// The methods in this file are read-only views for the query surface.

func (o *Orchestrator) GetAgentMetrics(agent string, window time.Duration) monitor.AgentMetrics {
	return o.monitor.GetAgentMetrics(agent, window)
}

func (o *Orchestrator) GetAllMetrics(window time.Duration) map[string]monitor.AgentMetrics {
	return o.monitor.GetAllMetrics(window)
}

func (o *Orchestrator) GetErrorRate(agent string, window time.Duration) float64 {
	return o.monitor.GetErrorRate(agent, window)
}

// RecentCalls returns up to limit call records, most recent first.
func (o *Orchestrator) RecentCalls(limit int) []metering.CallRecord {
	return o.monitor.GetRecentCalls(limit)
}

func (o *Orchestrator) ErrorStats(agent string) monitor.ErrorStats {
	return o.monitor.ErrorStats(agent)
}

func (o *Orchestrator) Trends(agent string, window time.Duration) []monitor.TrendBucket {
	return o.monitor.Trends(agent, window)
}

func (o *Orchestrator) CompareAgents(names []string, window time.Duration) monitor.Comparison {
	return o.monitor.CompareAgents(names, window)
}

func (o *Orchestrator) GetTotalCosts(window time.Duration) cost.Totals {
	return o.costs.GetTotalCosts(window)
}

func (o *Orchestrator) GetAverageCost() float64 {
	return o.costs.GetAverageCost()
}

func (o *Orchestrator) CacheStats() cache.Stats {
	return o.cache.Stats()
}

func (o *Orchestrator) RateLimitStatus(agent string) ratelimit.Decision {
	return o.limiter.Status(agent)
}

func (o *Orchestrator) CircuitStatus(agent string) breaker.Status {
	return o.breaker.Status(agent)
}

// CheckHealth probes every registered agent now.
func (o *Orchestrator) CheckHealth(ctx context.Context) []health.Result {
	return o.health.CheckAllAgents(ctx)
}

// LastHealth returns the results of the most recent health check.
func (o *Orchestrator) LastHealth() []health.Result {
	return o.health.LastResults()
}

func (o *Orchestrator) ActiveAlerts() []alert.Alert {
	return o.alerts.GetActiveAlerts()
}

func (o *Orchestrator) AlertsByAgent(agent string) []alert.Alert {
	return o.alerts.GetAlertsByAgent(agent)
}

func (o *Orchestrator) ResolveAlert(id string) error {
	return o.alerts.ResolveAlert(id)
}

// OnAlert registers fn to observe newly raised alerts.
func (o *Orchestrator) OnAlert(fn func(alert.Alert)) {
	o.alerts.OnRaise(fn)
}

// EvaluateAlerts checks every agent with recorded calls against the alert
// thresholds, then folds in the last health results. It returns the alerts
// raised or escalated by this pass.
func (o *Orchestrator) EvaluateAlerts(window time.Duration) []alert.Alert {
	var raised []alert.Alert
	for agent, m := range o.monitor.GetAllMetrics(window) {
		raised = append(raised, o.alerts.CheckAlerts(agent, alert.Snapshot{
			Metrics:     m,
			CostPerHour: o.costs.CostPerHour(agent),
		})...)
	}
	for _, r := range o.health.LastResults() {
		if a, ok := o.alerts.CheckHealth(r); ok {
			raised = append(raised, a)
		}
	}
	return raised
}
