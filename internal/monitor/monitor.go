// Package monitor derives per-agent metrics from the call record ring. It
// only reads records; the orchestrator is the sole writer.
package monitor

import (
	"sort"
	"time"

	"github.com/alecgard/agentrt/internal/agenterr"
	"github.com/alecgard/agentrt/internal/metering"
)

// recentErrorLimit is how many failures ErrorStats returns in Recent.
const recentErrorLimit = 10

// Monitor answers metric queries over a metering.Ring.
type Monitor struct {
	ring *metering.Ring
	now  func() time.Time
}

// New creates a Monitor over ring.
func New(ring *metering.Ring) *Monitor {
	return &Monitor{ring: ring, now: time.Now}
}

// RecordCall appends rec to the ring.
func (m *Monitor) RecordCall(rec metering.CallRecord) {
	m.ring.Append(rec)
}

// window returns the retained records from the last window. A non-positive
// window returns everything retained.
func (m *Monitor) window(window time.Duration) []metering.CallRecord {
	if window <= 0 {
		return m.ring.Snapshot()
	}
	return m.ring.Since(m.now().Add(-window))
}

func filterAgent(recs []metering.CallRecord, agent string) []metering.CallRecord {
	if agent == "" {
		return recs
	}
	out := recs[:0:0]
	for _, r := range recs {
		if r.Agent == agent {
			out = append(out, r)
		}
	}
	return out
}

// GetAgentMetrics returns metrics for agent over the last window.
func (m *Monitor) GetAgentMetrics(agent string, window time.Duration) AgentMetrics {
	am := Compute(filterAgent(m.window(window), agent))
	am.Agent = agent
	return am
}

// GetAllMetrics returns metrics for every agent seen in the last window.
func (m *Monitor) GetAllMetrics(window time.Duration) map[string]AgentMetrics {
	byAgent := make(map[string][]metering.CallRecord)
	for _, r := range m.window(window) {
		byAgent[r.Agent] = append(byAgent[r.Agent], r)
	}
	out := make(map[string]AgentMetrics, len(byAgent))
	for agent, recs := range byAgent {
		am := Compute(recs)
		am.Agent = agent
		out[agent] = am
	}
	return out
}

// GetErrorRate returns the failure fraction for agent over the last window.
// An empty agent covers all agents.
func (m *Monitor) GetErrorRate(agent string, window time.Duration) float64 {
	return Compute(filterAgent(m.window(window), agent)).ErrorRate
}

// GetRecentCalls returns up to limit records, most recent first.
func (m *Monitor) GetRecentCalls(limit int) []metering.CallRecord {
	return m.ring.Recent(limit)
}

// ErrorStats breaks down the failures retained for one agent.
type ErrorStats struct {
	TotalErrors        int                   `json:"total_errors"`
	TemporaryErrors    int                   `json:"temporary_errors"`
	NonTemporaryErrors int                   `json:"non_temporary_errors"`
	ByKind             map[string]int        `json:"by_kind"`
	Recent             []metering.CallRecord `json:"recent"`
}

// ErrorStats summarizes retained failures for agent, or for all agents when
// agent is empty. Recent holds the latest failures, most recent first.
func (m *Monitor) ErrorStats(agent string) ErrorStats {
	stats := ErrorStats{ByKind: make(map[string]int)}
	recs := filterAgent(m.ring.Snapshot(), agent)
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		if r.Success {
			continue
		}
		stats.TotalErrors++
		stats.ByKind[r.Error]++
		if agenterr.Kind(r.Error).Temporary() {
			stats.TemporaryErrors++
		} else {
			stats.NonTemporaryErrors++
		}
		if len(stats.Recent) < recentErrorLimit {
			stats.Recent = append(stats.Recent, r)
		}
	}
	return stats
}

// Trends returns hourly call, error, and latency buckets for agent over the
// last window.
func (m *Monitor) Trends(agent string, window time.Duration) []TrendBucket {
	return hourlyTrends(filterAgent(m.window(window), agent))
}

// Comparison ranks agents by success rate.
type Comparison struct {
	Best    string                  `json:"best"`
	Worst   string                  `json:"worst"`
	Metrics map[string]AgentMetrics `json:"metrics"`
}

// CompareAgents ranks names by success rate over the last window. Ties keep
// the order names were given in.
func (m *Monitor) CompareAgents(names []string, window time.Duration) Comparison {
	cmp := Comparison{Metrics: make(map[string]AgentMetrics, len(names))}
	if len(names) == 0 {
		return cmp
	}
	for _, name := range names {
		cmp.Metrics[name] = m.GetAgentMetrics(name, window)
	}

	ranked := append([]string(nil), names...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return cmp.Metrics[ranked[i]].SuccessRate() > cmp.Metrics[ranked[j]].SuccessRate()
	})
	cmp.Best = ranked[0]
	cmp.Worst = ranked[len(ranked)-1]
	return cmp
}
