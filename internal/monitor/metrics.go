package monitor

import (
	"sort"
	"time"

	"github.com/alecgard/agentrt/internal/metering"
)

// AgentMetrics summarizes a set of call records. SuccessfulCalls +
// FailedCalls always equals TotalCalls and every rate is within [0, 1].
type AgentMetrics struct {
	Agent             string  `json:"agent,omitempty"`
	TotalCalls        int     `json:"total_calls"`
	SuccessfulCalls   int     `json:"successful_calls"`
	FailedCalls       int     `json:"failed_calls"`
	CacheHits         int     `json:"cache_hits"`
	AverageDurationMs float64 `json:"average_duration_ms"`
	P95DurationMs     int64   `json:"p95_duration_ms"`
	P99DurationMs     int64   `json:"p99_duration_ms"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	ErrorRate         float64 `json:"error_rate"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

// SuccessRate returns SuccessfulCalls / TotalCalls, or 0 for an empty view.
func (m AgentMetrics) SuccessRate() float64 {
	if m.TotalCalls == 0 {
		return 0
	}
	return float64(m.SuccessfulCalls) / float64(m.TotalCalls)
}

// CostPerCall returns TotalCostUSD / TotalCalls, or 0 for an empty view.
func (m AgentMetrics) CostPerCall() float64 {
	if m.TotalCalls == 0 {
		return 0
	}
	return m.TotalCostUSD / float64(m.TotalCalls)
}

// Compute derives metrics from recs. An empty slice yields all zeros.
func Compute(recs []metering.CallRecord) AgentMetrics {
	var m AgentMetrics
	if len(recs) == 0 {
		return m
	}

	durations := make([]int64, 0, len(recs))
	var totalDuration int64
	for _, r := range recs {
		m.TotalCalls++
		if r.Success {
			m.SuccessfulCalls++
		} else {
			m.FailedCalls++
		}
		if r.CacheHit {
			m.CacheHits++
		}
		m.TotalCostUSD += r.CostUSD
		totalDuration += r.DurationMs
		durations = append(durations, r.DurationMs)
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	n := float64(m.TotalCalls)
	m.AverageDurationMs = float64(totalDuration) / n
	m.P95DurationMs = percentile(durations, 0.95)
	m.P99DurationMs = percentile(durations, 0.99)
	m.CacheHitRate = float64(m.CacheHits) / n
	m.ErrorRate = float64(m.FailedCalls) / n
	return m
}

// percentile returns the nearest-rank percentile of sorted values.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)) * p)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

// TrendBucket aggregates one hour of calls.
type TrendBucket struct {
	Hour              time.Time `json:"hour"`
	Calls             int       `json:"calls"`
	Errors            int       `json:"errors"`
	AverageDurationMs float64   `json:"average_duration_ms"`
}

// hourlyTrends groups recs into UTC hour buckets, oldest first.
func hourlyTrends(recs []metering.CallRecord) []TrendBucket {
	type acc struct {
		calls, errors int
		duration      int64
	}
	byHour := make(map[time.Time]*acc)
	for _, r := range recs {
		h := r.Timestamp.UTC().Truncate(time.Hour)
		a := byHour[h]
		if a == nil {
			a = &acc{}
			byHour[h] = a
		}
		a.calls++
		a.duration += r.DurationMs
		if !r.Success {
			a.errors++
		}
	}

	out := make([]TrendBucket, 0, len(byHour))
	for h, a := range byHour {
		out = append(out, TrendBucket{
			Hour:              h,
			Calls:             a.calls,
			Errors:            a.errors,
			AverageDurationMs: float64(a.duration) / float64(a.calls),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out
}
