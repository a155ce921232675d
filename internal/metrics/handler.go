package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the live metrics endpoint.
type Summary struct {
	Mode      string        `json:"mode"`
	HTTP      httpSummary   `json:"http"`
	Agents    agentSummary  `json:"agents"`
	RateLimit rejectionInfo `json:"rateLimit"`
	Circuit   rejectionInfo `json:"circuit"`
	Alerts    alertInfo     `json:"alerts"`
	Cache     cacheInfo     `json:"cache"`
	Collector collectorInfo `json:"collector"`
	DB        dbInfo        `json:"db"`
	Server    serverInfo    `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type agentSummary struct {
	TotalCalls  float64 `json:"totalCalls"`
	ActiveCalls float64 `json:"activeCalls"`
	ErrorRate   float64 `json:"errorRate"`
	CacheHits   float64 `json:"cacheHits"`
	Retries     float64 `json:"retries"`
	CostUSD     float64 `json:"costUsd"`
	P50Latency  float64 `json:"p50Latency"`
	P95Latency  float64 `json:"p95Latency"`
}

type rejectionInfo struct {
	Rejections float64 `json:"rejections"`
}

type alertInfo struct {
	Raised   float64 `json:"raised"`
	Critical float64 `json:"critical"`
}

type cacheInfo struct {
	Entries float64 `json:"entries"`
	Hits    float64 `json:"hits"`
	Misses  float64 `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

type collectorInfo struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Records      float64 `json:"records"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return Summary{}, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	calls := fam["agentrt_agent_calls_total"]
	totalCalls := sumCounter(calls, nil)
	var callErrorRate float64
	if totalCalls > 0 {
		callErrorRate = (totalCalls - sumCounter(calls, labelIs("outcome", "success"))) / totalCalls
	}
	hits, misses := counterValue(fam["agentrt_cache_hits_total"]), counterValue(fam["agentrt_cache_misses_total"])
	var hitRate float64
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}
	start := gaugeValue(fam["agentrt_server_start_time_seconds"])

	return Summary{
		Mode: "live",
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["agentrt_http_requests_total"], nil),
			ErrorRate:     httpErrorRate(fam["agentrt_http_requests_total"]),
			P50Latency:    histogramPercentile(fam["agentrt_http_request_duration_seconds"], 0.50, nil),
			P95Latency:    histogramPercentile(fam["agentrt_http_request_duration_seconds"], 0.95, nil),
			P99Latency:    histogramPercentile(fam["agentrt_http_request_duration_seconds"], 0.99, nil),
		},
		Agents: agentSummary{
			TotalCalls:  totalCalls,
			ActiveCalls: sumGauge(fam["agentrt_agent_active_calls"]),
			ErrorRate:   callErrorRate,
			CacheHits:   sumCounter(fam["agentrt_agent_cache_hits_total"], nil),
			Retries:     sumCounter(fam["agentrt_agent_retries_total"], nil),
			CostUSD:     sumCounter(fam["agentrt_agent_cost_usd_total"], nil),
			P50Latency:  histogramPercentile(fam["agentrt_agent_call_duration_seconds"], 0.50, nil),
			P95Latency:  histogramPercentile(fam["agentrt_agent_call_duration_seconds"], 0.95, nil),
		},
		RateLimit: rejectionInfo{
			Rejections: sumCounter(fam["agentrt_agent_rejections_total"], labelIs("reason", "rate_limit")),
		},
		Circuit: rejectionInfo{
			Rejections: sumCounter(fam["agentrt_agent_rejections_total"], labelIs("reason", "circuit_open")),
		},
		Alerts: alertInfo{
			Raised:   sumCounter(fam["agentrt_alerts_raised_total"], nil),
			Critical: sumCounter(fam["agentrt_alerts_raised_total"], labelIs("severity", "critical")),
		},
		Cache: cacheInfo{
			Entries: gaugeValue(fam["agentrt_cache_entries"]),
			Hits:    hits,
			Misses:  misses,
			HitRate: hitRate,
		},
		Collector: collectorInfo{
			BufferSize:   gaugeValue(fam["agentrt_collector_buffer_size"]),
			TotalFlushes: sumCounter(fam["agentrt_collector_flushes_total"], nil),
			FlushErrors:  sumCounter(fam["agentrt_collector_flushes_total"], labelIs("status", "error")),
			Records:      counterValue(fam["agentrt_collector_records_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["agentrt_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["agentrt_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["agentrt_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

// --- Prometheus metric helpers ---

// metricFilter selects the series of a family to aggregate. Nil selects all.
type metricFilter func(*dto.Metric) bool

func labelIs(name, value string) metricFilter {
	return func(m *dto.Metric) bool {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name && lp.GetValue() == value {
				return true
			}
		}
		return false
	}
}

func sumCounter(f *dto.MetricFamily, keep metricFilter) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if keep != nil && !keep(m) {
			continue
		}
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func sumGauge(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetGauge() != nil {
			total += m.GetGauge().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil || len(f.GetMetric()) == 0 {
		return 0
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil || len(f.GetMetric()) == 0 {
		return 0
	}
	return f.GetMetric()[0].GetCounter().GetValue()
}

// httpErrorRate is the fraction of requests answered with a 5xx status.
func httpErrorRate(f *dto.MetricFamily) float64 {
	total := sumCounter(f, nil)
	if total == 0 {
		return 0
	}
	errs := sumCounter(f, func(m *dto.Metric) bool {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				return len(code) > 0 && code[0] == '5'
			}
		}
		return false
	})
	return errs / total
}

// histogramPercentile computes a percentile from the aggregated buckets of
// the selected series using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64, keep metricFilter) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if keep != nil && !keep(m) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Past the last finite bucket.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
