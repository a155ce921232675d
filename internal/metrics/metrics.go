package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alecgard/agentrt/internal/agenterr"
	"github.com/alecgard/agentrt/internal/alert"
	"github.com/alecgard/agentrt/internal/metering"
)

// Metrics holds all Prometheus metric collectors for the agent runtime.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Agent call metrics.
	AgentCallsTotal   *prometheus.CounterVec
	AgentCallDuration *prometheus.HistogramVec
	AgentActiveCalls  *prometheus.GaugeVec
	AgentCacheHits    *prometheus.CounterVec
	AgentRetriesTotal *prometheus.CounterVec
	AgentCostUSDTotal *prometheus.CounterVec
	AgentRejections   *prometheus.CounterVec
	AgentPayloadBytes *prometheus.HistogramVec

	// Alerting.
	AlertsRaisedTotal *prometheus.CounterVec

	// Collector (archive) metrics.
	CollectorBufferSize    prometheus.Gauge
	CollectorFlushesTotal  *prometheus.CounterVec
	CollectorFlushDuration prometheus.Histogram
	CollectorRecordsTotal  prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentrt_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		AgentCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_agent_calls_total",
			Help: "Total number of logical agent calls by outcome.",
		}, []string{"agent", "outcome"}),

		AgentCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentrt_agent_call_duration_seconds",
			Help:    "Agent call duration in seconds, including retries.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent"}),

		AgentActiveCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentrt_agent_active_calls",
			Help: "Number of agent calls in flight.",
		}, []string{"agent"}),

		AgentCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_agent_cache_hits_total",
			Help: "Total number of agent calls served from the response cache.",
		}, []string{"agent"}),

		AgentRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_agent_retries_total",
			Help: "Total number of retry attempts beyond the first.",
		}, []string{"agent"}),

		AgentCostUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_agent_cost_usd_total",
			Help: "Estimated upstream spend in USD.",
		}, []string{"agent", "provider"}),

		AgentRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_agent_rejections_total",
			Help: "Total number of calls rejected before reaching the agent.",
		}, []string{"agent", "reason"}),

		AgentPayloadBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentrt_agent_payload_bytes",
			Help:    "Agent input and output sizes in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"direction"}),

		AlertsRaisedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_alerts_raised_total",
			Help: "Total number of alerts raised.",
		}, []string{"type", "severity"}),

		CollectorBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentrt_collector_buffer_size",
			Help: "Current number of call records waiting to be archived.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_collector_flushes_total",
			Help: "Total number of archive flushes.",
		}, []string{"status"}),

		CollectorFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentrt_collector_flush_duration_seconds",
			Help:    "Duration of archive flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CollectorRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentrt_collector_records_total",
			Help: "Total number of call records archived.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentrt_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AgentCallsTotal,
		m.AgentCallDuration,
		m.AgentActiveCalls,
		m.AgentCacheHits,
		m.AgentRetriesTotal,
		m.AgentCostUSDTotal,
		m.AgentRejections,
		m.AgentPayloadBytes,
		m.AlertsRaisedTotal,
		m.CollectorBufferSize,
		m.CollectorFlushesTotal,
		m.CollectorFlushDuration,
		m.CollectorRecordsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// RegisterCacheCollector registers the response cache stats collector.
func (m *Metrics) RegisterCacheCollector(statFunc CacheStatFunc) {
	m.registry.MustRegister(NewCacheCollector(statFunc))
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, pathPattern string, statusCode int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(d.Seconds())
}

// CallStarted increments the in-flight gauge for agent.
func (m *Metrics) CallStarted(agent string) {
	m.AgentActiveCalls.WithLabelValues(agent).Inc()
}

// CallFinished records the outcome of one logical call.
func (m *Metrics) CallFinished(rec metering.CallRecord) {
	m.AgentActiveCalls.WithLabelValues(rec.Agent).Dec()

	outcome := "success"
	if !rec.Success {
		outcome = rec.Error
	}
	m.AgentCallsTotal.WithLabelValues(rec.Agent, outcome).Inc()
	m.AgentCallDuration.WithLabelValues(rec.Agent).Observe(float64(rec.DurationMs) / 1000)
	m.AgentPayloadBytes.WithLabelValues("in").Observe(float64(rec.InputSizeBytes))
	if rec.Success {
		m.AgentPayloadBytes.WithLabelValues("out").Observe(float64(rec.OutputSizeBytes))
	}

	if rec.CacheHit {
		m.AgentCacheHits.WithLabelValues(rec.Agent).Inc()
	}
	if rec.Attempts > 1 {
		m.AgentRetriesTotal.WithLabelValues(rec.Agent).Add(float64(rec.Attempts - 1))
	}
	if rec.CostUSD > 0 {
		m.AgentCostUSDTotal.WithLabelValues(rec.Agent, rec.Provider).Add(rec.CostUSD)
	}
	switch agenterr.Kind(rec.Error) {
	case agenterr.RateLimited:
		m.AgentRejections.WithLabelValues(rec.Agent, "rate_limit").Inc()
	case agenterr.CircuitOpen:
		m.AgentRejections.WithLabelValues(rec.Agent, "circuit_open").Inc()
	}
}

// AlertRaised counts a newly raised alert.
func (m *Metrics) AlertRaised(a alert.Alert) {
	m.AlertsRaisedTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
}

// SetCollectorBuffer sets the archive buffer gauge.
func (m *Metrics) SetCollectorBuffer(n int) {
	m.CollectorBufferSize.Set(float64(n))
}

// ObserveCollectorFlush records one archive flush.
func (m *Metrics) ObserveCollectorFlush(count int, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	} else {
		m.CollectorRecordsTotal.Add(float64(count))
	}
	m.CollectorFlushesTotal.WithLabelValues(status).Inc()
	m.CollectorFlushDuration.Observe(d.Seconds())
}
