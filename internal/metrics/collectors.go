package metrics

import "github.com/prometheus/client_golang/prometheus"

// DBPoolStatFunc returns archive pool statistics without importing pgxpool.
type DBPoolStatFunc func() (total, idle, acquired int32)

// CacheStatFunc returns response cache statistics without importing the
// cache package.
type CacheStatFunc func() (entries int, hits, misses, evictions, expired int64)

// statCollector exposes values read at scrape time. vals must
// return one value per desc, in order.
type statCollector struct {
	descs []*prometheus.Desc
	types []prometheus.ValueType
	vals  func() []float64
}

func (c *statCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *statCollector) Collect(ch chan<- prometheus.Metric) {
	for i, v := range c.vals() {
		ch <- prometheus.MustNewConstMetric(c.descs[i], c.types[i], v)
	}
}

// NewDBPoolCollector creates a collector that exposes archive pool gauges.
func NewDBPoolCollector(statFunc DBPoolStatFunc) prometheus.Collector {
	return &statCollector{
		descs: []*prometheus.Desc{
			prometheus.NewDesc("agentrt_db_pool_total_conns", "Total number of connections in the archive DB pool.", nil, nil),
			prometheus.NewDesc("agentrt_db_pool_idle_conns", "Number of idle connections in the archive DB pool.", nil, nil),
			prometheus.NewDesc("agentrt_db_pool_acquired_conns", "Number of acquired connections in the archive DB pool.", nil, nil),
		},
		types: []prometheus.ValueType{prometheus.GaugeValue, prometheus.GaugeValue, prometheus.GaugeValue},
		vals: func() []float64 {
			total, idle, acquired := statFunc()
			return []float64{float64(total), float64(idle), float64(acquired)}
		},
	}
}

// NewCacheCollector creates a collector that exposes response cache stats.
func NewCacheCollector(statFunc CacheStatFunc) prometheus.Collector {
	return &statCollector{
		descs: []*prometheus.Desc{
			prometheus.NewDesc("agentrt_cache_entries", "Number of entries in the response cache.", nil, nil),
			prometheus.NewDesc("agentrt_cache_hits_total", "Total number of response cache hits.", nil, nil),
			prometheus.NewDesc("agentrt_cache_misses_total", "Total number of response cache misses.", nil, nil),
			prometheus.NewDesc("agentrt_cache_evictions_total", "Total number of entries evicted for capacity.", nil, nil),
			prometheus.NewDesc("agentrt_cache_expired_total", "Total number of entries dropped after their TTL.", nil, nil),
		},
		types: []prometheus.ValueType{
			prometheus.GaugeValue,
			prometheus.CounterValue,
			prometheus.CounterValue,
			prometheus.CounterValue,
			prometheus.CounterValue,
		},
		vals: func() []float64 {
			entries, hits, misses, evictions, expired := statFunc()
			return []float64{float64(entries), float64(hits), float64(misses), float64(evictions), float64(expired)}
		},
	}
}
