package ygggo_dbclient

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector exports Pool.Stats as Prometheus metrics on every scrape.
type PoolCollector struct {
	pool *Pool

	idle     *prometheus.Desc
	inUse    *prometheus.Desc
	waiters  *prometheus.Desc
	total    *prometheus.Desc
	maxSize  *prometheus.Desc
	leases   *prometheus.Desc
	timeouts *prometheus.Desc
	evicted  *prometheus.Desc
	broken   *prometheus.Desc
}

// NewPoolCollector builds a collector for pool. constLabels are attached to
// every series, e.g. {"database": "orders"}.
func NewPoolCollector(namespace string, pool *Pool, constLabels prometheus.Labels) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db_pool", name), help, nil, constLabels)
	}
	return &PoolCollector{
		pool:     pool,
		idle:     desc("connections_idle", "Number of idle connections"),
		inUse:    desc("connections_in_use", "Number of leased connections"),
		waiters:  desc("waiters", "Number of callers waiting for a lease"),
		total:    desc("connections_total", "Number of live connections including those being dialed"),
		maxSize:  desc("max_size", "Configured maximum pool size"),
		leases:   desc("leases_total", "Total number of leases granted"),
		timeouts: desc("lease_timeouts_total", "Total number of lease requests that timed out"),
		evicted:  desc("evicted_total", "Total number of idle connections evicted"),
		broken:   desc("broken_total", "Total number of connections discarded as broken"),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.idle
	ch <- c.inUse
	ch <- c.waiters
	ch <- c.total
	ch <- c.maxSize
	ch <- c.leases
	ch <- c.timeouts
	ch <- c.evicted
	ch <- c.broken
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge(c.idle, s.Idle)
	gauge(c.inUse, s.InUse)
	gauge(c.waiters, s.Waiters)
	gauge(c.total, s.Total)
	gauge(c.maxSize, s.MaxSize)
	counter(c.leases, s.Leases)
	counter(c.timeouts, s.Timeouts)
	counter(c.evicted, s.Evicted)
	counter(c.broken, s.Broken)
}

var _ prometheus.Collector = (*PoolCollector)(nil)
