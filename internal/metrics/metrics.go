// Package metrics registers the counters and gauges cmd/imagecached
// exposes over /metrics. The library itself never listens on a port; it
// only populates a caller-supplied prometheus.Registry, the pattern used
// for wiring client_golang throughout the rest of the example pack's
// service-shaped repos.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector bundles every metric imagecache reports.
type Collector struct {
	MemoryHits      prometheus.Counter
	DiskHits        prometheus.Counter
	NetworkFetches  prometheus.Counter
	Misses          prometheus.Counter
	Evictions       prometheus.Counter
	BytesFetched    prometheus.Counter
	InFlightTasks   prometheus.Gauge
	RetryAttempts   prometheus.Counter
}

// New creates a Collector and registers every metric on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		MemoryHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecache_memory_hits_total",
			Help: "Retrieve calls satisfied by the memory tier.",
		}),
		DiskHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecache_disk_hits_total",
			Help: "Retrieve calls satisfied by the disk tier.",
		}),
		NetworkFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecache_network_fetches_total",
			Help: "Retrieve calls that required a network fetch.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecache_misses_total",
			Help: "Retrieve calls that failed at every tier.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecache_evictions_total",
			Help: "Entries evicted from either tier.",
		}),
		BytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecache_bytes_fetched_total",
			Help: "Raw bytes pulled over the network.",
		}),
		InFlightTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagecache_inflight_session_tasks",
			Help: "SessionTasks currently coalescing concurrent fetches.",
		}),
		RetryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecache_retry_attempts_total",
			Help: "Retries issued by a RetryStrategy.",
		}),
	}

	reg.MustRegister(
		c.MemoryHits, c.DiskHits, c.NetworkFetches, c.Misses,
		c.Evictions, c.BytesFetched, c.InFlightTasks, c.RetryAttempts,
	)
	return c
}
