// Package flatdbmetrics provides Prometheus metrics for the storage engine.
package flatdbmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine. Each instance owns
// its own Registry rather than registering against the global
// DefaultRegisterer, so opening more than one engine in a process (as the
// test suite does, one per test) never collides over metric names.
type Metrics struct {
	registry *prometheus.Registry

	// Page cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CachePagesInUse     prometheus.Gauge

	// Paged file metrics
	PageAllocationsTotal prometheus.Counter
	PageReleasesTotal    prometheus.Counter
	FileGrowthBytesTotal prometheus.Counter
	FlushesTotal         *prometheus.CounterVec // kind: "full"/"data_only"

	// Task manager metrics
	TaskQueueDepth *prometheus.GaugeVec // manager: "cpu"/"io"
	TasksInFlight  *prometheus.GaugeVec

	// Scheduler / commit metrics
	CommitsTotal          prometheus.Counter
	ReorganizesTotal      prometheus.Counter
	CommitDuration        prometheus.Histogram
	ReorganizeDuration    prometheus.Histogram
	CacheSaturatedRetries prometheus.Counter

	// Engine metrics
	EngineUptimeSeconds prometheus.Gauge
	EngineStartTime     time.Time
	RecordsTotal        prometheus.Gauge

	// Diagnostics metrics
	ExternalModificationsTotal prometheus.Counter
}

// NewMetrics creates all Prometheus metrics, registered against a Registry
// private to this instance.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{registry: reg, EngineStartTime: time.Now()}

	m.CacheHitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "flatdb_cache_hits_total",
		Help: "Total number of page cache hits (lock_from_cache succeeded).",
	})
	m.CacheMissesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "flatdb_cache_misses_total",
		Help: "Total number of page cache misses requiring storage reads.",
	})
	m.CacheEvictionsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "flatdb_cache_evictions_total",
		Help: "Total number of page buffers reclaimed from the eviction list.",
	})
	m.CachePagesInUse = factory.NewGauge(prometheus.GaugeOpts{
		Name: "flatdb_cache_pages_in_use",
		Help: "Current number of page buffers held by the cache.",
	})

	m.PageAllocationsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "flatdb_page_allocations_total",
		Help: "Total number of page runs allocated from the paged file.",
	})
	m.PageReleasesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "flatdb_page_releases_total",
		Help: "Total number of page runs released back to the free list.",
	})
	m.FileGrowthBytesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "flatdb_file_growth_bytes_total",
		Help: "Total bytes the backing file has been extended by.",
	})
	m.FlushesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "flatdb_flushes_total",
		Help: "Total number of flush() calls, by sync kind.",
	}, []string{"kind"})

	m.TaskQueueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flatdb_task_queue_depth",
		Help: "Current number of queued (not yet running) tasks.",
	}, []string{"manager"})
	m.TasksInFlight = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flatdb_tasks_in_flight",
		Help: "Current number of concurrently executing tasks.",
	}, []string{"manager"})

	m.CommitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "flatdb_commits_total",
		Help: "Total number of completed reorganize_and_synchronize commit cycles.",
	})
	m.ReorganizesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "flatdb_reorganizes_total",
		Help: "Total number of index-node reorganize passes.",
	})
	m.CommitDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "flatdb_commit_duration_seconds",
		Help:    "Duration of a full commit cycle.",
		Buckets: prometheus.DefBuckets,
	})
	m.ReorganizeDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "flatdb_reorganize_duration_seconds",
		Help:    "Duration of a single reorganize pass.",
		Buckets: prometheus.DefBuckets,
	})
	m.CacheSaturatedRetries = factory.NewCounter(prometheus.CounterOpts{
		Name: "flatdb_cache_saturated_retries_total",
		Help: "Total number of data-node reads retried after a CacheSaturated signal.",
	})

	m.EngineUptimeSeconds = factory.NewGauge(prometheus.GaugeOpts{
		Name: "flatdb_engine_uptime_seconds",
		Help: "Engine uptime in seconds.",
	})
	m.RecordsTotal = factory.NewGauge(prometheus.GaugeOpts{
		Name: "flatdb_records_total",
		Help: "Total number of records in the committed store.",
	})

	m.ExternalModificationsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "flatdb_external_modifications_total",
		Help: "Total number of write/rename events observed on the backing file by a source other than this process.",
	})

	go m.updateUptime()

	return m
}

// Registry returns the Prometheus registry this instance's metrics were
// registered against, for a diagnostics binary to serve over HTTP.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.EngineUptimeSeconds.Set(time.Since(m.EngineStartTime).Seconds())
	}
}

// RecordFlush records a flush() call of the given kind ("full" or "data_only").
func (m *Metrics) RecordFlush(kind string) {
	m.FlushesTotal.WithLabelValues(kind).Inc()
}

// RecordCommit records a completed commit cycle.
func (m *Metrics) RecordCommit(duration time.Duration) {
	m.CommitsTotal.Inc()
	m.CommitDuration.Observe(duration.Seconds())
}

// RecordReorganize records a single reorganize pass.
func (m *Metrics) RecordReorganize(duration time.Duration) {
	m.ReorganizesTotal.Inc()
	m.ReorganizeDuration.Observe(duration.Seconds())
}

// SetTaskStats updates the queue-depth and in-flight gauges for a manager.
func (m *Metrics) SetTaskStats(manager string, queueDepth, inFlight int) {
	m.TaskQueueDepth.WithLabelValues(manager).Set(float64(queueDepth))
	m.TasksInFlight.WithLabelValues(manager).Set(float64(inFlight))
}
