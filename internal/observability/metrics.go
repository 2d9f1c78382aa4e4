// Package observability exports driver state to Prometheus: every allocated
// counter, driver liveness, archive storage timings and admin HTTP requests.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rzbill/ipcd/internal/clock"
	"github.com/rzbill/ipcd/internal/counters"
)

const namespace = "ipcd"

// CountersCollector reads the counters store on every scrape.
type CountersCollector struct {
	store   *counters.Store
	clock   clock.Clock
	timeout time.Duration

	value *prometheus.Desc
	up    *prometheus.Desc
}

// NewCountersCollector returns a collector over store. timeout is the driver
// liveness timeout used for ipcd_driver_up.
func NewCountersCollector(store *counters.Store, c clock.Clock, timeout time.Duration) *CountersCollector {
	if c == nil {
		c = clock.System{}
	}
	return &CountersCollector{
		store:   store,
		clock:   c,
		timeout: timeout,
		value: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "counter", "value"),
			"Current value of an allocated driver counter.",
			[]string{"id", "type", "label"}, nil,
		),
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "driver", "up"),
			"1 when the driver heartbeat is within the driver timeout.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *CountersCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.value
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *CountersCollector) Collect(ch chan<- prometheus.Metric) {
	c.store.ForEach(func(id int32, value int64, meta counters.Meta) bool {
		ch <- prometheus.MustNewConstMetric(c.value, prometheus.GaugeValue, float64(value),
			strconv.Itoa(int(id)), counters.TypeName(meta.TypeID), meta.Label)
		return true
	})
	up := 0.0
	if counters.IsDriverActive(c.store, c.timeout, c.clock.Now()) {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)
}

// StorageMetrics observes archive reads and commits. It satisfies
// pebblestore.MetricsHook.
type StorageMetrics struct {
	readBytes    prometheus.Counter
	readSeconds  prometheus.Histogram
	commitBytes  prometheus.Counter
	commitSecond prometheus.Histogram
}

// NewStorageMetrics builds the archive storage metrics.
func NewStorageMetrics() *StorageMetrics {
	return &StorageMetrics{
		readBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "archive", Name: "read_bytes_total",
			Help: "Bytes read from the archive.",
		}),
		readSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "archive", Name: "read_duration_seconds",
			Help: "Archive read latency.", Buckets: prometheus.DefBuckets,
		}),
		commitBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "archive", Name: "commit_bytes_total",
			Help: "Bytes committed to the archive.",
		}),
		commitSecond: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "archive", Name: "commit_duration_seconds",
			Help: "Archive batch commit latency.", Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *StorageMetrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.readBytes.Add(float64(bytes))
	m.readSeconds.Observe(elapsed.Seconds())
}

func (m *StorageMetrics) ObserveBatchCommit(elapsed time.Duration, bytes int) {
	m.commitBytes.Add(float64(bytes))
	m.commitSecond.Observe(elapsed.Seconds())
}

func (m *StorageMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.readBytes, m.readSeconds, m.commitBytes, m.commitSecond}
}

// HTTPMetrics counts admin API requests.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics builds the admin HTTP metrics.
func NewHTTPMetrics() *HTTPMetrics {
	return &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "path", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "Admin HTTP request duration in seconds.", Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

// Record notes one request.
func (m *HTTPMetrics) Record(method, path string, status int, d time.Duration) {
	s := strconv.Itoa(status)
	m.requests.WithLabelValues(method, path, s).Inc()
	m.duration.WithLabelValues(method, path, s).Observe(d.Seconds())
}

// Registry bundles the driver's collectors in a dedicated registry.
type Registry struct {
	*prometheus.Registry
	Storage *StorageMetrics
	HTTP    *HTTPMetrics
}

// NewRegistry registers the counters collector, storage and HTTP metrics and
// the Go runtime collectors.
func NewRegistry(store *counters.Store, c clock.Clock, driverTimeout time.Duration) (*Registry, error) {
	r := &Registry{Registry: prometheus.NewRegistry(), Storage: NewStorageMetrics(), HTTP: NewHTTPMetrics()}
	cs := []prometheus.Collector{
		NewCountersCollector(store, c, driverTimeout),
		r.HTTP.requests,
		r.HTTP.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	cs = append(cs, r.Storage.collectors()...)
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			return nil, err
		}
	}
	return r, nil
}
