package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements cache.Recorder on a private registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	lookups       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	fetchedBytes  prometheus.Counter
	placeholders  prometheus.Counter
	evictedBytes  prometheus.Counter
	swept         prometheus.Counter
	retainedBytes prometheus.Gauge
	retainedCells prometheus.Gauge
}

func NewPrometheusRecorder() *PrometheusRecorder {
	r := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxcache_lookups_total",
			Help: "Cache lookups by result",
		}, []string{"result"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxcache_fetch_duration_seconds",
			Help:    "Latency of cell loads",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		fetchedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxcache_fetched_bytes_total",
			Help: "Payload bytes read from the loader",
		}),
		placeholders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxcache_placeholders_total",
			Help: "Placeholder cells returned after an I/O deadline",
		}),
		evictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxcache_evicted_bytes_total",
			Help: "Bytes released by the retention tier",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxcache_swept_entries_total",
			Help: "Reclaimed index entries removed by sweeps",
		}),
		retainedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxcache_retained_bytes",
			Help: "Bytes held by the retention tier",
		}),
		retainedCells: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxcache_retained_cells",
			Help: "Cells held by the retention tier",
		}),
	}

	r.registry.MustRegister(
		r.lookups,
		r.fetchLatency,
		r.fetchedBytes,
		r.placeholders,
		r.evictedBytes,
		r.swept,
		r.retainedBytes,
		r.retainedCells,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *PrometheusRecorder) OnHit() {
	r.lookups.WithLabelValues("hit").Inc()
}

func (r *PrometheusRecorder) OnMiss() {
	r.lookups.WithLabelValues("miss").Inc()
}

func (r *PrometheusRecorder) OnFetch(d time.Duration, bytes int64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.fetchLatency.WithLabelValues(status).Observe(d.Seconds())
	r.fetchedBytes.Add(float64(bytes))
}

func (r *PrometheusRecorder) OnPlaceholder() {
	r.placeholders.Inc()
}

func (r *PrometheusRecorder) OnEvict(bytes int64) {
	r.evictedBytes.Add(float64(bytes))
}

func (r *PrometheusRecorder) OnSweep(removed int) {
	r.swept.Add(float64(removed))
}

func (r *PrometheusRecorder) OnRetained(bytes int64, entries int) {
	r.retainedBytes.Set(float64(bytes))
	r.retainedCells.Set(float64(entries))
}
