// Package metrics registers and exposes the Prometheus collectors updated
// by the cache coordinator (cache status, fetch duration, global-lock wait)
// and by the request handler (bytes served, active connections).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector pkg-cacher emits, registered once against
// a dedicated registry so the /metrics endpoint never collides with
// whatever default registry an embedding program might use.
type Metrics struct {
	registry *prometheus.Registry

	CacheStatusTotal  *prometheus.CounterVec
	BytesServedTotal  prometheus.Counter
	FetchDuration     *prometheus.HistogramVec
	LockWaitSeconds   prometheus.Histogram
	ActiveConnections prometheus.Gauge
}

// New creates a Metrics bundle and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		CacheStatusTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgcacher_cache_status_total",
			Help: "Count of requests by resolved cache status.",
		}, []string{"status"}),
		BytesServedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pkgcacher_bytes_served_total",
			Help: "Total bytes streamed to clients.",
		}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pkgcacher_fetch_duration_seconds",
			Help:    "Upstream fetch duration by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		LockWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pkgcacher_lock_wait_seconds",
			Help:    "Time spent waiting to acquire the global lock.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pkgcacher_active_connections",
			Help: "Number of currently open client connections.",
		}),
	}
	return m
}

// Handler returns the http.Handler to serve on metrics_addr's /metrics
// endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStatus increments the counter for a resolved cache status
// ("hit", "miss", "expired", "offline").
func (m *Metrics) ObserveStatus(status string) {
	m.CacheStatusTotal.WithLabelValues(status).Inc()
}

// AddBytesServed adds n to the total bytes streamed to clients.
func (m *Metrics) AddBytesServed(n int64) {
	if n <= 0 {
		return
	}
	m.BytesServedTotal.Add(float64(n))
}

// ObserveFetchDuration records how long an upstream fetch took, labeled by
// its outcome ("success", "client_error", "server_error", "error").
func (m *Metrics) ObserveFetchDuration(outcome string, d time.Duration) {
	m.FetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveLockWait records time spent acquiring the global lock.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	m.LockWaitSeconds.Observe(d.Seconds())
}

// IncActiveConnections and DecActiveConnections track the number of
// currently open client connections.
func (m *Metrics) IncActiveConnections() {
	m.ActiveConnections.Inc()
}

func (m *Metrics) DecActiveConnections() {
	m.ActiveConnections.Dec()
}
