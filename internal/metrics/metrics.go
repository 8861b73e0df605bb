// Package metrics owns the Prometheus registry for the acquisition layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry bundles the process metrics. A nil *Registry is valid and turns
// every recording call into a no-op, which keeps low-level components usable
// in tests without wiring.
type Registry struct {
	registry *prometheus.Registry

	SnapshotDuration prometheus.Histogram
	SnapshotBytes    prometheus.Gauge
	SnapshotErrors   *prometheus.CounterVec
	HTTPRetries      prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	WSReconnects     *prometheus.CounterVec
	WSBars           *prometheus.CounterVec
}

// New creates a registry with all acquisition metrics registered.
func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpfeed_snapshot_duration_seconds",
			Help:    "Wall-clock duration of full snapshot assemblies",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 4.0, 8.0, 16.0},
		}),
		SnapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perpfeed_snapshot_bytes",
			Help: "Serialized size of the most recent snapshot",
		}),
		SnapshotErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpfeed_snapshot_errors_total",
			Help: "Snapshot assemblies that failed, by stage",
		}, []string{"stage"}),
		HTTPRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpfeed_http_retries_total",
			Help: "REST request attempts beyond the first",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpfeed_response_cache_hits_total",
			Help: "REST responses served from the short-TTL cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpfeed_response_cache_misses_total",
			Help: "REST cache lookups that fell through to the network",
		}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpfeed_ws_reconnects_total",
			Help: "WebSocket reconnect cycles, by collector",
		}, []string{"collector"}),
		WSBars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpfeed_ws_closed_bars_total",
			Help: "Closed bars written into stream buffers, by collector",
		}, []string{"collector"}),
	}

	r.registry.MustRegister(
		r.SnapshotDuration, r.SnapshotBytes, r.SnapshotErrors,
		r.HTTPRetries, r.CacheHits, r.CacheMisses,
		r.WSReconnects, r.WSBars,
	)

	return r
}

// Handler exposes the registry for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveSnapshot records a completed assembly.
func (r *Registry) ObserveSnapshot(d time.Duration, size int) {
	if r == nil {
		return
	}
	r.SnapshotDuration.Observe(d.Seconds())
	r.SnapshotBytes.Set(float64(size))
}

// IncSnapshotError counts a failed assembly by stage.
func (r *Registry) IncSnapshotError(stage string) {
	if r == nil {
		return
	}
	r.SnapshotErrors.WithLabelValues(stage).Inc()
}

// IncHTTPRetry counts one retry attempt.
func (r *Registry) IncHTTPRetry() {
	if r == nil {
		return
	}
	r.HTTPRetries.Inc()
}

// IncCacheHit counts a response-cache hit.
func (r *Registry) IncCacheHit() {
	if r == nil {
		return
	}
	r.CacheHits.Inc()
}

// IncCacheMiss counts a response-cache miss.
func (r *Registry) IncCacheMiss() {
	if r == nil {
		return
	}
	r.CacheMisses.Inc()
}

// IncWSReconnect counts one reconnect cycle for the named collector.
func (r *Registry) IncWSReconnect(collector string) {
	if r == nil {
		return
	}
	r.WSReconnects.WithLabelValues(collector).Inc()
}

// IncWSBar counts one closed bar written by the named collector.
func (r *Registry) IncWSBar(collector string) {
	if r == nil {
		return
	}
	r.WSBars.WithLabelValues(collector).Inc()
}

// Summary flattens the gathered counter and gauge values into a name->value
// map for the health endpoint. Histograms report their sample count.
func (r *Registry) Summary() map[string]float64 {
	out := make(map[string]float64)
	if r == nil {
		return out
	}

	families, err := r.registry.Gather()
	if err != nil {
		return out
	}

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[name] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[name] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[name] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}

	return out
}
