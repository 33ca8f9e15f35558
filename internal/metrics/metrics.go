// Package metrics exports live data counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/alexjbarnes/listing-sync/internal/livedata"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "listing_sync"

// Metrics implements livedata.Recorder on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	cacheLoads         *prometheus.CounterVec
	cacheWriteFailures *prometheus.CounterVec
	snapshots          *prometheus.CounterVec
	snapshotItems      *prometheus.GaugeVec
	renders            *prometheus.CounterVec
	subscriptionErrors *prometheus.CounterVec
	adjustments        *prometheus.CounterVec
}

var _ livedata.Recorder = (*Metrics)(nil)

// New creates and registers the collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_loads_total",
			Help:      "Cached snapshot lookups by view and result.",
		}, []string{"view", "result"}),
		cacheWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_failures_total",
			Help:      "Snapshot cache writes that failed.",
		}, []string{"key"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_applied_total",
			Help:      "Pushed snapshots applied to a view's working set.",
		}, []string{"view"}),
		snapshotItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "working_set_items",
			Help:      "Records in the view's working set after the last snapshot.",
		}, []string{"view"}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "Render decisions by view and outcome.",
		}, []string{"view", "outcome"}),
		subscriptionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_errors_total",
			Help:      "Terminal subscription failures.",
		}, []string{"view"}),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adjustments_total",
			Help:      "Remote engagement adjustments by collection, direction and result.",
		}, []string{"collection", "direction", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheLoads,
		m.cacheWriteFailures,
		m.snapshots,
		m.snapshotItems,
		m.renders,
		m.subscriptionErrors,
		m.adjustments,
	)

	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) CacheLoad(view string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}

	m.cacheLoads.WithLabelValues(view, result).Inc()
}

func (m *Metrics) CacheWriteFailed(key string) {
	m.cacheWriteFailures.WithLabelValues(key).Inc()
}

func (m *Metrics) SnapshotApplied(view string, items int) {
	m.snapshots.WithLabelValues(view).Inc()
	m.snapshotItems.WithLabelValues(view).Set(float64(items))
}

func (m *Metrics) Render(view string, skipped bool) {
	outcome := "rendered"
	if skipped {
		outcome = "skipped"
	}

	m.renders.WithLabelValues(view, outcome).Inc()
}

func (m *Metrics) SubscriptionError(view string) {
	m.subscriptionErrors.WithLabelValues(view).Inc()
}

func (m *Metrics) Adjustment(collection string, delta int, err error) {
	direction := "up"
	if delta < 0 {
		direction = "down"
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	m.adjustments.WithLabelValues(collection, direction, result).Inc()
}
