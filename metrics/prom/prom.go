// Package prom exports storagearea cache metrics to Prometheus.
package prom

import (
	"github.com/byuoitav/storagearea/storagearea"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter implements storagearea.Metrics. Every metric is labeled by area.
type Adapter struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	failures      *prometheus.CounterVec
	entries       *prometheus.GaugeVec
}

// New registers the adapter's metrics with reg, or prometheus.DefaultRegisterer when reg is nil.
func New(reg prometheus.Registerer, ns string) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	a := &Adapter{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Reads served with a cached value",
		}, []string{"area"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Reads of keys that weren't cached",
		}, []string{"area"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "cache",
			Name:      "notifications_total",
			Help:      "Change batches received, by whether they applied to the cache's area",
		}, []string{"area", "result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "cache",
			Name:      "provider_failures_total",
			Help:      "Failed provider calls by operation",
		}, []string{"area", "op"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of cached entries",
		}, []string{"area"}),
	}

	reg.MustRegister(a.hits, a.misses, a.notifications, a.failures, a.entries)
	return a
}

// Hit .
func (a *Adapter) Hit(area string) { a.hits.WithLabelValues(area).Inc() }

// Miss .
func (a *Adapter) Miss(area string) { a.misses.WithLabelValues(area).Inc() }

// Notification .
func (a *Adapter) Notification(area string, applied bool) {
	result := "ignored"
	if applied {
		result = "applied"
	}

	a.notifications.WithLabelValues(area, result).Inc()
}

// Failure .
func (a *Adapter) Failure(area, op string) { a.failures.WithLabelValues(area, op).Inc() }

// Size .
func (a *Adapter) Size(area string, entries int) { a.entries.WithLabelValues(area).Set(float64(entries)) }

var _ storagearea.Metrics = (*Adapter)(nil)
