// Package metrics exposes coordinator counters to Prometheus.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every coordinator metric
type Collector struct {
	namespace string
	registry  *prometheus.Registry

	sends          *prometheus.CounterVec
	retries        prometheus.Counter
	dedup          *prometheus.CounterVec
	flushes        *prometheus.CounterVec
	batchFallbacks prometheus.Counter
	inFlight       prometheus.Gauge
	duration       *prometheus.HistogramVec
}

// New creates a collector registered on its own registry
func New(namespace string) *Collector {
	c := &Collector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Transport sends by kind (single, batch) and outcome.",
		}, []string{"kind", "outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled after a failed send.",
		}),
		dedup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_total",
			Help:      "Duplicate requests by resolution (piggyback, supersede).",
		}, []string{"resolution"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Batch queue flushes by reason.",
		}, []string{"reason"}),
		batchFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_fallbacks_total",
			Help:      "Combined calls that failed and fell back to individual sends.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "Transport calls currently in flight.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from filing to settlement by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	c.registry.MustRegister(c.sends, c.retries, c.dedup, c.flushes, c.batchFallbacks, c.inFlight, c.duration)
	return c
}

// RegisterPendingGauge exposes fn as the queued request gauge
func (c *Collector) RegisterPendingGauge(fn func() float64) {
	if c == nil {
		return
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      "pending",
		Help:      "Non-aborted requests waiting in batch queues.",
	}, fn))
}

// Send records one transport send
func (c *Collector) Send(kind, outcome string) {
	if c == nil {
		return
	}
	c.sends.WithLabelValues(kind, outcome).Inc()
}

// Retry records one scheduled retry
func (c *Collector) Retry() {
	if c == nil {
		return
	}
	c.retries.Inc()
}

// Dedup records a duplicate resolution
func (c *Collector) Dedup(resolution string) {
	if c == nil {
		return
	}
	c.dedup.WithLabelValues(resolution).Inc()
}

// Flush records a queue flush
func (c *Collector) Flush(reason string) {
	if c == nil {
		return
	}
	c.flushes.WithLabelValues(reason).Inc()
}

// BatchFallback records a failed combined call
func (c *Collector) BatchFallback() {
	if c == nil {
		return
	}
	c.batchFallbacks.Inc()
}

// InFlight adjusts the in-flight gauge by delta
func (c *Collector) InFlight(delta float64) {
	if c == nil {
		return
	}
	c.inFlight.Add(delta)
}

// Settled observes the lifetime of a settled request
func (c *Collector) Settled(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.duration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
