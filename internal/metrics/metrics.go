// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ainexus"

// Recorder holds the relay collectors on a private registry. A nil *Recorder
// is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	replies            *prometheus.CounterVec
	completions        *prometheus.CounterVec
	completionDuration prometheus.Histogram
	storeFailures      *prometheus.CounterVec
}

// New registers the relay collectors plus the Go and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies sent to users, by kind.",
		}, []string{"kind"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion calls, by outcome.",
		}, []string{"outcome"}),
		completionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Completion call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "State store failures, by operation.",
		}, []string{"op"}),
	}

	registry.MustRegister(
		r.replies,
		r.completions,
		r.completionDuration,
		r.storeFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Reply counts one reply of the given kind.
func (r *Recorder) Reply(kind string) {
	if r == nil {
		return
	}
	r.replies.WithLabelValues(kind).Inc()
}

// Completion counts one completion call and observes its latency.
func (r *Recorder) Completion(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.completions.WithLabelValues(outcome).Inc()
	r.completionDuration.Observe(elapsed.Seconds())
}

// StoreFailure counts a failed load or save.
func (r *Recorder) StoreFailure(op string) {
	if r == nil {
		return
	}
	r.storeFailures.WithLabelValues(op).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
