// Package metrics provides the append-only event sink consumed by the
// request pipeline at each decision point, plus Prometheus mirrors of the
// same counters for scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "apibuddy"

// LatencyBuckets defines histogram buckets for upstream latency (seconds).
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
}

var (
	// EventsTotal counts pipeline events by domain and kind.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total pipeline events by domain and kind",
		},
		[]string{"domain", "kind"},
	)

	// UpstreamLatency tracks upstream round-trip latency.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"domain"},
	)

	// BytesServed counts response payload bytes served to clients.
	BytesServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_served_total",
			Help:      "Total response payload bytes served to clients",
		},
		[]string{"domain"},
	)
)
