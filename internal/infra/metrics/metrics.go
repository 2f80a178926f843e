// Package metrics provides Prometheus metrics for the fleet router:
// request latency, failover and fallback activity, scheduler pressure,
// and fleet health gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Requests ───────────────────────────────────────────────────────────────

// RequestLatency tracks the duration of the successful attempt in seconds
// (for streams, until the first chunk); failed attempts are not observed.
var RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "fleet",
	Name:      "request_latency_seconds",
	Help:      "Generate request duration in seconds.",
	Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900, 1800},
}, []string{"model", "mode", "outcome"})

// AttemptsTotal counts attempts against backends by outcome.
var AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fleet",
	Name:      "attempts_total",
	Help:      "Total backend attempts.",
}, []string{"node", "outcome"})

// FailoversTotal counts candidate failovers within requests.
var FailoversTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fleet",
	Name:      "failovers_total",
	Help:      "Total failovers to a subsequent candidate node.",
})

// FallbacksTotal counts fallback-chain model switches.
var FallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fleet",
	Name:      "fallbacks_total",
	Help:      "Total fallback-chain switches to a smaller model.",
}, []string{"from", "to"})

// ─── Scheduler ──────────────────────────────────────────────────────────────

// InFlight tracks currently executing requests.
var InFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "fleet",
	Name:      "requests_in_flight",
	Help:      "Number of currently executing requests.",
})

// QueueDepth tracks requests waiting for a scheduler permit.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "fleet",
	Name:      "scheduler_queue_depth",
	Help:      "Requests waiting for an admission permit.",
})

// Overloads counts immediate rejections past the queue soft cap.
var Overloads = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fleet",
	Name:      "scheduler_overloads_total",
	Help:      "Requests rejected because the waiting queue was full.",
})

// ─── Fleet ──────────────────────────────────────────────────────────────────

// NodesTotal tracks the number of known nodes.
var NodesTotal = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "fleet",
	Name:      "nodes_total",
	Help:      "Known inference nodes.",
})

// NodesHealthy tracks the number of healthy nodes.
var NodesHealthy = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "fleet",
	Name:      "nodes_healthy",
	Help:      "Healthy inference nodes.",
})

// NodeInFlight tracks per-node in-flight requests.
var NodeInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "fleet",
	Name:      "node_in_flight",
	Help:      "Requests currently executing on each node.",
}, []string{"node"})
