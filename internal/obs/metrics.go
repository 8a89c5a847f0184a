package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OperationsTotal counts engine operations by name and outcome
// (ok, rejected, ambiguous, rate_exceeded, error, duplicate).
var OperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "engine",
		Name:      "operations_total",
		Help:      "Total engine operations by outcome",
	},
	[]string{"operation", "outcome"},
)

// OperationLatency tracks end-to-end latency per engine operation, rate
// permit wait included.
var OperationLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "futuresbot",
		Subsystem: "engine",
		Name:      "operation_latency_seconds",
		Help:      "Engine operation latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"operation"},
)

// RateLimitWait tracks how long callers waited for a rate permit.
var RateLimitWait = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "futuresbot",
		Subsystem: "ratelimit",
		Name:      "wait_seconds",
		Help:      "Time spent waiting for a rate permit",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	},
	[]string{"class"},
)

// ReconciliationsTotal counts reconciliation outcomes (settled, pending, error).
var ReconciliationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "tracker",
		Name:      "reconciliations_total",
		Help:      "Total reconciliation attempts by outcome",
	},
	[]string{"outcome"},
)

// StreamReconnectsTotal counts user-data stream reconnect attempts.
var StreamReconnectsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Total user-data stream reconnect attempts",
	},
)

// StreamEventsTotal counts order events delivered by the user-data stream.
var StreamEventsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Total order events received from the user-data stream",
	},
)
