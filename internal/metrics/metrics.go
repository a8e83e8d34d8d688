// Package metrics holds the Prometheus collectors shared by the lifecycle components.
// They register with the default registry, which the HTTP server exposes on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "testcluster"

var (
	ControlPlaneCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_plane_calls_total",
		Help:      "Control plane requests by operation and error kind.",
	}, []string{"op", "result"})

	ProvisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cluster_wait_seconds",
		Help:      "Time spent waiting for the cluster to become available.",
		Buckets:   []float64{1, 10, 30, 60, 120, 300, 600, 1200, 2400},
	})

	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_operations_total",
		Help:      "Session ledger operations by operation and result.",
	}, []string{"op", "result"})

	Sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Test sessions created and deleted.",
	}, []string{"event"})

	Reaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaps_total",
		Help:      "Reap runs by outcome.",
	}, []string{"outcome"})
)

// Result is the label value for an operation outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
