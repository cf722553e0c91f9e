package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics groups the collectors published by the mutation worker.
type WorkerMetrics struct {
	MutationsProcessed *prometheus.CounterVec
	PingsReceived      prometheus.Counter
	DrainDuration      prometheus.Histogram
	DrainErrors        prometheus.Counter
}

// NewWorkerMetrics builds the worker collectors and registers them with reg.
// A nil registerer yields unregistered collectors, which is what tests want.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		MutationsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "competition",
			Subsystem: "mutations",
			Name:      "processed_total",
			Help:      "Mutation records handled, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		PingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "competition",
			Subsystem: "mutations",
			Name:      "pings_received_total",
			Help:      "Wake signals received by the worker.",
		}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "competition",
			Subsystem: "mutations",
			Name:      "drain_duration_seconds",
			Help:      "Duration of one drain pass over unprocessed mutations.",
			Buckets:   prometheus.DefBuckets,
		}),
		DrainErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "competition",
			Subsystem: "mutations",
			Name:      "drain_errors_total",
			Help:      "Drain passes aborted by a storage error.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.MutationsProcessed, m.PingsReceived, m.DrainDuration, m.DrainErrors)
	}

	return m
}
