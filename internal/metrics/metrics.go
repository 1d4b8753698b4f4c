package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "listen"

// Embedding provider metrics.
var (
	EmbeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_requests_total",
			Help:      "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_request_duration_seconds",
			Help:      "Embedding request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"model"},
	)

	EmbeddingRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_retries_total",
			Help:      "Embedding calls retried after a transient failure",
		},
		[]string{"model"},
	)
)

// Index and correlation metrics.
var (
	CorrelationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlations_total",
			Help:      "Correlation requests by recommendation",
		},
		[]string{"recommendation"},
	)

	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registered artifacts by outcome",
		},
		[]string{"outcome"}, // "embedded" / "degraded" / "failed"
	)

	IndexConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_conflicts_total",
			Help:      "Index saves rejected by a concurrent writer",
		},
	)

	VectorMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vector_misses_total",
			Help:      "Indexed signals excluded from ranking for lack of a readable vector",
		},
	)
)

var registerOnce sync.Once

// Register registers all listen metrics with the default registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EmbeddingRequestsTotal,
			EmbeddingRequestDuration,
			EmbeddingRetriesTotal,
			CorrelationsTotal,
			RegistrationsTotal,
			IndexConflictsTotal,
			VectorMissesTotal,
			httpRequestDuration,
			httpRequestsTotal,
		)
	})
}
