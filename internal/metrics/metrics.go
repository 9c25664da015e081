// Package metrics defines the Prometheus collectors for the ingestion
// pipeline and the handler that exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docsift"

// Classification latency spans quick rejects to multi-minute OCR runs.
var classifyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Metrics holds every collector the pipeline emits. Constructing against an
// isolated registry keeps tests independent.
type Metrics struct {
	UploadsTotal           prometheus.Counter
	DocumentsDeletedTotal  prometheus.Counter
	ClassificationsApplied prometheus.Counter
	ClassificationsSkipped *prometheus.CounterVec
	WorkerFailures         *prometheus.CounterVec
	WorkerInFlight         prometheus.Gauge
	ClassifyDuration       prometheus.Histogram
	BreakerTransitions     *prometheus.CounterVec
	ReprocessedTotal       prometheus.Counter
	ParkedTotal            prometheus.Counter
	SweeperRequeuedTotal   prometheus.Counter
}

// New builds and registers the pipeline collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "uploads_total",
			Help:      "Documents accepted by the upload endpoint.",
		}),
		DocumentsDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "documents_deleted_total",
			Help:      "Documents removed via the delete endpoint.",
		}),
		ClassificationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "classifications_applied_total",
			Help:      "Classification verdicts persisted by the worker.",
		}),
		ClassificationsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "classifications_skipped_total",
			Help:      "Deliveries acked without persisting a verdict.",
		}, []string{"reason"}),
		WorkerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "failures_total",
			Help:      "Deliveries rejected to the DLX, by failure kind.",
		}, []string{"kind"}),
		WorkerInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "in_flight",
			Help:      "Deliveries currently being processed.",
		}),
		ClassifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "request_duration_seconds",
			Help:      "Wall time of classifier service calls (s).",
			Buckets:   classifyBuckets,
		}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes.",
		}, []string{"from", "to"}),
		ReprocessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "reprocessed_total",
			Help:      "Dead-lettered messages republished for another cycle.",
		}),
		ParkedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "parked_total",
			Help:      "Messages moved to the parking lot after exhausting retries.",
		}),
		SweeperRequeuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "requeued_total",
			Help:      "Stale unclassified documents re-enqueued by the sweeper.",
		}),
	}
	reg.MustRegister(
		m.UploadsTotal,
		m.DocumentsDeletedTotal,
		m.ClassificationsApplied,
		m.ClassificationsSkipped,
		m.WorkerFailures,
		m.WorkerInFlight,
		m.ClassifyDuration,
		m.BreakerTransitions,
		m.ReprocessedTotal,
		m.ParkedTotal,
		m.SweeperRequeuedTotal,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
