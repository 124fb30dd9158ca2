// Package metrics holds the Prometheus collectors of the submission pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "judgepipe"

	ResultOK    = "ok"
	ResultError = "error"
)

var (
	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Total number of execution requests sent to workers.",
	}, []string{"result"})

	DispatchDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "request_duration_seconds",
		Help:      "Duration of single execution request sends in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	})

	DispatchInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "in_flight",
		Help:      "Current number of in-flight execution request sends.",
	})

	IngestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "results_total",
		Help:      "Total number of worker results by ingest outcome.",
	}, []string{"outcome"})

	RetestSubmissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retest",
		Name:      "submissions_total",
		Help:      "Total number of submissions reset for retest.",
	})

	QueueSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "swept_entries_total",
		Help:      "Total number of orphaned queue entries removed by sweeps.",
	})
)

func init() {
	prometheus.MustRegister(
		DispatchTotal,
		DispatchDurationSeconds,
		DispatchInFlight,
		IngestTotal,
		RetestSubmissionsTotal,
		QueueSweptTotal,
	)
}
