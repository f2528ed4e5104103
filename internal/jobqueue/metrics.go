package jobqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued counts accepted jobs.
	JobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ragchat",
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Total number of enqueued jobs",
		},
	)

	// JobsCompleted counts jobs reaching a terminal state. Labels: status (finished, failed)
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragchat",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total number of jobs by terminal status",
		},
		[]string{"status"},
	)

	// JobRetries counts redeliveries scheduled after retryable failures.
	JobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ragchat",
			Subsystem: "jobs",
			Name:      "retries_total",
			Help:      "Total number of job retries after retryable failures",
		},
	)

	// WaitDuration tracks WaitForResult latency. Labels: outcome (finished, failed, timeout, not_found, canceled, error)
	WaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragchat",
			Subsystem: "jobs",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for job results in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)
)
