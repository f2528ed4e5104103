package vectorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IndexedChunks is the number of chunks held by the index.
	IndexedChunks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ragchat",
			Subsystem: "index",
			Name:      "chunks",
			Help:      "Number of chunks currently held by the vector index",
		},
	)

	// QueryDuration tracks query latency including the query embedding.
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ragchat",
			Subsystem: "index",
			Name:      "query_duration_seconds",
			Help:      "Duration of index queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// AddTotal counts add batches. Labels: result (success, error)
	AddTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragchat",
			Subsystem: "index",
			Name:      "add_batches_total",
			Help:      "Total number of add batches by result",
		},
		[]string{"result"},
	)

	// CorruptArtifacts counts artifacts found corrupt at load.
	CorruptArtifacts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ragchat",
			Subsystem: "index",
			Name:      "corrupt_artifacts_total",
			Help:      "Total number of corrupt index artifacts detected at load",
		},
	)
)
