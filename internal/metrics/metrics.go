// Package metrics registers the Prometheus instruments for the ingestion
// core. Everything hangs off the default registry and is exposed on
// /metrics by the HTTP router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "queryvault",
		Subsystem: "ingest",
		Name:      "records_total",
		Help:      "Records accepted into the buffer",
	})

	DroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "queryvault",
		Subsystem: "ingest",
		Name:      "dropped_total",
		Help:      "Records rejected because the buffer was full",
	})

	BufferLen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "queryvault",
		Subsystem: "ingest",
		Name:      "buffer_len",
		Help:      "Records currently buffered awaiting flush",
	})

	FlushBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "queryvault",
		Subsystem: "flush",
		Name:      "batch_size",
		Help:      "Records persisted per flush cycle",
		Buckets:   []float64{1, 10, 100, 1000, 5000, 10000},
	})

	FlushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "queryvault",
		Subsystem: "flush",
		Name:      "failures_total",
		Help:      "Flush cycles that abandoned a batch on persistence failure",
	})

	AnomaliesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "queryvault",
		Subsystem: "anomaly",
		Name:      "detected_total",
		Help:      "Anomaly facts recorded",
	})

	EmbeddingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "queryvault",
		Subsystem: "embedding",
		Name:      "stored_total",
		Help:      "Query embeddings upserted",
	})

	EmbeddingFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "queryvault",
		Subsystem: "embedding",
		Name:      "failures_total",
		Help:      "Per-query embedding failures retried on a later cycle",
	})

	BroadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "queryvault",
		Subsystem: "broadcast",
		Name:      "dropped_total",
		Help:      "Messages shed from saturated subscriber queues",
	})

	RetentionDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queryvault",
		Subsystem: "retention",
		Name:      "deleted_total",
		Help:      "Rows removed by the retention sweeper",
	}, []string{"tier"})
)

// Register attaches all collectors to the given registerer. Double
// registration is tolerated so tests can call it freely.
func Register(reg prometheus.Registerer) {
	collectors := []prometheus.Collector{
		IngestedTotal, DroppedTotal, BufferLen,
		FlushBatchSize, FlushFailures,
		AnomaliesTotal, EmbeddingsTotal, EmbeddingFailures,
		BroadcastDropped, RetentionDeleted,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
