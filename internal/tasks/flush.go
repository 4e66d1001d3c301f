// Package tasks holds the periodic background workers: flush, anomaly
// detection, embedding, and retention. Each worker owns its own timer and
// isolates its failures per cycle; they share nothing in memory and
// rendezvous only through the persistence layer.
package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/YASSERRMD/query-vault/internal/buffer"
	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/metrics"
	"github.com/YASSERRMD/query-vault/internal/repository"
	"github.com/YASSERRMD/query-vault/internal/ws"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultFlushBatch    = 10000
)

// Flusher is the single consumer of the ingestion buffer. Each cycle it
// drains up to one batch, bulk-persists it, and fans the records out to live
// subscribers. A failed persist abandons the batch: the data-loss window is
// bounded by one flush interval and traded deliberately for ingest
// throughput.
type Flusher struct {
	buf       *buffer.Buffer
	repo      repository.MetricRepository
	hub       *ws.Hub
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewFlusher constructs a Flusher with sane defaults.
func NewFlusher(buf *buffer.Buffer, repo repository.MetricRepository, hub *ws.Hub, interval time.Duration, batchSize int, logger *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	if batchSize <= 0 {
		batchSize = defaultFlushBatch
	}
	if logger != nil {
		logger = logger.With("component", "flusher")
	}
	return &Flusher{
		buf:       buf,
		repo:      repo,
		hub:       hub,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run blocks until the context is cancelled. A final drain on shutdown gives
// buffered records one last chance to persist.
func (f *Flusher) Run(ctx context.Context) {
	if f.logger != nil {
		f.logger.Info("flush task started", "interval", f.interval, "batch_size", f.batchSize)
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.drainRemaining(context.Background())
			if f.logger != nil {
				f.logger.Info("flush task stopped")
			}
			return
		case <-ticker.C:
			f.flushOnce(ctx)
		}
	}
}

// flushOnce drains and persists one batch. Returns the number of records
// persisted.
func (f *Flusher) flushOnce(ctx context.Context) int {
	batch := f.buf.Drain(f.batchSize)
	metrics.BufferLen.Set(float64(f.buf.Len()))
	if len(batch) == 0 {
		return 0
	}

	inserted, err := f.repo.InsertMetricsBatch(ctx, batch)
	if err != nil {
		metrics.FlushFailures.Inc()
		if f.logger != nil {
			f.logger.Error("metrics batch lost on persistence failure", "error", err, "batch_size", len(batch))
		}
		return 0
	}
	metrics.FlushBatchSize.Observe(float64(inserted))
	if f.logger != nil {
		f.logger.Debug("metrics batch persisted", "inserted", inserted)
	}

	for i := range batch {
		f.publish(batch[i])
	}
	return inserted
}

// drainRemaining flushes whatever backlog is left, one batch per pass.
func (f *Flusher) drainRemaining(ctx context.Context) {
	for {
		if f.flushOnce(ctx) == 0 && f.buf.Len() == 0 {
			return
		}
	}
}

func (f *Flusher) publish(rec domain.QueryMetric) {
	if f.hub == nil {
		return
	}
	payload, err := MarshalMetricEvent(rec)
	if err != nil {
		if f.logger != nil {
			f.logger.Warn("failed to marshal metric event", "error", err)
		}
		return
	}
	f.hub.Publish(rec.WorkspaceID, payload)
}

// MarshalMetricEvent encodes a persisted metric for streaming clients.
func MarshalMetricEvent(rec domain.QueryMetric) ([]byte, error) {
	return json.Marshal(struct {
		EventType string             `json:"event_type"`
		Metric    domain.QueryMetric `json:"metric"`
	}{EventType: "metric", Metric: rec})
}

// MarshalAnomalyEvent encodes a detected anomaly for streaming clients.
func MarshalAnomalyEvent(anomaly domain.Anomaly) ([]byte, error) {
	return json.Marshal(struct {
		EventType string         `json:"event_type"`
		Anomaly   domain.Anomaly `json:"anomaly"`
	}{EventType: "anomaly", Anomaly: anomaly})
}
