package tasks

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/metrics"
	"github.com/YASSERRMD/query-vault/internal/repository"
	"github.com/YASSERRMD/query-vault/internal/service/baseline"
	"github.com/YASSERRMD/query-vault/internal/ws"
)

const (
	defaultDetectInterval = 60 * time.Second
	defaultZThreshold     = 3.0
	defaultMinSamples     = 100
	detectBatchLimit      = 5000

	// Below this the baseline has no usable variance and no anomaly is
	// detectable, rather than a division by zero.
	stddevFloor = 1e-9
)

// metricCursor marks the last record scanned for one service. The id
// tie-breaks records sharing a completed_at, so a batch cut mid-tie resumes
// exactly where it stopped.
type metricCursor struct {
	completedAt time.Time
	id          uuid.UUID
}

// Detector periodically scores newly persisted records against rolling
// baselines and records outliers. A per-service cursor over
// (completed_at, id) guarantees no record is flagged twice or skipped.
type Detector struct {
	metrics    repository.MetricRepository
	anomalies  repository.AnomalyRepository
	baselines  *baseline.Reader
	hub        *ws.Hub
	interval   time.Duration
	window     domain.AggregateWindow
	zThreshold float64
	minSamples int64
	batchLimit int
	cursors    map[domain.ServiceKey]metricCursor
	logger     *slog.Logger
	now        func() time.Time
}

// NewDetector constructs a Detector with sane defaults.
func NewDetector(metricRepo repository.MetricRepository, anomalyRepo repository.AnomalyRepository, baselines *baseline.Reader, hub *ws.Hub, interval time.Duration, window domain.AggregateWindow, zThreshold float64, minSamples int, logger *slog.Logger) *Detector {
	if interval <= 0 {
		interval = defaultDetectInterval
	}
	if !window.Valid() {
		window = domain.Window1m
	}
	if zThreshold <= 0 {
		zThreshold = defaultZThreshold
	}
	if minSamples <= 0 {
		minSamples = defaultMinSamples
	}
	if logger != nil {
		logger = logger.With("component", "anomaly_detector")
	}
	return &Detector{
		metrics:    metricRepo,
		anomalies:  anomalyRepo,
		baselines:  baselines,
		hub:        hub,
		interval:   interval,
		window:     window,
		zThreshold: zThreshold,
		minSamples: int64(minSamples),
		batchLimit: detectBatchLimit,
		cursors:    make(map[domain.ServiceKey]metricCursor),
		logger:     logger,
		now:        time.Now,
	}
}

// Run blocks until the context is cancelled.
func (d *Detector) Run(ctx context.Context) {
	if d.logger != nil {
		d.logger.Info("anomaly detection task started", "interval", d.interval, "z_threshold", d.zThreshold, "window", d.window)
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if d.logger != nil {
				d.logger.Info("anomaly detection task stopped")
			}
			return
		case <-ticker.C:
			d.detectOnce(ctx)
		}
	}
}

// detectOnce runs one detection cycle across all recently active services.
func (d *Detector) detectOnce(ctx context.Context) {
	since := d.now().Add(-2 * d.interval)
	keys, err := d.metrics.ListActiveServices(ctx, since)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("failed to list active services", "error", err)
		}
		return
	}
	for _, key := range keys {
		if err := d.detectService(ctx, key); err != nil {
			if d.logger != nil {
				d.logger.Error("anomaly detection failed for service", "error", err,
					"workspace_id", key.WorkspaceID, "service_id", key.ServiceID)
			}
		}
	}
}

func (d *Detector) detectService(ctx context.Context, key domain.ServiceKey) error {
	b, err := d.baselines.BaselineFor(ctx, key.WorkspaceID, key.ServiceID, d.window)
	if err != nil {
		if errors.Is(err, baseline.ErrUnavailable) {
			// No baseline yet; skip this cycle rather than guess.
			return nil
		}
		return err
	}
	if b.SampleCount < d.minSamples {
		return nil
	}
	if b.Stddev < stddevFloor {
		// All recent durations identical: no detectable anomalies.
		return nil
	}

	cursor, ok := d.cursors[key]
	if !ok {
		// First sighting: only consider records from the current interval so
		// history is not re-flagged after a restart.
		cursor = metricCursor{completedAt: d.now().Add(-d.interval)}
	}

	records, err := d.metrics.ListMetricsSince(ctx, key.WorkspaceID, key.ServiceID, cursor.completedAt, cursor.id, d.batchLimit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		// Records arrive ordered by (completed_at, id), so each one moves
		// the cursor forward.
		cursor = metricCursor{completedAt: rec.CompletedAt, id: rec.ID}
		z := (float64(rec.DurationMS) - b.Mean) / b.Stddev
		if math.Abs(z) <= d.zThreshold {
			continue
		}
		anomaly := domain.Anomaly{
			WorkspaceID:      rec.WorkspaceID,
			ServiceID:        rec.ServiceID,
			MetricID:         rec.ID,
			QueryText:        rec.QueryText,
			DurationMS:       rec.DurationMS,
			MeanDurationMS:   b.Mean,
			StddevDurationMS: b.Stddev,
			ZScore:           z,
			DetectedAt:       d.now().UTC(),
		}
		if err := d.anomalies.InsertAnomaly(ctx, &anomaly); err != nil {
			if d.logger != nil {
				d.logger.Warn("failed to store anomaly", "error", err, "metric_id", rec.ID)
			}
			continue
		}
		metrics.AnomaliesTotal.Inc()
		d.broadcast(anomaly)
	}
	d.cursors[key] = cursor
	return nil
}

func (d *Detector) broadcast(anomaly domain.Anomaly) {
	if d.hub == nil {
		return
	}
	payload, err := MarshalAnomalyEvent(anomaly)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("failed to marshal anomaly event", "error", err)
		}
		return
	}
	d.hub.Publish(anomaly.WorkspaceID, payload)
}
