package domain

import (
	"time"

	"github.com/google/uuid"
)

// RollingBaseline is the mean/stddev of duration over a trailing window for
// one (workspace, service) pair. Derived on demand from the materialized
// aggregate views, never stored.
type RollingBaseline struct {
	WorkspaceID uuid.UUID
	ServiceID   uuid.UUID
	Window      AggregateWindow
	Mean        float64
	Stddev      float64
	SampleCount int64
}

// Anomaly records one record whose duration deviated from its rolling
// baseline beyond the configured z-score threshold. Immutable once written.
type Anomaly struct {
	ID               int64     `json:"id,omitempty"`
	WorkspaceID      uuid.UUID `json:"workspace_id"`
	ServiceID        uuid.UUID `json:"service_id"`
	MetricID         uuid.UUID `json:"metric_id"`
	QueryText        string    `json:"query_text"`
	DurationMS       int64     `json:"duration_ms"`
	MeanDurationMS   float64   `json:"mean_duration_ms"`
	StddevDurationMS float64   `json:"stddev_duration_ms"`
	ZScore           float64   `json:"z_score"`
	DetectedAt       time.Time `json:"detected_at"`
}

// AggregateWindow selects one of the materialized rollup granularities.
type AggregateWindow string

const (
	Window5s AggregateWindow = "5s"
	Window1m AggregateWindow = "1m"
	Window5m AggregateWindow = "5m"
)

// Valid reports whether the window names a materialized view.
func (w AggregateWindow) Valid() bool {
	switch w {
	case Window5s, Window1m, Window5m:
		return true
	}
	return false
}

// AggregatedMetric is one bucket row from a continuous aggregate view.
type AggregatedMetric struct {
	WorkspaceID       uuid.UUID `json:"workspace_id"`
	ServiceID         uuid.UUID `json:"service_id"`
	Bucket            time.Time `json:"bucket"`
	QueryCount        int64     `json:"query_count"`
	AvgDurationMS     *float64  `json:"avg_duration_ms"`
	MinDurationMS     *int64    `json:"min_duration_ms"`
	MaxDurationMS     *int64    `json:"max_duration_ms"`
	P95DurationMS     *float64  `json:"p95_duration_ms"`
	P99DurationMS     *float64  `json:"p99_duration_ms"`
	SuccessCount      *int64    `json:"success_count"`
	FailedCount       *int64    `json:"failed_count"`
	TotalRowsAffected *int64    `json:"total_rows_affected"`
}
