package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/repository"
	"github.com/YASSERRMD/query-vault/internal/service/baseline"
	"github.com/YASSERRMD/query-vault/internal/ws"
)

func detectorFixture(metricRepo *stubMetricRepo, aggRepo *stubAggregateRepo, anomalyRepo *stubAnomalyRepo, hub *ws.Hub) *Detector {
	d := NewDetector(metricRepo, anomalyRepo, baseline.NewReader(aggRepo), hub,
		time.Minute, domain.Window1m, 3.0, 100, nil)
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }
	return d
}

func persistedMetric(key domain.ServiceKey, durationMS int64, completedAt time.Time) domain.QueryMetric {
	return domain.QueryMetric{
		ID:          uuid.New(),
		WorkspaceID: key.WorkspaceID,
		ServiceID:   key.ServiceID,
		QueryText:   "SELECT * FROM orders",
		Status:      domain.StatusSuccess,
		DurationMS:  durationMS,
		CompletedAt: completedAt,
	}
}

func TestDetectorFlagsOutlierOnce(t *testing.T) {
	key := domain.ServiceKey{WorkspaceID: uuid.New(), ServiceID: uuid.New()}
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	metricRepo := &stubMetricRepo{
		active: []domain.ServiceKey{key},
		persisted: []domain.QueryMetric{
			persistedMetric(key, 135, now.Add(-10*time.Second)), // z = 3.5
			persistedMetric(key, 105, now.Add(-9*time.Second)),  // z = 0.5
		},
	}
	aggRepo := &stubAggregateRepo{baseline: &domain.RollingBaseline{Mean: 100, Stddev: 10, SampleCount: 500}}
	anomalyRepo := &stubAnomalyRepo{}
	hub := ws.NewHub()
	sub := hub.Subscribe(key.WorkspaceID, 8)
	defer sub.Close()

	d := detectorFixture(metricRepo, aggRepo, anomalyRepo, hub)
	d.detectOnce(context.Background())

	if len(anomalyRepo.anomalies) != 1 {
		t.Fatalf("expected exactly 1 anomaly, got %d", len(anomalyRepo.anomalies))
	}
	a := anomalyRepo.anomalies[0]
	if a.ZScore != 3.5 {
		t.Fatalf("expected z-score 3.5, got %f", a.ZScore)
	}
	if a.DurationMS != 135 || a.MeanDurationMS != 100 || a.StddevDurationMS != 10 {
		t.Fatalf("unexpected anomaly %+v", a)
	}
	if a.MetricID != metricRepo.persisted[0].ID {
		t.Fatalf("anomaly references wrong metric")
	}

	select {
	case <-sub.C():
	default:
		t.Fatalf("anomaly not broadcast")
	}

	// A second cycle must not re-flag the same record.
	d.detectOnce(context.Background())
	if len(anomalyRepo.anomalies) != 1 {
		t.Fatalf("record flagged twice: %d anomalies", len(anomalyRepo.anomalies))
	}
}

func TestDetectorResumesMidTieAcrossBatches(t *testing.T) {
	key := domain.ServiceKey{WorkspaceID: uuid.New(), ServiceID: uuid.New()}
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	completed := now.Add(-10 * time.Second)

	// Two outliers share one completed_at; the id orders them.
	first := persistedMetric(key, 150, completed)
	first.ID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	second := persistedMetric(key, 160, completed)
	second.ID = uuid.MustParse("00000000-0000-0000-0000-000000000002")

	metricRepo := &stubMetricRepo{
		active:    []domain.ServiceKey{key},
		persisted: []domain.QueryMetric{first, second},
	}
	aggRepo := &stubAggregateRepo{baseline: &domain.RollingBaseline{Mean: 100, Stddev: 10, SampleCount: 500}}
	anomalyRepo := &stubAnomalyRepo{}

	d := detectorFixture(metricRepo, aggRepo, anomalyRepo, nil)
	d.batchLimit = 1

	// First cycle stops mid-tie after one record; the next must pick up the
	// second record instead of skipping it or re-reading the first.
	d.detectOnce(context.Background())
	d.detectOnce(context.Background())

	if len(anomalyRepo.anomalies) != 2 {
		t.Fatalf("expected both tied records flagged, got %d", len(anomalyRepo.anomalies))
	}
	if anomalyRepo.anomalies[0].MetricID != first.ID || anomalyRepo.anomalies[1].MetricID != second.ID {
		t.Fatalf("records flagged out of order: %+v", anomalyRepo.anomalies)
	}

	d.detectOnce(context.Background())
	if len(anomalyRepo.anomalies) != 2 {
		t.Fatalf("record flagged twice: %d anomalies", len(anomalyRepo.anomalies))
	}
}

func TestDetectorZeroStddevMeansNoAnomalies(t *testing.T) {
	key := domain.ServiceKey{WorkspaceID: uuid.New(), ServiceID: uuid.New()}
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	metricRepo := &stubMetricRepo{
		active:    []domain.ServiceKey{key},
		persisted: []domain.QueryMetric{persistedMetric(key, 100000, now.Add(-5*time.Second))},
	}
	aggRepo := &stubAggregateRepo{baseline: &domain.RollingBaseline{Mean: 100, Stddev: 0, SampleCount: 500}}
	anomalyRepo := &stubAnomalyRepo{}

	d := detectorFixture(metricRepo, aggRepo, anomalyRepo, nil)
	d.detectOnce(context.Background())

	if len(anomalyRepo.anomalies) != 0 {
		t.Fatalf("expected no anomalies with zero variance, got %d", len(anomalyRepo.anomalies))
	}
}

func TestDetectorSkipsServiceWithoutBaseline(t *testing.T) {
	key := domain.ServiceKey{WorkspaceID: uuid.New(), ServiceID: uuid.New()}
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	metricRepo := &stubMetricRepo{
		active:    []domain.ServiceKey{key},
		persisted: []domain.QueryMetric{persistedMetric(key, 9000, now.Add(-5*time.Second))},
	}
	aggRepo := &stubAggregateRepo{baselineErr: repository.ErrNotFound}
	anomalyRepo := &stubAnomalyRepo{}

	d := detectorFixture(metricRepo, aggRepo, anomalyRepo, nil)
	d.detectOnce(context.Background())

	if len(anomalyRepo.anomalies) != 0 {
		t.Fatalf("expected service skipped without baseline, got %d anomalies", len(anomalyRepo.anomalies))
	}
}

func TestDetectorRequiresMinimumSamples(t *testing.T) {
	key := domain.ServiceKey{WorkspaceID: uuid.New(), ServiceID: uuid.New()}
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	metricRepo := &stubMetricRepo{
		active:    []domain.ServiceKey{key},
		persisted: []domain.QueryMetric{persistedMetric(key, 9000, now.Add(-5*time.Second))},
	}
	aggRepo := &stubAggregateRepo{baseline: &domain.RollingBaseline{Mean: 100, Stddev: 10, SampleCount: 12}}
	anomalyRepo := &stubAnomalyRepo{}

	d := detectorFixture(metricRepo, aggRepo, anomalyRepo, nil)
	d.detectOnce(context.Background())

	if len(anomalyRepo.anomalies) != 0 {
		t.Fatalf("expected thin baseline skipped, got %d anomalies", len(anomalyRepo.anomalies))
	}
}

func TestDetectorFlagsSlowAndFastOutliers(t *testing.T) {
	key := domain.ServiceKey{WorkspaceID: uuid.New(), ServiceID: uuid.New()}
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	metricRepo := &stubMetricRepo{
		active: []domain.ServiceKey{key},
		persisted: []domain.QueryMetric{
			persistedMetric(key, 200, now.Add(-10*time.Second)), // z = 10
			persistedMetric(key, 60, now.Add(-9*time.Second)),   // z = -4
		},
	}
	aggRepo := &stubAggregateRepo{baseline: &domain.RollingBaseline{Mean: 100, Stddev: 10, SampleCount: 500}}
	anomalyRepo := &stubAnomalyRepo{}

	d := detectorFixture(metricRepo, aggRepo, anomalyRepo, nil)
	d.detectOnce(context.Background())

	if len(anomalyRepo.anomalies) != 2 {
		t.Fatalf("expected both directions flagged, got %d", len(anomalyRepo.anomalies))
	}
	if anomalyRepo.anomalies[1].ZScore != -4 {
		t.Fatalf("expected z -4, got %f", anomalyRepo.anomalies[1].ZScore)
	}
}
