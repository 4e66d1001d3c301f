package tasks

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/repository"
)

type stubMetricRepo struct {
	mu        sync.Mutex
	batches   [][]domain.QueryMetric
	persisted []domain.QueryMetric
	insertErr error
	active    []domain.ServiceKey
}

func (s *stubMetricRepo) InsertMetricsBatch(_ context.Context, metrics []domain.QueryMetric) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	batch := append([]domain.QueryMetric(nil), metrics...)
	s.batches = append(s.batches, batch)
	s.persisted = append(s.persisted, batch...)
	return len(batch), nil
}

func (s *stubMetricRepo) ListRecentMetrics(context.Context, uuid.UUID, int) ([]domain.QueryMetric, error) {
	return nil, nil
}

func (s *stubMetricRepo) ListMetricsSince(_ context.Context, workspaceID, serviceID uuid.UUID, since time.Time, afterID uuid.UUID, limit int) ([]domain.QueryMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.QueryMetric
	for _, m := range s.persisted {
		if m.WorkspaceID != workspaceID || m.ServiceID != serviceID {
			continue
		}
		if m.CompletedAt.After(since) || (m.CompletedAt.Equal(since) && bytes.Compare(m.ID[:], afterID[:]) > 0) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].CompletedAt.Before(out[j].CompletedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubMetricRepo) ListActiveServices(context.Context, time.Time) ([]domain.ServiceKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ServiceKey(nil), s.active...), nil
}

type stubAggregateRepo struct {
	baseline    *domain.RollingBaseline
	baselineErr error
}

func (s *stubAggregateRepo) ListAggregates(context.Context, uuid.UUID, domain.AggregateWindow, time.Time, time.Time) ([]domain.AggregatedMetric, error) {
	return nil, nil
}

func (s *stubAggregateRepo) GetBaseline(_ context.Context, workspaceID, serviceID uuid.UUID, window domain.AggregateWindow, _ time.Duration) (*domain.RollingBaseline, error) {
	if s.baselineErr != nil {
		return nil, s.baselineErr
	}
	b := *s.baseline
	b.WorkspaceID = workspaceID
	b.ServiceID = serviceID
	b.Window = window
	return &b, nil
}

type stubAnomalyRepo struct {
	mu        sync.Mutex
	anomalies []domain.Anomaly
	insertErr error
}

func (s *stubAnomalyRepo) InsertAnomaly(_ context.Context, anomaly *domain.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.anomalies = append(s.anomalies, *anomaly)
	return nil
}

func (s *stubAnomalyRepo) ListAnomalies(context.Context, uuid.UUID, int) ([]domain.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Anomaly(nil), s.anomalies...), nil
}

type stubWorkspaceRepo struct {
	ids []uuid.UUID
}

func (s *stubWorkspaceRepo) GetWorkspaceByAPIKey(context.Context, string) (*domain.Workspace, error) {
	return nil, repository.ErrNotFound
}

func (s *stubWorkspaceRepo) ListWorkspaceIDs(context.Context) ([]uuid.UUID, error) {
	return append([]uuid.UUID(nil), s.ids...), nil
}

func (s *stubWorkspaceRepo) ListServices(context.Context, uuid.UUID) ([]domain.Service, error) {
	return nil, nil
}

type stubEmbeddingRepo struct {
	mu        sync.Mutex
	pending   []domain.PendingQuery
	stored    map[string]domain.QueryEmbedding // keyed workspace|hash
	upsertErr map[string]error
}

func newStubEmbeddingRepo() *stubEmbeddingRepo {
	return &stubEmbeddingRepo{
		stored:    make(map[string]domain.QueryEmbedding),
		upsertErr: make(map[string]error),
	}
}

func embKey(workspaceID uuid.UUID, hash string) string {
	return workspaceID.String() + "|" + hash
}

func (s *stubEmbeddingRepo) UpsertEmbedding(_ context.Context, emb *domain.QueryEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := embKey(emb.WorkspaceID, emb.QueryHash)
	if err := s.upsertErr[key]; err != nil {
		return err
	}
	s.stored[key] = *emb
	return nil
}

func (s *stubEmbeddingRepo) ListPendingQueries(_ context.Context, workspaceID uuid.UUID, limit int) ([]domain.PendingQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PendingQuery
	for _, p := range s.pending {
		if p.WorkspaceID != workspaceID {
			continue
		}
		if _, ok := s.stored[embKey(p.WorkspaceID, p.QueryHash)]; ok {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubEmbeddingRepo) SearchSimilar(context.Context, uuid.UUID, []float32, int, float64) ([]domain.SimilarQuery, error) {
	return nil, nil
}

type stubRetentionRepo struct {
	mu       sync.Mutex
	pruned   map[string]int64
	metricsE error
	aggE     map[domain.AggregateWindow]error
}

func newStubRetentionRepo() *stubRetentionRepo {
	return &stubRetentionRepo{
		pruned: make(map[string]int64),
		aggE:   make(map[domain.AggregateWindow]error),
	}
}

func (s *stubRetentionRepo) PruneMetrics(context.Context, time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsE != nil {
		return 0, s.metricsE
	}
	s.pruned["raw"] += 7
	return 7, nil
}

func (s *stubRetentionRepo) PruneAggregates(_ context.Context, window domain.AggregateWindow, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.aggE[window]; err != nil {
		return 0, err
	}
	s.pruned[string(window)] += 3
	return 3, nil
}

func (s *stubRetentionRepo) PruneAnomalies(context.Context, time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned["anomalies"] += 2
	return 2, nil
}
