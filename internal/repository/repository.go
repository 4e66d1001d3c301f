package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/YASSERRMD/query-vault/internal/domain"
)

// WorkspaceRepository resolves tenants, their API keys, and their services.
type WorkspaceRepository interface {
	GetWorkspaceByAPIKey(ctx context.Context, apiKey string) (*domain.Workspace, error)
	ListWorkspaceIDs(ctx context.Context) ([]uuid.UUID, error)
	ListServices(ctx context.Context, workspaceID uuid.UUID) ([]domain.Service, error)
}

// MetricRepository persists and reads raw query metrics.
type MetricRepository interface {
	InsertMetricsBatch(ctx context.Context, metrics []domain.QueryMetric) (int, error)
	ListRecentMetrics(ctx context.Context, workspaceID uuid.UUID, limit int) ([]domain.QueryMetric, error)
	ListMetricsSince(ctx context.Context, workspaceID, serviceID uuid.UUID, since time.Time, afterID uuid.UUID, limit int) ([]domain.QueryMetric, error)
	ListActiveServices(ctx context.Context, since time.Time) ([]domain.ServiceKey, error)
}

// AggregateRepository reads the materialized rollup windows.
type AggregateRepository interface {
	ListAggregates(ctx context.Context, workspaceID uuid.UUID, window domain.AggregateWindow, from, to time.Time) ([]domain.AggregatedMetric, error)
	GetBaseline(ctx context.Context, workspaceID, serviceID uuid.UUID, window domain.AggregateWindow, lookback time.Duration) (*domain.RollingBaseline, error)
}

// AnomalyRepository persists and reads detected anomalies.
type AnomalyRepository interface {
	InsertAnomaly(ctx context.Context, anomaly *domain.Anomaly) error
	ListAnomalies(ctx context.Context, workspaceID uuid.UUID, limit int) ([]domain.Anomaly, error)
}

// EmbeddingRepository stores query vectors keyed by (workspace, query hash).
type EmbeddingRepository interface {
	UpsertEmbedding(ctx context.Context, emb *domain.QueryEmbedding) error
	ListPendingQueries(ctx context.Context, workspaceID uuid.UUID, limit int) ([]domain.PendingQuery, error)
	SearchSimilar(ctx context.Context, workspaceID uuid.UUID, vector []float32, limit int, threshold float64) ([]domain.SimilarQuery, error)
}

// RetentionRepository deletes aged-out rows per tier.
type RetentionRepository interface {
	PruneMetrics(ctx context.Context, olderThan time.Duration) (int64, error)
	PruneAggregates(ctx context.Context, window domain.AggregateWindow, olderThan time.Duration) (int64, error)
	PruneAnomalies(ctx context.Context, olderThan time.Duration) (int64, error)
}
