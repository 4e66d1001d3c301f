// Package postgres implements the persistence interfaces on
// PostgreSQL/TimescaleDB with pgvector for similarity search.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.WorkspaceRepository = (*Repository)(nil)
	_ repository.MetricRepository    = (*Repository)(nil)
	_ repository.AggregateRepository = (*Repository)(nil)
	_ repository.AnomalyRepository   = (*Repository)(nil)
	_ repository.EmbeddingRepository = (*Repository)(nil)
	_ repository.RetentionRepository = (*Repository)(nil)
)

// GetWorkspaceByAPIKey resolves the workspace owning an API key.
func (r *Repository) GetWorkspaceByAPIKey(ctx context.Context, apiKey string) (*domain.Workspace, error) {
	const query = `SELECT id, name, api_key, created_at, updated_at FROM workspaces WHERE api_key = $1`
	row := r.pool.QueryRow(ctx, query, apiKey)
	var ws domain.Workspace
	if err := row.Scan(&ws.ID, &ws.Name, &ws.APIKey, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &ws, nil
}

// ListWorkspaceIDs returns the ids of all workspaces.
func (r *Repository) ListWorkspaceIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM workspaces`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListServices returns the registered services of a workspace.
func (r *Repository) ListServices(ctx context.Context, workspaceID uuid.UUID) ([]domain.Service, error) {
	const query = `SELECT id, workspace_id, name, created_at
		FROM services
		WHERE workspace_id = $1
		ORDER BY name`
	rows, err := r.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var services []domain.Service
	for rows.Next() {
		var svc domain.Service
		if err := rows.Scan(&svc.ID, &svc.WorkspaceID, &svc.Name, &svc.CreatedAt); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

var metricColumns = []string{
	"id", "workspace_id", "service_id", "query_text", "status",
	"duration_ms", "rows_affected", "error_message",
	"started_at", "completed_at", "tags",
}

// InsertMetricsBatch bulk-inserts one drained batch via COPY.
func (r *Repository) InsertMetricsBatch(ctx context.Context, metrics []domain.QueryMetric) (int, error) {
	if len(metrics) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(metrics))
	for i, m := range metrics {
		rows[i] = []any{
			m.ID, m.WorkspaceID, m.ServiceID, m.QueryText, string(m.Status),
			m.DurationMS, m.RowsAffected, m.ErrorMessage,
			m.StartedAt, m.CompletedAt, m.Tags,
		}
	}
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"query_metrics"}, metricColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy metrics batch: %w", err)
	}
	return int(n), nil
}

const metricSelectColumns = `id, workspace_id, service_id, query_text, status,
		duration_ms, rows_affected, error_message, started_at, completed_at, COALESCE(tags, '{}')`

// ListRecentMetrics returns the latest raw metrics for a workspace.
func (r *Repository) ListRecentMetrics(ctx context.Context, workspaceID uuid.UUID, limit int) ([]domain.QueryMetric, error) {
	query := `SELECT ` + metricSelectColumns + `
		FROM query_metrics
		WHERE workspace_id = $1
		ORDER BY completed_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMetrics(rows)
}

// ListMetricsSince returns metrics for one service past the (since, afterID)
// cursor, oldest first. The tuple comparison makes the cursor exact even
// when many records share one completed_at, so a batch cut mid-tie resumes
// where it stopped.
func (r *Repository) ListMetricsSince(ctx context.Context, workspaceID, serviceID uuid.UUID, since time.Time, afterID uuid.UUID, limit int) ([]domain.QueryMetric, error) {
	query := `SELECT ` + metricSelectColumns + `
		FROM query_metrics
		WHERE workspace_id = $1 AND service_id = $2 AND (completed_at, id) > ($3, $4)
		ORDER BY completed_at ASC, id ASC
		LIMIT $5`
	rows, err := r.pool.Query(ctx, query, workspaceID, serviceID, since, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMetrics(rows)
}

// ListActiveServices returns (workspace, service) pairs that produced
// metrics after the given instant.
func (r *Repository) ListActiveServices(ctx context.Context, since time.Time) ([]domain.ServiceKey, error) {
	const query = `SELECT DISTINCT workspace_id, service_id
		FROM query_metrics
		WHERE completed_at > $1`
	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.ServiceKey
	for rows.Next() {
		var key domain.ServiceKey
		if err := rows.Scan(&key.WorkspaceID, &key.ServiceID); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func scanMetrics(rows pgx.Rows) ([]domain.QueryMetric, error) {
	var metrics []domain.QueryMetric
	for rows.Next() {
		var m domain.QueryMetric
		var status string
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.ServiceID, &m.QueryText, &status,
			&m.DurationMS, &m.RowsAffected, &m.ErrorMessage, &m.StartedAt, &m.CompletedAt, &m.Tags); err != nil {
			return nil, err
		}
		m.Status = domain.QueryStatus(status)
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// viewForWindow maps a window to its continuous aggregate view. The view
// name is interpolated, so it must come from this fixed set.
func viewForWindow(window domain.AggregateWindow) (string, error) {
	switch window {
	case domain.Window5s:
		return "metrics_5s", nil
	case domain.Window1m:
		return "metrics_1m", nil
	case domain.Window5m:
		return "metrics_5m", nil
	}
	return "", fmt.Errorf("invalid aggregate window %q", window)
}

// ListAggregates returns bucket rows from a continuous aggregate view.
func (r *Repository) ListAggregates(ctx context.Context, workspaceID uuid.UUID, window domain.AggregateWindow, from, to time.Time) ([]domain.AggregatedMetric, error) {
	view, err := viewForWindow(window)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT workspace_id, service_id, bucket,
			query_count, avg_duration_ms, min_duration_ms, max_duration_ms,
			p95_duration_ms, p99_duration_ms,
			success_count, failed_count, total_rows_affected
		FROM %s
		WHERE workspace_id = $1 AND bucket >= $2 AND bucket < $3
		ORDER BY bucket ASC`, view)
	rows, err := r.pool.Query(ctx, query, workspaceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var aggs []domain.AggregatedMetric
	for rows.Next() {
		var a domain.AggregatedMetric
		if err := rows.Scan(&a.WorkspaceID, &a.ServiceID, &a.Bucket,
			&a.QueryCount, &a.AvgDurationMS, &a.MinDurationMS, &a.MaxDurationMS,
			&a.P95DurationMS, &a.P99DurationMS,
			&a.SuccessCount, &a.FailedCount, &a.TotalRowsAffected); err != nil {
			return nil, err
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

// GetBaseline folds the materialized buckets of the trailing lookback into a
// single mean/stddev. Returns ErrNotFound when no bucket covers the range.
func (r *Repository) GetBaseline(ctx context.Context, workspaceID, serviceID uuid.UUID, window domain.AggregateWindow, lookback time.Duration) (*domain.RollingBaseline, error) {
	view, err := viewForWindow(window)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT
			COALESCE(SUM(query_count), 0) AS sample_count,
			COALESCE(SUM(sum_duration_ms) / NULLIF(SUM(query_count), 0), 0) AS mean,
			COALESCE(SQRT(GREATEST(
				SUM(sum_duration_sq) / NULLIF(SUM(query_count), 0)
				- POWER(SUM(sum_duration_ms) / NULLIF(SUM(query_count), 0), 2), 0)), 0) AS stddev
		FROM %s
		WHERE workspace_id = $1 AND service_id = $2
			AND bucket > NOW() - make_interval(secs => $3)`, view)
	row := r.pool.QueryRow(ctx, query, workspaceID, serviceID, lookback.Seconds())
	baseline := domain.RollingBaseline{
		WorkspaceID: workspaceID,
		ServiceID:   serviceID,
		Window:      window,
	}
	if err := row.Scan(&baseline.SampleCount, &baseline.Mean, &baseline.Stddev); err != nil {
		return nil, err
	}
	if baseline.SampleCount == 0 {
		return nil, repository.ErrNotFound
	}
	return &baseline, nil
}

// InsertAnomaly records one detected anomaly.
func (r *Repository) InsertAnomaly(ctx context.Context, anomaly *domain.Anomaly) error {
	const query = `INSERT INTO query_anomalies (
			workspace_id, service_id, metric_id, query_text,
			duration_ms, mean_duration_ms, stddev_duration_ms, z_score, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		anomaly.WorkspaceID, anomaly.ServiceID, anomaly.MetricID, anomaly.QueryText,
		anomaly.DurationMS, anomaly.MeanDurationMS, anomaly.StddevDurationMS,
		anomaly.ZScore, anomaly.DetectedAt)
	return err
}

// ListAnomalies returns the most recent anomalies for a workspace.
func (r *Repository) ListAnomalies(ctx context.Context, workspaceID uuid.UUID, limit int) ([]domain.Anomaly, error) {
	const query = `SELECT id, workspace_id, service_id, metric_id, query_text,
			duration_ms, mean_duration_ms, stddev_duration_ms, z_score, detected_at
		FROM query_anomalies
		WHERE workspace_id = $1
		ORDER BY detected_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var anomalies []domain.Anomaly
	for rows.Next() {
		var a domain.Anomaly
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.ServiceID, &a.MetricID, &a.QueryText,
			&a.DurationMS, &a.MeanDurationMS, &a.StddevDurationMS, &a.ZScore, &a.DetectedAt); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// UpsertEmbedding writes a query vector, replacing any previous vector for
// the same (workspace, query hash).
func (r *Repository) UpsertEmbedding(ctx context.Context, emb *domain.QueryEmbedding) error {
	const query = `INSERT INTO query_embeddings (workspace_id, query_hash, sql_query, embedding)
		VALUES ($1, $2, $3, $4::vector)
		ON CONFLICT (workspace_id, query_hash)
		DO UPDATE SET embedding = $4::vector, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, emb.WorkspaceID, emb.QueryHash, emb.QueryText, vectorLiteral(emb.Vector))
	return err
}

// ListPendingQueries returns distinct query texts without a stored embedding.
// The hash expression must stay in lockstep with embedding.QueryHash.
func (r *Repository) ListPendingQueries(ctx context.Context, workspaceID uuid.UUID, limit int) ([]domain.PendingQuery, error) {
	const query = `SELECT DISTINCT m.query_text,
			md5(lower(regexp_replace(trim(m.query_text), '\s+', ' ', 'g'))) AS query_hash
		FROM query_metrics m
		WHERE m.workspace_id = $1
			AND NOT EXISTS (
				SELECT 1 FROM query_embeddings e
				WHERE e.workspace_id = m.workspace_id
					AND e.query_hash = md5(lower(regexp_replace(trim(m.query_text), '\s+', ' ', 'g')))
			)
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pending []domain.PendingQuery
	for rows.Next() {
		p := domain.PendingQuery{WorkspaceID: workspaceID}
		if err := rows.Scan(&p.QueryText, &p.QueryHash); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// SearchSimilar runs a cosine-distance search over stored embeddings.
func (r *Repository) SearchSimilar(ctx context.Context, workspaceID uuid.UUID, vector []float32, limit int, threshold float64) ([]domain.SimilarQuery, error) {
	const query = `SELECT id, sql_query, 1 - (embedding <=> $2::vector) AS similarity
		FROM query_embeddings
		WHERE workspace_id = $1
			AND 1 - (embedding <=> $2::vector) >= $4
		ORDER BY embedding <=> $2::vector
		LIMIT $3`
	rows, err := r.pool.Query(ctx, query, workspaceID, vectorLiteral(vector), limit, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []domain.SimilarQuery
	for rows.Next() {
		var s domain.SimilarQuery
		if err := rows.Scan(&s.ID, &s.QueryText, &s.Similarity); err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// PruneMetrics deletes raw metrics older than the cutoff.
func (r *Repository) PruneMetrics(ctx context.Context, olderThan time.Duration) (int64, error) {
	const query = `DELETE FROM query_metrics
		WHERE completed_at < NOW() - make_interval(secs => $1)`
	tag, err := r.pool.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PruneAggregates drops aged chunks from a continuous aggregate. The
// flattening views have no chunks of their own, so this targets the
// underlying cagg.
func (r *Repository) PruneAggregates(ctx context.Context, window domain.AggregateWindow, olderThan time.Duration) (int64, error) {
	view, err := viewForWindow(window)
	if err != nil {
		return 0, err
	}
	const query = `SELECT COUNT(*) FROM drop_chunks($1::regclass, older_than => NOW() - make_interval(secs => $2))`
	row := r.pool.QueryRow(ctx, query, view+"_cagg", olderThan.Seconds())
	var dropped int64
	if err := row.Scan(&dropped); err != nil {
		return 0, err
	}
	return dropped, nil
}

// PruneAnomalies deletes anomalies older than the cutoff.
func (r *Repository) PruneAnomalies(ctx context.Context, olderThan time.Duration) (int64, error) {
	const query = `DELETE FROM query_anomalies
		WHERE detected_at < NOW() - make_interval(secs => $1)`
	tag, err := r.pool.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// vectorLiteral renders a float32 slice in pgvector text form.
func vectorLiteral(vector []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vector {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
