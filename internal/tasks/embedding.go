package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/metrics"
	"github.com/YASSERRMD/query-vault/internal/repository"
	"github.com/YASSERRMD/query-vault/internal/service/embedding"
)

const (
	defaultEmbedInterval = 30 * time.Second
	defaultEmbedBatch    = 100
)

// EmbeddingTask embeds recently observed queries that lack a stored vector.
// A query that fails to embed is retried on a later cycle and never blocks
// the rest of its batch.
type EmbeddingTask struct {
	workspaces repository.WorkspaceRepository
	store      repository.EmbeddingRepository
	embedder   embedding.Embedder
	interval   time.Duration
	batchSize  int
	logger     *slog.Logger
}

// NewEmbeddingTask constructs the task with sane defaults.
func NewEmbeddingTask(workspaces repository.WorkspaceRepository, store repository.EmbeddingRepository, embedder embedding.Embedder, interval time.Duration, batchSize int, logger *slog.Logger) *EmbeddingTask {
	if interval <= 0 {
		interval = defaultEmbedInterval
	}
	if batchSize <= 0 {
		batchSize = defaultEmbedBatch
	}
	if logger != nil {
		logger = logger.With("component", "embedding_task")
	}
	return &EmbeddingTask{
		workspaces: workspaces,
		store:      store,
		embedder:   embedder,
		interval:   interval,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Run blocks until the context is cancelled.
func (t *EmbeddingTask) Run(ctx context.Context) {
	if t.embedder == nil {
		if t.logger != nil {
			t.logger.Warn("no embedder configured, embedding task disabled")
		}
		return
	}
	if t.logger != nil {
		t.logger.Info("embedding task started", "interval", t.interval, "batch_size", t.batchSize, "dim", t.embedder.Dim())
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if t.logger != nil {
				t.logger.Info("embedding task stopped")
			}
			return
		case <-ticker.C:
			t.embedOnce(ctx)
		}
	}
}

// embedOnce processes one batch of unembedded queries per workspace.
// Returns the number of vectors stored.
func (t *EmbeddingTask) embedOnce(ctx context.Context) int {
	ids, err := t.workspaces.ListWorkspaceIDs(ctx)
	if err != nil {
		if t.logger != nil {
			t.logger.Error("failed to list workspaces for embedding", "error", err)
		}
		return 0
	}
	stored := 0
	for _, workspaceID := range ids {
		pending, err := t.store.ListPendingQueries(ctx, workspaceID, t.batchSize)
		if err != nil {
			if t.logger != nil {
				t.logger.Error("failed to list pending queries", "error", err, "workspace_id", workspaceID)
			}
			continue
		}
		for _, p := range pending {
			if t.embedPending(ctx, p) {
				stored++
			}
		}
	}
	return stored
}

func (t *EmbeddingTask) embedPending(ctx context.Context, p domain.PendingQuery) bool {
	vec, err := t.embedder.Embed(ctx, p.QueryText)
	if err != nil {
		metrics.EmbeddingFailures.Inc()
		if t.logger != nil {
			t.logger.Warn("failed to embed query, will retry next cycle", "error", err, "query_hash", p.QueryHash)
		}
		return false
	}
	emb := domain.QueryEmbedding{
		WorkspaceID: p.WorkspaceID,
		QueryHash:   p.QueryHash,
		QueryText:   p.QueryText,
		Vector:      vec,
	}
	if err := t.store.UpsertEmbedding(ctx, &emb); err != nil {
		metrics.EmbeddingFailures.Inc()
		if t.logger != nil {
			t.logger.Warn("failed to store embedding, will retry next cycle", "error", err, "query_hash", p.QueryHash)
		}
		return false
	}
	metrics.EmbeddingsTotal.Inc()
	return true
}
