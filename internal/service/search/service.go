// Package search answers similarity queries over stored embeddings.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/repository"
	"github.com/YASSERRMD/query-vault/internal/service/embedding"
)

const (
	defaultLimit     = 10
	maxLimit         = 100
	defaultThreshold = 0.7
)

// Service embeds a probe text and ranks stored queries by cosine similarity.
type Service struct {
	store    repository.EmbeddingRepository
	embedder embedding.Embedder
	logger   *slog.Logger
}

// New constructs the search service.
func New(store repository.EmbeddingRepository, embedder embedding.Embedder, logger *slog.Logger) *Service {
	if logger != nil {
		logger = logger.With("component", "search")
	}
	return &Service{store: store, embedder: embedder, logger: logger}
}

// Similar returns stored queries similar to the probe text. limit and
// threshold fall back to defaults when unset.
func (s *Service) Similar(ctx context.Context, workspaceID uuid.UUID, query string, limit int, threshold float64) ([]domain.SimilarQuery, error) {
	if s.embedder == nil {
		return nil, errors.New("search: no embedder configured")
	}
	if embedding.Normalize(query) == "" {
		return nil, errors.New("search: empty query")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if threshold <= 0 || threshold > 1 {
		threshold = defaultThreshold
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed probe query: %w", err)
	}
	return s.store.SearchSimilar(ctx, workspaceID, vec, limit, threshold)
}
