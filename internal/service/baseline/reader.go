// Package baseline maps materialized rollup windows to the RollingBaseline
// shape the anomaly detector consumes. All aggregation math lives in the
// persistence layer; this package only selects windows and shapes rows.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/repository"
)

// ErrUnavailable signals that no baseline covers the requested trailing
// window; callers skip the service for the cycle instead of guessing.
var ErrUnavailable = errors.New("baseline: unavailable")

// Reader serves rolling duration statistics from the aggregate views.
type Reader struct {
	repo repository.AggregateRepository
}

// NewReader constructs a Reader.
func NewReader(repo repository.AggregateRepository) *Reader {
	return &Reader{repo: repo}
}

// lookbackForWindow fixes how far back each granularity is folded.
func lookbackForWindow(window domain.AggregateWindow) time.Duration {
	switch window {
	case domain.Window5s:
		return 5 * time.Minute
	case domain.Window1m:
		return time.Hour
	case domain.Window5m:
		return 6 * time.Hour
	}
	return time.Hour
}

// BaselineFor returns the trailing mean/stddev for a (workspace, service)
// pair at the requested granularity.
func (r *Reader) BaselineFor(ctx context.Context, workspaceID, serviceID uuid.UUID, window domain.AggregateWindow) (*domain.RollingBaseline, error) {
	if !window.Valid() {
		return nil, fmt.Errorf("baseline: invalid window %q", window)
	}
	b, err := r.repo.GetBaseline(ctx, workspaceID, serviceID, window, lookbackForWindow(window))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return b, nil
}

// Aggregates returns raw bucket rows for a workspace over [from, to).
func (r *Reader) Aggregates(ctx context.Context, workspaceID uuid.UUID, window domain.AggregateWindow, from, to time.Time) ([]domain.AggregatedMetric, error) {
	if !window.Valid() {
		return nil, fmt.Errorf("baseline: invalid window %q", window)
	}
	return r.repo.ListAggregates(ctx, workspaceID, window, from, to)
}
