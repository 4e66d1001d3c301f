package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/metrics"
	"github.com/YASSERRMD/query-vault/internal/repository"
)

const (
	defaultSweepInterval = 6 * time.Hour
	defaultSweepDelay    = time.Minute
)

// RetentionAges fixes the per-tier age limits.
type RetentionAges struct {
	Raw       time.Duration
	FineAgg   time.Duration // 5s buckets
	MidAgg    time.Duration // 1m buckets
	CoarseAgg time.Duration // 5m buckets
}

// Sweeper enforces data-age limits per tier. Cleanup is best effort: a
// failed delete only grows storage until the next interval, so failures are
// logged and retried rather than escalated.
type Sweeper struct {
	repo     repository.RetentionRepository
	interval time.Duration
	delay    time.Duration
	ages     RetentionAges
	logger   *slog.Logger
}

// NewSweeper constructs a Sweeper with sane defaults.
func NewSweeper(repo repository.RetentionRepository, interval, startupDelay time.Duration, ages RetentionAges, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if startupDelay < 0 {
		startupDelay = defaultSweepDelay
	}
	if ages.Raw <= 0 {
		ages.Raw = 30 * 24 * time.Hour
	}
	if ages.FineAgg <= 0 {
		ages.FineAgg = 7 * 24 * time.Hour
	}
	if ages.MidAgg <= 0 {
		ages.MidAgg = 90 * 24 * time.Hour
	}
	if ages.CoarseAgg <= 0 {
		ages.CoarseAgg = 365 * 24 * time.Hour
	}
	if logger != nil {
		logger = logger.With("component", "retention")
	}
	return &Sweeper{repo: repo, interval: interval, delay: startupDelay, ages: ages, logger: logger}
}

// Run blocks until the context is cancelled. The first sweep is delayed so
// startup is not competing with migrations and warmup traffic.
func (s *Sweeper) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.delay):
	}

	if s.logger != nil {
		s.logger.Info("retention task started", "interval", s.interval, "raw_age", s.ages.Raw)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.Info("retention task stopped")
			}
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce prunes every tier, continuing past individual failures.
func (s *Sweeper) sweepOnce(ctx context.Context) {
	s.prune(ctx, "raw", func() (int64, error) {
		return s.repo.PruneMetrics(ctx, s.ages.Raw)
	})
	s.prune(ctx, "agg_5s", func() (int64, error) {
		return s.repo.PruneAggregates(ctx, domain.Window5s, s.ages.FineAgg)
	})
	s.prune(ctx, "agg_1m", func() (int64, error) {
		return s.repo.PruneAggregates(ctx, domain.Window1m, s.ages.MidAgg)
	})
	s.prune(ctx, "agg_5m", func() (int64, error) {
		return s.repo.PruneAggregates(ctx, domain.Window5m, s.ages.CoarseAgg)
	})
	s.prune(ctx, "anomalies", func() (int64, error) {
		return s.repo.PruneAnomalies(ctx, s.ages.Raw)
	})
}

func (s *Sweeper) prune(_ context.Context, tier string, fn func() (int64, error)) {
	deleted, err := fn()
	if err != nil {
		if s.logger != nil {
			s.logger.Error("retention prune failed, will retry next interval", "error", err, "tier", tier)
		}
		return
	}
	if deleted > 0 {
		metrics.RetentionDeleted.WithLabelValues(tier).Add(float64(deleted))
		if s.logger != nil {
			s.logger.Info("pruned aged rows", "tier", tier, "deleted", deleted)
		}
	}
}
